package tokenstore

import (
	"encoding/json"
	"os"

	bolt "go.etcd.io/bbolt"
)

// Stats summarizes store contents for the get_stats operation.
type Stats struct {
	Users           int
	Tokens          int
	ActiveInstances int
	AuditEntries    int
	DBSizeBytes     int64
}

// GetStats returns aggregate counters across the store.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Users = tx.Bucket(bucketUsers).Stats().KeyN
		st.Tokens = tx.Bucket(bucketTokens).Stats().KeyN
		st.AuditEntries = tx.Bucket(bucketAudit).Stats().KeyN

		ib := tx.Bucket(bucketInstances)
		return ib.ForEach(func(k, v []byte) error {
			var inst Instance
			if json.Unmarshal(v, &inst) == nil && inst.Status == InstanceRunning {
				st.ActiveInstances++
			}
			return nil
		})
	})
	if err != nil {
		return st, err
	}

	if info, statErr := os.Stat(s.dbPath); statErr == nil {
		st.DBSizeBytes = info.Size()
	}
	return st, nil
}
