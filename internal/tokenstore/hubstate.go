package tokenstore

import (
	bolt "go.etcd.io/bbolt"
)

// PutHubState sets a key/value pair owned by Hub components (upstream WS
// state, last reconcile timestamp, counters). The value is an opaque string
// — the Hub, not the store, interprets its contents.
func (s *Store) PutHubState(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHubState).Put([]byte(key), []byte(value))
	})
}

// GetHubState retrieves a hub state value, returning "" if unset.
func (s *Store) GetHubState(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHubState).Get([]byte(key))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}
