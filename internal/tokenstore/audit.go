package tokenstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Severity classifies an audit entry for alerting/filtering purposes.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// AuditEntry is an append-only record of something the core did. Details
// must never contain secret values — only structured, non-secret context.
type AuditEntry struct {
	Kind       string            `json:"kind"`
	UserRef    string            `json:"user_ref,omitempty"`
	ChannelRef string            `json:"channel_ref,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Severity   Severity          `json:"severity"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Audit appends an entry. Keys are chronological ("{RFC3339Nano}::{rand}")
// so a prefix/range cursor scan yields entries in insertion order, the same
// scheme the teacher uses for its history and snapshot buckets.
func (s *Store) Audit(e AuditEntry) error {
	e.Timestamp = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := []byte(fmt.Sprintf("%s::%s", e.Timestamp.Format(time.RFC3339Nano), generateID()[:8]))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(key, data)
	})
}

// ListAudit returns up to limit most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var e AuditEntry
			if json.Unmarshal(v, &e) != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// anonymizeAuditForUser rewrites every audit entry referencing userID so the
// reference is replaced with a fixed anonymized marker, preserving the
// event itself for GDPR-style deletion (§3.2 Referential integrity).
func anonymizeAuditForUser(tx *bolt.Tx, userID string) error {
	b := tx.Bucket(bucketAudit)
	c := b.Cursor()
	var keys [][]byte
	var entries []AuditEntry
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e AuditEntry
		if json.Unmarshal(v, &e) != nil {
			continue
		}
		if e.UserRef == userID {
			e.UserRef = "anonymized"
			keys = append(keys, append([]byte(nil), k...))
			entries = append(entries, e)
		}
	}
	for i, k := range keys {
		data, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("marshal anonymized audit entry: %w", err)
		}
		if err := b.Put(k, data); err != nil {
			return err
		}
	}
	return nil
}
