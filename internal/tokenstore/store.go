// Package tokenstore implements the Encrypted Token Store: users, OAuth
// tokens, instance metadata, subscription tables, audit log and hub
// key/value state, backed by BoltDB with tokens authenticated-encrypted at
// rest.
package tokenstore

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketTokens      = []byte("tokens")
	bucketInstances   = []byte("instances")
	bucketDesiredSubs = []byte("desired_subscriptions")
	bucketActiveSubs  = []byte("active_subscriptions")
	bucketAudit       = []byte("audit")
	bucketHubState    = []byte("hub_state")
)

// Store wraps a BoltDB database for the Encrypted Token Store.
type Store struct {
	db     *bolt.DB
	key    *keyring
	dbPath string

	// refreshMu serializes at-most-one-in-flight token refresh per user:
	// one *sync.Mutex per userID, created lazily. Held for the duration of
	// the refresh HTTP call and the subsequent write, never across a DB
	// transaction alone.
	refreshMu   sync.Mutex
	refreshLock map[string]*sync.Mutex
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist. keyPath must point at an existing owner-only 32-byte key
// file; its absence is a fatal startup error.
func Open(path, keyPath string) (*Store, error) {
	kr, err := loadKeyring(keyPath)
	if err != nil {
		return nil, fmt.Errorf("fatal_startup: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fatal_startup: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketTokens, bucketInstances, bucketDesiredSubs, bucketActiveSubs, bucketAudit, bucketHubState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fatal_startup: create buckets: %w", err)
	}

	return &Store{db: db, key: kr, dbPath: path, refreshLock: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockForUser returns the per-user mutex used to serialize refreshes,
// creating it on first use. Concurrent refresh requests for the same user
// block here rather than racing the Token Store's write path.
func (s *Store) lockForUser(userID string) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	m, ok := s.refreshLock[userID]
	if !ok {
		m = &sync.Mutex{}
		s.refreshLock[userID] = m
	}
	return m
}

// WithRefreshLock runs fn while holding the per-user refresh lock, ensuring
// at-most-one in-flight refresh per user (invariant in §3.2/§5).
func (s *Store) WithRefreshLock(userID string, fn func() error) error {
	m := s.lockForUser(userID)
	m.Lock()
	defer m.Unlock()
	return fn()
}
