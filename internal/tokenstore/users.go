package tokenstore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrDuplicate is returned when a unique constraint (login) is violated.
var ErrDuplicate = errors.New("duplicate")

// ErrNotFound is returned for lookups with no matching row. It is not an
// exceptional condition — callers test for it with errors.Is.
var ErrNotFound = errors.New("not_found")

// User is a Twitch user known to the fleet (bot account or channel owner).
type User struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"` // always lowercased
	DisplayName string    `json:"display_name"`
	IsBot       bool      `json:"is_bot"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func userLoginIndexKey(login string) []byte {
	return []byte("idx::login::" + login)
}

// PutUser creates a user if one with this remote id doesn't already exist,
// enforcing login uniqueness. No-ops (without error) if the id already
// exists, since the operation is described as idempotent creation, not
// upsert.
func (s *Store) PutUser(id, login, displayName string, isBot bool) error {
	login = normalizeLogin(login)
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		if existing := b.Get([]byte(id)); existing != nil {
			return nil
		}
		if other := b.Get(userLoginIndexKey(login)); other != nil {
			return fmt.Errorf("%w: login %q already exists", ErrDuplicate, login)
		}

		u := User{ID: id, Login: login, DisplayName: displayName, IsBot: isBot, CreatedAt: now, UpdatedAt: now}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		return b.Put(userLoginIndexKey(login), []byte(id))
	})
}

// GetUserByID retrieves a user by its stable remote id.
func (s *Store) GetUserByID(id string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByLogin retrieves a user by its lowercased login.
func (s *Store) GetUserByLogin(login string) (*User, error) {
	login = normalizeLogin(login)
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		idBytes := b.Get(userLoginIndexKey(login))
		if idBytes == nil {
			return ErrNotFound
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("user index orphan for login %q", login)
		}
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser removes a user and cascades to its tokens and instances
// (§3.2 Referential integrity). Audit entries referencing the user are
// anonymized rather than deleted, preserving the audit trail for GDPR-style
// deletion requests.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketUsers)
		v := ub.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}

		if err := ub.Delete([]byte(id)); err != nil {
			return err
		}
		if err := ub.Delete(userLoginIndexKey(u.Login)); err != nil {
			return err
		}

		// Cascade-delete tokens (key prefix "{userID}::").
		tb := tx.Bucket(bucketTokens)
		prefix := []byte(id + "::")
		tc := tb.Cursor()
		var tokenKeys [][]byte
		for k, _ := tc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = tc.Next() {
			tokenKeys = append(tokenKeys, append([]byte(nil), k...))
		}
		for _, k := range tokenKeys {
			if err := tb.Delete(k); err != nil {
				return err
			}
		}

		// Cascade-delete instances referencing this user as bot or channel.
		ib := tx.Bucket(bucketInstances)
		ic := ib.Cursor()
		var instKeys [][]byte
		for k, v := ic.First(); k != nil; k, v = ic.Next() {
			var inst Instance
			if json.Unmarshal(v, &inst) != nil {
				continue
			}
			if inst.ChannelUserID == id || inst.BotUserID == id {
				instKeys = append(instKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range instKeys {
			if err := ib.Delete(k); err != nil {
				return err
			}
		}

		return anonymizeAuditForUser(tx, id)
	})
}

func normalizeLogin(login string) string {
	out := make([]byte, len(login))
	for i := 0; i < len(login); i++ {
		c := login[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// generateID returns a random hex identifier, used for entities (instances,
// subscriptions) whose id is minted locally rather than supplied by Twitch.
func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
