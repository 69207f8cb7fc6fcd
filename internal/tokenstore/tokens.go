package tokenstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// TokenKind distinguishes a bot account's token from a channel owner's.
type TokenKind string

const (
	KindBot         TokenKind = "bot"
	KindBroadcaster TokenKind = "broadcaster"
)

// TokenStatus is the lifecycle state of a token record.
type TokenStatus string

const (
	StatusValid   TokenStatus = "valid"
	StatusExpired TokenStatus = "expired"
	StatusRevoked TokenStatus = "revoked"
)

// refreshFailureThreshold is the consecutive-failure count that promotes a
// token to needs_reauth (§3.2 Monotonic failures).
const refreshFailureThreshold = 3

// tokenRecord is the on-disk (encrypted) representation of a token.
type tokenRecord struct {
	UserID            string      `json:"user_id"`
	Kind              TokenKind   `json:"kind"`
	Access            sealedValue `json:"access"`
	Refresh           sealedValue `json:"refresh"`
	Scopes            []string    `json:"scopes"`
	ExpiresAt         time.Time   `json:"expires_at"`
	LastRefresh       time.Time   `json:"last_refresh"`
	Status            TokenStatus `json:"status"`
	NeedsReauth       bool        `json:"needs_reauth"`
	RefreshFailures   int         `json:"refresh_failures"`
}

// Tokens is the decrypted view of a token record returned to callers.
type Tokens struct {
	UserID          string
	Kind            TokenKind
	AccessToken     string
	RefreshToken    string
	Scopes          []string
	ExpiresAt       time.Time
	LastRefresh     time.Time
	Status          TokenStatus
	NeedsReauth     bool
	RefreshFailures int
}

func tokenKey(userID string, kind TokenKind) []byte {
	return []byte(userID + "::" + string(kind))
}

// tokenSalt binds the AEAD derivation to exactly this (user, kind) pair so
// ciphertext cannot be replayed against a different record.
func tokenSalt(userID string, kind TokenKind) []byte {
	return []byte("token::" + userID + "::" + string(kind))
}

// StoreTokens inserts or replaces a token record, resetting the failure
// counter and setting status valid (§4.1 store_tokens).
func (s *Store) StoreTokens(userID string, kind TokenKind, access, refresh string, expiresIn time.Duration, scopes []string) error {
	salt := tokenSalt(userID, kind)
	sealedAccess, err := s.key.seal(access, salt)
	if err != nil {
		return fmt.Errorf("internal: seal access token: %w", err)
	}
	sealedRefresh, err := s.key.seal(refresh, salt)
	if err != nil {
		return fmt.Errorf("internal: seal refresh token: %w", err)
	}

	now := time.Now().UTC()
	rec := tokenRecord{
		UserID:      userID,
		Kind:        kind,
		Access:      sealedAccess,
		Refresh:     sealedRefresh,
		Scopes:      scopes,
		ExpiresAt:   now.Add(expiresIn),
		LastRefresh: now,
		Status:      StatusValid,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("internal: marshal token record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.Put(tokenKey(userID, kind), data)
	})
	if err != nil {
		return err
	}

	_ = s.Audit(AuditEntry{
		Kind:     "tokens_stored",
		UserRef:  userID,
		Severity: SeverityInfo,
		Details:  map[string]string{"kind": string(kind), "access_preview": maskToken(access)},
	})
	return nil
}

// GetTokens retrieves and decrypts a token record.
func (s *Store) GetTokens(userID string, kind TokenKind) (*Tokens, error) {
	rec, err := s.loadTokenRecord(userID, kind)
	if err != nil {
		return nil, err
	}

	salt := tokenSalt(userID, kind)
	access, err := s.key.open(rec.Access, salt)
	if err != nil {
		_ = s.Audit(AuditEntry{Kind: "token_decrypt_failed", UserRef: userID, Severity: SeverityError, Details: map[string]string{"kind": string(kind)}})
		return nil, fmt.Errorf("corrupt: decrypt access token: %w", err)
	}
	refresh, err := s.key.open(rec.Refresh, salt)
	if err != nil {
		_ = s.Audit(AuditEntry{Kind: "token_decrypt_failed", UserRef: userID, Severity: SeverityError, Details: map[string]string{"kind": string(kind)}})
		return nil, fmt.Errorf("corrupt: decrypt refresh token: %w", err)
	}

	return &Tokens{
		UserID:          rec.UserID,
		Kind:            rec.Kind,
		AccessToken:     access,
		RefreshToken:    refresh,
		Scopes:          rec.Scopes,
		ExpiresAt:       rec.ExpiresAt,
		LastRefresh:     rec.LastRefresh,
		Status:          rec.Status,
		NeedsReauth:     rec.NeedsReauth,
		RefreshFailures: rec.RefreshFailures,
	}, nil
}

func (s *Store) loadTokenRecord(userID string, kind TokenKind) (*tokenRecord, error) {
	var rec tokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		v := b.Get(tokenKey(userID, kind))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RefreshCandidate names a token approaching expiry.
type RefreshCandidate struct {
	UserID string
	Kind   TokenKind
}

// TokensNeedingRefresh scans all valid tokens and returns those expiring
// within bufferMinutes. Uses a Bolt snapshot (View transaction) so the scan
// sees a single consistent point in time even while writers proceed.
func (s *Store) TokensNeedingRefresh(bufferMinutes int) ([]RefreshCandidate, error) {
	cutoff := time.Now().UTC().Add(time.Duration(bufferMinutes) * time.Minute)
	var out []RefreshCandidate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var rec tokenRecord
			if json.Unmarshal(v, &rec) != nil {
				return nil
			}
			if rec.Status == StatusValid && rec.ExpiresAt.Before(cutoff) {
				out = append(out, RefreshCandidate{UserID: rec.UserID, Kind: rec.Kind})
			}
			return nil
		})
	})
	return out, err
}

// IncrementRefreshFailures bumps the consecutive-failure counter for a
// token. Crossing refreshFailureThreshold atomically sets needs_reauth and
// status expired (§3.2 Monotonic failures, I4/I5).
func (s *Store) IncrementRefreshFailures(userID string, kind TokenKind) (int, error) {
	var newCount int
	var crossedThreshold bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		key := tokenKey(userID, kind)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var rec tokenRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal token record: %w", err)
		}

		rec.RefreshFailures++
		newCount = rec.RefreshFailures
		if rec.RefreshFailures >= refreshFailureThreshold {
			rec.NeedsReauth = true
			rec.Status = StatusExpired
			crossedThreshold = true
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal token record: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return 0, err
	}

	if crossedThreshold {
		_ = s.Audit(AuditEntry{
			Kind:     "needs_reauth",
			UserRef:  userID,
			Severity: SeverityError,
			Details:  map[string]string{"kind": string(kind), "failures": fmt.Sprintf("%d", newCount)},
		})
	}
	return newCount, nil
}

// MarkRevoked deletes a token record and audits the revocation.
func (s *Store) MarkRevoked(userID string, kind TokenKind) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		key := tokenKey(userID, kind)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
	if err != nil {
		return err
	}
	return s.Audit(AuditEntry{Kind: "token_revoked", UserRef: userID, Severity: SeverityWarn, Details: map[string]string{"kind": string(kind)}})
}
