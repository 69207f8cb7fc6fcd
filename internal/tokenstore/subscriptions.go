package tokenstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// DesiredSubscription declares that some bot wants a (channel, topic) pair
// monitored. The transport is always "websocket" for this core.
type DesiredSubscription struct {
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
	Transport string `json:"transport"`
}

// ActiveSubscription reflects a subscription confirmed by Twitch under the
// Hub's current session.
type ActiveSubscription struct {
	RemoteSubID string `json:"remote_sub_id"`
	ChannelID   string `json:"channel_id"`
	Topic       string `json:"topic"`
	Status      string `json:"status"`
	Cost        int    `json:"cost"`
}

func desiredKey(channelID, topic string) []byte {
	return []byte(channelID + "::" + topic)
}

// PutDesiredSubscription is idempotent: writing the same (channel, topic)
// pair twice yields exactly one row (§3.2 Subscription uniqueness, R3).
func (s *Store) PutDesiredSubscription(channelID, topic string) error {
	sub := DesiredSubscription{ChannelID: channelID, Topic: topic, Transport: "websocket"}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal desired subscription: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredSubs).Put(desiredKey(channelID, topic), data)
	})
}

// RemoveDesiredSubscription is idempotent — removing a non-existent row is
// not an error.
func (s *Store) RemoveDesiredSubscription(channelID, topic string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredSubs).Delete(desiredKey(channelID, topic))
	})
}

// ListDesired returns every desired subscription row.
func (s *Store) ListDesired() ([]DesiredSubscription, error) {
	var out []DesiredSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDesiredSubs).ForEach(func(k, v []byte) error {
			var sub DesiredSubscription
			if json.Unmarshal(v, &sub) != nil {
				return nil
			}
			out = append(out, sub)
			return nil
		})
	})
	return out, err
}

// RecordActive is idempotent: recording the same remote subscription id
// twice replaces the row rather than duplicating it.
func (s *Store) RecordActive(remoteSubID, channelID, topic, status string, cost int) error {
	sub := ActiveSubscription{RemoteSubID: remoteSubID, ChannelID: channelID, Topic: topic, Status: status, Cost: cost}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal active subscription: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActiveSubs).Put([]byte(remoteSubID), data)
	})
}

// ForgetActive removes an active subscription row, e.g. after remote
// deletion or a session rollover.
func (s *Store) ForgetActive(remoteSubID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActiveSubs).Delete([]byte(remoteSubID))
	})
}

// ListActive returns every active subscription row.
func (s *Store) ListActive() ([]ActiveSubscription, error) {
	var out []ActiveSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActiveSubs).ForEach(func(k, v []byte) error {
			var sub ActiveSubscription
			if json.Unmarshal(v, &sub) != nil {
				return nil
			}
			out = append(out, sub)
			return nil
		})
	})
	return out, err
}

// ClearActiveForSession removes every active subscription, used on session
// rollover before the Hub replays its tracker against the new session.
func (s *Store) ClearActiveForSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActiveSubs)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !bytes.HasPrefix(k, []byte("idx::")) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
