package tokenstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// InstanceStatus is the lifecycle state of a bot process instance.
type InstanceStatus string

const (
	InstanceStopped    InstanceStatus = "stopped"
	InstanceRunning    InstanceStatus = "running"
	InstanceCrashed    InstanceStatus = "crashed"
	InstanceNeedsReauth InstanceStatus = "needs_reauth"
)

// Instance tracks one bot process's lifecycle.
type Instance struct {
	ID            string         `json:"id"`
	ChannelUserID string         `json:"channel_user_id"`
	BotUserID     string         `json:"bot_user_id"`
	Status        InstanceStatus `json:"status"`
	PID           int            `json:"pid"`
	StartedAt     time.Time      `json:"started_at"`
	StoppedAt     time.Time      `json:"stopped_at,omitempty"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	CrashCount    int            `json:"crash_count"`
}

// RegisterInstance creates an instance record for a bot process about to be
// spawned. Both the channel and bot users must already exist.
func (s *Store) RegisterInstance(channelLogin, botLogin string, pid int) (string, error) {
	channel, err := s.GetUserByLogin(channelLogin)
	if err != nil {
		return "", fmt.Errorf("not_found: channel user %q: %w", channelLogin, err)
	}
	bot, err := s.GetUserByLogin(botLogin)
	if err != nil {
		return "", fmt.Errorf("not_found: bot user %q: %w", botLogin, err)
	}

	id := generateID()
	now := time.Now().UTC()
	inst := Instance{
		ID:            id,
		ChannelUserID: channel.ID,
		BotUserID:     bot.ID,
		Status:        InstanceRunning,
		PID:           pid,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return "", fmt.Errorf("marshal instance: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Heartbeat updates an instance's last-seen timestamp and status.
func (s *Store) Heartbeat(instanceID string, status InstanceStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		v := b.Get([]byte(instanceID))
		if v == nil {
			return ErrNotFound
		}
		var inst Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return fmt.Errorf("unmarshal instance: %w", err)
		}
		inst.LastHeartbeat = time.Now().UTC()
		inst.Status = status
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("marshal instance: %w", err)
		}
		return b.Put([]byte(instanceID), data)
	})
}

// StaleInstances returns ids of running instances whose heartbeat is older
// than timeoutSeconds.
func (s *Store) StaleInstances(timeoutSeconds int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(timeoutSeconds) * time.Second)
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var inst Instance
			if json.Unmarshal(v, &inst) != nil {
				return nil
			}
			if inst.Status == InstanceRunning && inst.LastHeartbeat.Before(cutoff) {
				out = append(out, inst.ID)
			}
			return nil
		})
	})
	return out, err
}

// GetInstance retrieves an instance by id.
func (s *Store) GetInstance(id string) (*Instance, error) {
	var inst Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
