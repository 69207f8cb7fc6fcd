package eventsub

import "sync"

// subKey identifies a desired subscription independent of session.
type subKey struct {
	channelID string
	topic     string
}

// tracker remembers which (channel, topic) pairs have a live remote
// subscription id in the current session. It is discarded and rebuilt on
// every reconnect, per spec: subscriptions are bound to a session id.
type tracker struct {
	mu   sync.RWMutex
	subs map[subKey]string // -> remote subscription id
}

func newTracker() *tracker {
	return &tracker{subs: make(map[subKey]string)}
}

func (t *tracker) put(channelID, topic, remoteID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[subKey{channelID, topic}] = remoteID
}

func (t *tracker) remove(channelID, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, subKey{channelID, topic})
}

func (t *tracker) has(channelID, topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subs[subKey{channelID, topic}]
	return ok
}

func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = make(map[subKey]string)
}

// snapshot returns a copy of the currently tracked keys, for runReconcile's
// sweep of tracked subscriptions that are no longer desired.
func (t *tracker) snapshot() []subKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]subKey, 0, len(t.subs))
	for k := range t.subs {
		out = append(out, k)
	}
	return out
}
