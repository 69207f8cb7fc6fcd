// Package supervisor owns the multi-process fleet: it spawns the Hub and
// one bot process per channel, restarts crashed children with bounded
// backoff, hands each bot its decrypted tokens over a short-lived local
// socket, and shuts the fleet down in dependency order.
package supervisor

import (
	"time"
)

// restartPolicy bounds how aggressively a crashed child is restarted: the
// first maxImmediate crashes are retried with no delay, after which the
// policy backs off to a fixed delay. A child that stays up for cooldown
// resets the counter, so a long-running process that eventually crashes
// once more is treated as a fresh start rather than punished for history.
type restartPolicy struct {
	maxImmediate int
	backoffDelay time.Duration
	cooldown     time.Duration

	count      int
	startedAt  time.Time
	lastExitAt time.Time
}

func newRestartPolicy(maxImmediate int, backoffDelay, cooldown time.Duration) *restartPolicy {
	return &restartPolicy{maxImmediate: maxImmediate, backoffDelay: backoffDelay, cooldown: cooldown}
}

// noteStarted records that a fresh instance of the child began running.
func (p *restartPolicy) noteStarted(now time.Time) {
	p.startedAt = now
}

// noteExit records a crash and returns the delay to wait before restarting.
func (p *restartPolicy) noteExit(now time.Time) time.Duration {
	if !p.startedAt.IsZero() && now.Sub(p.startedAt) >= p.cooldown {
		p.count = 0
	}
	p.lastExitAt = now

	if p.count < p.maxImmediate {
		p.count++
		return 0
	}
	p.count++
	return p.backoffDelay
}

// Count returns the number of crashes recorded since the last reset.
func (p *restartPolicy) Count() int {
	return p.count
}
