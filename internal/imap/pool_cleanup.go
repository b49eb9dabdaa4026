package imap

import (
	"time"
)

// startCleanupGoroutine runs a background goroutine that periodically closes idle sessions.
// The goroutine stops when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleSessions(time.Now())
			}
		}
	}()
}

// cleanupIdleSessions removes worker sessions unused for longer than workerIdleTimeout.
// Sessions currently held by a caller are never touched.
func (p *Pool) cleanupIdleSessions(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for accountID, set := range p.workerSets {
		set.mu.Lock()
		kept := set.sessions[:0]
		for _, s := range set.sessions {
			if s.TryLock() {
				if now.Sub(s.lastUsed) > workerIdleTimeout {
					_ = s.client.Logout()
					s.Unlock()
					removed++
					continue
				}
				s.Unlock()
			}
			kept = append(kept, s)
		}
		set.sessions = kept
		empty := len(set.sessions) == 0
		set.mu.Unlock()

		if empty {
			delete(p.workerSets, accountID)
		}
	}
	return removed
}
