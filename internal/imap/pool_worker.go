package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/models"
)

// getOrCreateWorkerSet gets or creates the worker session set of an account.
// Thread-safe: uses double-check locking.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerSessionSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = newWorkerSessionSet(p.maxWorkers)
	p.workerSets[accountID] = set
	return set
}

// GetSession returns a locked worker session for the account, opening a new
// one when none is free. The caller must call release when done.
func (p *Pool) GetSession(accountID string, cfg models.ServerConfig, password string) (*Session, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)

	session := set.acquire()
	if session != nil {
		if p.isHealthy(session) {
			session.touch()
			return session, p.releaseFunc(set, session), nil
		}
		session.Unlock()
		set.remove(session)
	}

	// The semaphore slot taken by acquire is still held here.
	c, err := Dial(cfg, password, p.allowInsecure)
	if err != nil {
		set.releaseSlot()
		return nil, nil, fmt.Errorf("failed to open IMAP session: %w", err)
	}

	session = newSession(c, roleWorker)
	session.Lock()
	set.add(session)

	return session, p.releaseFunc(set, session), nil
}

func (p *Pool) releaseFunc(set *workerSessionSet, session *Session) func() {
	return func() {
		session.touch()
		session.Unlock()
		set.releaseSlot()
	}
}

// isHealthy checks the connection state and, for sessions idle longer than
// healthCheckThreshold, round-trips a NOOP. The session must be locked.
func (p *Pool) isHealthy(session *Session) bool {
	state := session.client.State()
	if state != imap.AuthenticatedState && state != imap.SelectedState {
		return false
	}
	if session.lastUsed.Add(healthCheckThreshold).Before(timeNow()) {
		return session.client.Noop() == nil
	}
	return true
}
