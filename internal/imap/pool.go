package imap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/logging"
)

const (
	// workerIdleTimeout is the maximum time a worker session can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
)

// Pool manages IMAP sessions per account.
// Supports two types of sessions:
// - Worker sessions: up to maxWorkers per account for sync and queue work (SEARCH, FETCH, STORE)
// - Listener sessions: 1 dedicated session per account for IDLE
//
// Each session carries its own mutex. Multiple goroutines can use different
// sessions concurrently, but access to one session is serialized.
type Pool struct {
	workerSets    map[string]*workerSessionSet // accountID -> worker session set
	listeners     map[string]*Session          // accountID -> listener session
	mu            sync.RWMutex
	maxWorkers    int
	allowInsecure bool
	logger        *slog.Logger
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a new IMAP session pool with a maximum number of worker
// sessions per account. allowInsecure permits plain-text connections.
func NewPool(maxWorkers int, allowInsecure bool, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerSessionSet),
		listeners:     make(map[string]*Session),
		maxWorkers:    maxWorkers,
		allowInsecure: allowInsecure,
		logger:        logging.WithOperation(logger, "imap_pool"),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// RemoveAccount closes all sessions (worker and listener) of an account.
func (p *Pool) RemoveAccount(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	if listener, exists := p.listeners[accountID]; exists {
		_ = listener.client.Logout()
		delete(p.listeners, accountID)
	}
}

// Close closes all sessions in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	for accountID, listener := range p.listeners {
		// A listener in use is blocked in IDLE; logging out unblocks it.
		if err := listener.client.Logout(); err != nil {
			p.logger.Debug("Failed to logout listener session", logging.Account(accountID), logging.Err(err))
		}
		delete(p.listeners, accountID)
	}
}
