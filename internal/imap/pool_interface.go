package imap

import (
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// IMAPPool is the session pool as seen by the sync engine and the action queue.
// Note: The stutter in the naming is intentional because we have a struct called Pool.
//
//goland:noinspection GoNameStartsWithPackageName
type IMAPPool interface {
	// GetSession returns a locked worker session. Callers must always call
	// the returned release function when they are done with the session.
	GetSession(accountID string, cfg models.ServerConfig, password string) (*Session, func(), error)

	// GetListenerSession returns the locked IDLE session of an account.
	GetListenerSession(accountID string, cfg models.ServerConfig, password string) (*Session, error)

	// RemoveListenerSession drops a broken listener session.
	RemoveListenerSession(accountID string)

	// RemoveAccount closes every session of an account, for example after
	// its credential was rejected.
	RemoveAccount(accountID string)

	// Close closes all sessions in the pool.
	Close()
}

// Ensure Pool implements IMAPPool interface
var _ IMAPPool = (*Pool)(nil)

// timeNow is replaced in tests.
var timeNow = time.Now
