package imap

import (
	"log/slog"
	"sync"

	"github.com/vdavid/mailsync/internal/logging"
)

// workerSessionSet manages the worker sessions of a single account.
// The semaphore limits how many sessions can be held at once.
type workerSessionSet struct {
	sessions  []*Session
	semaphore chan struct{}
	mu        sync.Mutex
}

func newWorkerSessionSet(maxWorkers int) *workerSessionSet {
	return &workerSessionSet{
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// acquire takes a semaphore slot, blocking at capacity, and returns a free
// session locked for the caller, or nil when every existing session is busy.
// The slot stays taken in both cases; the caller releases it.
func (s *workerSessionSet) acquire() *Session {
	s.semaphore <- struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.TryLock() {
			return session
		}
	}
	return nil
}

// releaseSlot frees a semaphore slot.
func (s *workerSessionSet) releaseSlot() {
	<-s.semaphore
}

// add adds a new session to the set.
func (s *workerSessionSet) add(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
}

// remove drops a session from the set and logs it out.
func (s *workerSessionSet) remove(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.sessions {
		if existing == session {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			_ = session.client.Logout()
			return
		}
	}
}

// size returns the number of open sessions.
func (s *workerSessionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// close logs out every session. Sessions in use are logged out too, which
// makes their pending commands fail.
func (s *workerSessionSet) close(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if err := session.client.Logout(); err != nil {
			logger.Debug("Failed to logout worker session", logging.Err(err))
		}
	}
	s.sessions = nil
}
