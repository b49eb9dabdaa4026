package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/models"
)

// GetListenerSession gets or creates the dedicated IDLE session of an account.
// The session is returned locked; the caller unlocks it when the IDLE loop ends.
func (p *Pool) GetListenerSession(accountID string, cfg models.ServerConfig, password string) (*Session, error) {
	p.mu.RLock()
	listener, exists := p.listeners[accountID]
	p.mu.RUnlock()

	if exists {
		listener.Lock()
		state := listener.client.State()
		if state == imap.AuthenticatedState || state == imap.SelectedState {
			return listener, nil
		}
		listener.Unlock()
		p.RemoveListenerSession(accountID)
	}

	c, err := Dial(cfg, password, p.allowInsecure)
	if err != nil {
		return nil, fmt.Errorf("failed to open IMAP listener session: %w", err)
	}
	listener = newSession(c, roleListener)

	p.mu.Lock()
	if existing, exists := p.listeners[accountID]; exists {
		p.mu.Unlock()
		_ = c.Logout()
		existing.Lock()
		return existing, nil
	}
	p.listeners[accountID] = listener
	p.mu.Unlock()

	listener.Lock()
	return listener, nil
}

// RemoveListenerSession logs out and forgets the listener session of an account.
func (p *Pool) RemoveListenerSession(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if listener, exists := p.listeners[accountID]; exists {
		_ = listener.client.Logout()
		delete(p.listeners, accountID)
	}
}
