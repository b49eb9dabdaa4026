package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// dialTimeout bounds connection setup, including the TLS handshake.
const dialTimeout = 10 * time.Second

// ErrAuthFailed is returned when the server rejects the account's credential.
var ErrAuthFailed = errors.New("imap authentication failed")

// ErrInsecureTransport is returned when a plain connection is requested but
// not allowed by configuration.
var ErrInsecureTransport = errors.New("plain IMAP connections are not allowed")

// sessionRole indicates the purpose of a session.
type sessionRole int

const (
	// roleWorker indicates a worker session. There can be multiple worker sessions per account.
	roleWorker sessionRole = iota
	// roleListener indicates a listener session. There is at most one per account, used for IDLE.
	roleListener
)

// Session is a logged-in IMAP connection guarded by its own mutex.
// Different sessions can be used concurrently, while access to one session is
// serialized.
type Session struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	role     sessionRole
	caps     models.Capabilities
}

func newSession(c *client.Client, role sessionRole) *Session {
	return &Session{
		client:   c,
		lastUsed: time.Now(),
		role:     role,
		caps:     DetectCapabilities(c),
	}
}

// Lock acquires exclusive use of the session.
func (s *Session) Lock() {
	s.mu.Lock()
}

// TryLock acquires the session only if it is free.
func (s *Session) TryLock() bool {
	return s.mu.TryLock()
}

// Unlock releases the session.
func (s *Session) Unlock() {
	s.mu.Unlock()
}

// Client returns the underlying go-imap client. The caller must hold the lock.
func (s *Session) Client() *client.Client {
	return s.client
}

// Capabilities returns what the server advertised when the session was opened.
func (s *Session) Capabilities() models.Capabilities {
	return s.caps
}

func (s *Session) touch() {
	s.lastUsed = time.Now()
}

// Connect opens a connection using the transport security in cfg.
// Plain connections require allowInsecure.
func Connect(cfg models.ServerConfig, allowInsecure bool) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	switch cfg.Security {
	case models.SecurityTLS:
		c, err := client.DialWithDialerTLS(dialer, cfg.Address(), tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	case models.SecurityStartTLS:
		c, err := client.DialWithDialer(dialer, cfg.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return c, nil
	case models.SecurityPlain:
		if !allowInsecure {
			return nil, ErrInsecureTransport
		}
		c, err := client.DialWithDialer(dialer, cfg.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown transport security %q", cfg.Security)
}

// Login authenticates with the IMAP server. A rejection by the server is
// reported as ErrAuthFailed; transport failures are returned unchanged.
func Login(c *client.Client, username, password string) error {
	err := c.Login(username, password)
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrAuthFailed, err)
}

// Dial connects and logs in.
func Dial(cfg models.ServerConfig, password string, allowInsecure bool) (*client.Client, error) {
	c, err := Connect(cfg, allowInsecure)
	if err != nil {
		return nil, err
	}

	if err := Login(c, cfg.Username, password); err != nil {
		_ = c.Logout()
		return nil, err
	}
	return c, nil
}
