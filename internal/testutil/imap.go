package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/mailsync/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer creates a new test IMAP server with an in-memory backend.
// The memory backend creates a default user with username "username" and password "password".
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	return s
}

// StartIMAPServer serves the in-memory backend on addr. It backs both tests
// and the dev command.
func StartIMAPServer(addr string) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		cleanup:  func() { _ = s.Close() },
		username: "username",
		password: "password",
	}, nil
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := s.Dial()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	return client, func() { _ = client.Logout() }
}

// Dial opens a logged-in client connection.
func (s *TestIMAPServer) Dial() (*imapclient.Client, error) {
	client, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, err
	}
	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		return nil, err
	}
	return client, nil
}

// Config returns a plain-text ServerConfig pointing at the test server.
func (s *TestIMAPServer) Config() models.ServerConfig {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return models.ServerConfig{
		Host:     host,
		Port:     port,
		Security: models.SecurityPlain,
		Username: s.username,
	}
}

// CreateFolder creates a folder for the default user.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	if err := s.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// Create creates a folder for the default user.
func (s *TestIMAPServer) Create(name string) error {
	client, err := s.Dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout() }()
	return client.Create(name)
}

// AddMessage adds a test message to the specified folder and returns its UID.
// The message is marked \Seen.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()
	return s.AddRawMessage(t, folderName, FormatMessage(messageID, subject, from, to, sentAt), imap.SeenFlag)
}

// FormatMessage renders a minimal plain-text RFC 5322 message.
func FormatMessage(messageID, subject, from, to string, sentAt time.Time) string {
	return fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)
}

// AddRawMessage appends a raw RFC 5322 message with the given flags and
// returns the UID the server assigned to it.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName, raw string, flags ...string) uint32 {
	t.Helper()

	uid, err := s.Append(folderName, raw, flags...)
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	return uid
}

// Append is AddRawMessage without a test handle.
func (s *TestIMAPServer) Append(folderName, raw string, flags ...string) (uint32, error) {
	client, err := s.Dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout() }()

	status, err := client.Select(folderName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	uid := status.UidNext
	if uid == 0 {
		uid = 1
	}

	if flags == nil {
		flags = []string{}
	}
	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		return 0, err
	}
	return uid, nil
}

// ExpungeMessage removes a message from a folder on the server.
func (s *TestIMAPServer) ExpungeMessage(t *testing.T, folderName string, uid uint32) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message deleted: %v", err)
	}
	if err := client.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// SetFlags replaces the flags of a message on the server.
func (s *TestIMAPServer) SetFlags(t *testing.T, folderName string, uid uint32, flags ...string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	item := imap.FormatFlagsOp(imap.SetFlags, true)
	if err := client.UidStore(seqSet, item, values, nil); err != nil {
		t.Fatalf("Failed to set flags: %v", err)
	}
}

// UIDs returns every UID in a folder.
func (s *TestIMAPServer) UIDs(t *testing.T, folderName string) []uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	uids, err := client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	return uids
}
