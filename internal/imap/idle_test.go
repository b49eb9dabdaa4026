package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestIsNewMail(t *testing.T) {
	tests := []struct {
		name   string
		update imapclient.Update
		want   bool
	}{
		{"inbox with messages", &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 3}}, true},
		{"empty inbox", &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "INBOX"}}, false},
		{"other folder", &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "Sent", Messages: 1}}, false},
		{"nil mailbox", &imapclient.MailboxUpdate{}, false},
		{"expunge update", &imapclient.ExpungeUpdate{SeqNum: 1}, false},
		{"nil update", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewMail(tt.update))
		})
	}
}

func TestIdleListener_Listen(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := NewPool(1, true, logging.Discard())
	defer pool.Close()

	t.Run("returns ErrAuthFailed for a rejected credential", func(t *testing.T) {
		listener := NewIdleListener(pool, logging.NewTest(t))
		err := listener.Listen(context.Background(), "bad", server.Config(), "wrong", func(context.Context) {})
		assert.True(t, errors.Is(err, ErrAuthFailed))
	})

	t.Run("stops when the context is canceled", func(t *testing.T) {
		listener := NewIdleListener(pool, logging.NewTest(t))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- listener.Listen(ctx, "good", server.Config(), server.Password(), func(context.Context) {})
		}()

		time.Sleep(200 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Listen did not return after cancellation")
		}
	})
}
