package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Environment:         "test",
		EncryptionKeyBase64: devEncryptionKey,
		Port:                "0",
		MetricsAddr:         "127.0.0.1:0",
		LogLevel:            "debug",
		SyncBatchSize:       200,
		HistoricalBatchSize: 200,
		MaxActionAttempts:   5,
		IMAPMaxWorkers:      2,
		AccountConcurrency:  1,
		IMAPInsecure:        true,
	}
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			t.Fatalf("failed to close response body: %v", err)
		}
	}(res.Body)

	if res.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.StatusCode)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType != "text/plain" {
		t.Errorf("expected Content-Type 'text/plain', got '%s'", contentType)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	expected := "mailsync API is running"
	if string(body) != expected {
		t.Errorf("expected body '%s', got '%s'", expected, string(body))
	}
}

func TestNewServer(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	a, err := newApp(getTestConfig(), pool, logging.NewTest(t))
	require.NoError(t, err)
	defer a.close()

	server := newServer(a)

	t.Run("root answers", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("api routes require an account", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/folders", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("an added account can read its folders", func(t *testing.T) {
		acc := &models.Account{
			Email: "me@example.com",
			IMAP:  models.ServerConfig{Host: "imap.example.com", Port: 993, Security: models.SecurityTLS, Username: "me"},
			SMTP:  models.ServerConfig{Host: "smtp.example.com", Port: 465, Security: models.SecurityTLS, Username: "me"},
		}
		require.NoError(t, addAccount(context.Background(), pool, a.encryptor, acc, "secret"))

		stored, err := db.GetAccount(context.Background(), pool, acc.ID)
		require.NoError(t, err)
		password, err := a.encryptor.Open(acc.ID, stored.EncryptedPassword)
		require.NoError(t, err)
		assert.Equal(t, "secret", password)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/folders", nil)
		req.Header.Set("X-Account-ID", acc.ID)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAccountOptionsBuild(t *testing.T) {
	base := accountOptions{
		email:        "me@example.com",
		imapHost:     "imap.example.com",
		imapPort:     993,
		imapSecurity: "tls",
		smtpHost:     "smtp.example.com",
		smtpPort:     587,
		smtpSecurity: "starttls",
	}

	t.Run("username defaults to the email", func(t *testing.T) {
		acc, err := base.build()
		require.NoError(t, err)
		assert.Equal(t, "me@example.com", acc.IMAP.Username)
		assert.Equal(t, "me@example.com", acc.SMTP.Username)
		assert.Equal(t, models.SecurityStartTLS, acc.SMTP.Security)
	})

	tests := []struct {
		name   string
		modify func(o *accountOptions)
	}{
		{"missing email", func(o *accountOptions) { o.email = "" }},
		{"email without domain", func(o *accountOptions) { o.email = "me" }},
		{"missing imap host", func(o *accountOptions) { o.imapHost = "" }},
		{"unknown security", func(o *accountOptions) { o.imapSecurity = "ssl3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.modify(&o)
			_, err := o.build()
			assert.Error(t, err)
		})
	}
}

func TestReadPassword(t *testing.T) {
	password, err := readPassword(strings.NewReader("hunter2\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	password, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", password)

	_, err = readPassword(strings.NewReader(""))
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.CreateFolder(t, "Archive")

	c, cleanup := server.Connect(t)
	defer cleanup()

	report, err := inspect(c)
	require.NoError(t, err)

	var names []string
	for _, f := range report.Folders {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "INBOX")
	assert.Contains(t, names, "Archive")
	assert.Equal(t, uint32(1), report.Inbox.Messages, "memory backend seeds one message")
	assert.NotZero(t, report.Inbox.UIDValidity)

	t.Run("nil client", func(t *testing.T) {
		_, err := inspect(nil)
		assert.Error(t, err)
	})
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "mailsync dev\n", out.String())
}

func TestSetupDevEnvironmentKeepsExistingValues(t *testing.T) {
	// t.Setenv restores every key the function touches.
	t.Setenv("MAILSYNC_SYNC_INTERVAL", "1h")
	t.Setenv("MAILSYNC_ENCRYPTION_KEY_BASE64", "")
	t.Setenv("MAILSYNC_DB_PASSWORD", "")
	t.Setenv("MAILSYNC_IMAP_INSECURE", "")

	require.NoError(t, setupDevEnvironment())

	assert.Equal(t, "1h", os.Getenv("MAILSYNC_SYNC_INTERVAL"))
	assert.Equal(t, devEncryptionKey, os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"))
	assert.Equal(t, "true", os.Getenv("MAILSYNC_IMAP_INSECURE"))
}
