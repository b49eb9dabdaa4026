package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.MessagesApplied("INBOX", "", 3)
	m.MessagesApplied("Sent Items", "", 2)
	m.MessagesApplied("Archive", "", 0)
	m.SyncError("transient")
	m.Action(models.ActionMove, "done")
	m.Action(models.ActionMove, "done")
	m.SetConversations(7)
	m.ObservePass("incremental", time.Now())

	assert.Equal(t, 3.0, promtestutil.ToFloat64(m.messagesApplied.WithLabelValues("inbox")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.messagesApplied.WithLabelValues("sent")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.syncErrors.WithLabelValues("transient")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.actions.WithLabelValues("move", "done")))
	assert.Equal(t, 7.0, promtestutil.ToFloat64(m.conversations))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MessagesApplied("INBOX", "", 1)
	m.SyncError("auth")
	m.Action(models.ActionSend, "failed")
	m.SetConversations(1)
	m.ObservePass("flags", time.Now())
	assert.Nil(t, m.Registry())
}

func TestFolderKind(t *testing.T) {
	assert.Equal(t, "inbox", FolderKind("inbox", ""))
	assert.Equal(t, "sent", FolderKind("Gesendet", ""))
	assert.Equal(t, "sent", FolderKind("Outgoing", `\Sent`))
	assert.Equal(t, "trash", FolderKind("Bin", `\Trash`))
	assert.Equal(t, "other", FolderKind("Projects", ""))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetConversations(4)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mailsync_conversations 4")
}
