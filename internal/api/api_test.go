package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/actionqueue"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/conversation"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

type apiFixture struct {
	pool      *pgxpool.Pool
	accountID string
	bus       *events.Bus
	hub       *events.Hub
	router    http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	acc := &models.Account{
		Email:             "me@example.com",
		IMAP:              models.ServerConfig{Host: "imap.example.com", Port: 993, Security: models.SecurityTLS, Username: "me"},
		SMTP:              models.ServerConfig{Host: "smtp.example.com", Port: 465, Security: models.SecurityTLS, Username: "me"},
		EncryptedPassword: []byte("sealed"),
	}
	require.NoError(t, db.CreateAccount(ctx, pool, acc))

	logger := logging.NewTest(t)
	f := &apiFixture{
		pool:      pool,
		accountID: acc.ID,
		bus:       events.NewBus(logger),
		hub:       events.NewHub(2, logger),
	}
	f.router = NewRouter(Deps{
		Pool:   pool,
		Queue:  actionqueue.NewQueue(pool, 3, logger),
		Bus:    f.bus,
		Hub:    f.hub,
		Logger: logger,
	})
	return f
}

// seedConversations caches two messages from different senders and builds
// the conversation view.
func (f *apiFixture) seedConversations(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	d1 := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	d2 := d1.Add(time.Hour)
	require.NoError(t, db.ApplyMessages(ctx, f.pool, f.accountID, "INBOX", []*models.Message{
		{UID: 1, MessageID: "a@x", Date: &d1, FromAddress: "bob@example.org", To: []string{"me@example.com"}, Flags: []string{}},
		{UID: 2, MessageID: "b@x", Date: &d2, FromAddress: "digest@news.example", To: []string{"me@example.com"}, Flags: []string{}},
	}))
	msgs, err := db.ListAllMessages(ctx, f.pool, f.accountID)
	require.NoError(t, err)
	require.NoError(t, db.MarkProcessed(ctx, f.pool, f.accountID, msgs[0].ID, models.ClassChat))
	require.NoError(t, db.MarkProcessed(ctx, f.pool, f.accountID, msgs[1].ID, models.ClassNewsletter))
	require.NoError(t, db.GroupDomains(ctx, f.pool, f.accountID, "reading", "Reading", []string{"news.example"}))

	_, err = conversation.NewGrouper(f.pool, nil, nil, logging.Discard()).Rebuild(ctx, f.accountID)
	require.NoError(t, err)
}

func (f *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(auth.AccountHeader, f.accountID)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestRouterRequiresAccount(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("missing account header", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/folders", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown account", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/folders", nil)
		req.Header.Set(auth.AccountHeader, "00000000-0000-0000-0000-000000000000")
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestFoldersHandler_GetFolders(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	t.Run("returns empty list when nothing is synced", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/folders", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[[]models.FolderState](t, rr))
	})

	t.Run("sorts by role then name", func(t *testing.T) {
		require.NoError(t, db.UpsertFolders(ctx, f.pool, f.accountID, []models.Folder{
			{Name: "Zeta"},
			{Name: "Archive", SpecialUse: `\Archive`},
			{Name: "Alpha"},
			{Name: "Sent Items", SpecialUse: `\Sent`},
			{Name: "INBOX"},
		}))

		rr := f.do(t, "GET", "/api/v1/folders", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var names []string
		for _, fs := range decode[[]models.FolderState](t, rr) {
			names = append(names, fs.FolderName)
		}
		assert.Equal(t, []string{"INBOX", "Sent Items", "Archive", "Alpha", "Zeta"}, names)
	})
}

func TestConversationsHandler(t *testing.T) {
	f := newAPIFixture(t)
	f.seedConversations(t)

	t.Run("lists conversations with pagination", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/conversations?limit=1&page=2", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := decode[ConversationsResponse](t, rr)
		assert.Equal(t, PaginationInfo{TotalCount: 2, Page: 2, PerPage: 1}, resp.Pagination)
		require.Len(t, resp.Conversations, 1)
		assert.Equal(t, "bob@example.org", resp.Conversations[0].ParticipantKey, "second page holds the older one")
	})

	t.Run("filters by category", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/conversations?category=connections", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[ConversationsResponse](t, rr)
		assert.Empty(t, resp.Conversations)
		assert.Zero(t, resp.Pagination.TotalCount)
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/conversations?category=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("lists clusters and their messages", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/clusters", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		clusters := decode[[]models.Cluster](t, rr)
		require.Len(t, clusters, 1)
		assert.Equal(t, "Reading", clusters[0].Name)

		rr = f.do(t, "GET", "/api/v1/clusters/"+clusters[0].ID+"/messages", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		msgs := decode[[]models.Message](t, rr)
		require.Len(t, msgs, 1)
		assert.Equal(t, "digest@news.example", msgs[0].FromAddress)
	})

	t.Run("returns thread messages", func(t *testing.T) {
		all, err := db.ListAllMessages(context.Background(), f.pool, f.accountID)
		require.NoError(t, err)
		require.NotEmpty(t, all[0].ThreadID)

		rr := f.do(t, "GET", "/api/v1/threads/"+all[0].ThreadID+"/messages", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]models.Message](t, rr), 1)
	})

	t.Run("returns 404 for an unknown thread", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/threads/nope/messages", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestActionsHandler(t *testing.T) {
	f := newAPIFixture(t)

	var id string
	t.Run("enqueue answers 202 with the id", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/actions", models.QueuedAction{
			Type:    models.ActionAddFlags,
			Folder:  "INBOX",
			UID:     7,
			Payload: models.ActionPayload{Flags: []string{models.FlagSeen}},
		})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		id = decode[EnqueueResponse](t, rr).ID
		assert.NotEmpty(t, id)
	})

	t.Run("rejects invalid actions", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/actions", models.QueuedAction{Type: models.ActionMove, Folder: "INBOX", UID: 7})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = f.do(t, "POST", "/api/v1/actions", map[string]any{"action_type": "archive", "folder": "INBOX", "uid": 7})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("lists by status", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/actions?status=pending", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		actions := decode[[]models.QueuedAction](t, rr)
		require.Len(t, actions, 1)
		assert.Equal(t, id, actions[0].ID)

		rr = f.do(t, "GET", "/api/v1/actions?status=failed", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[[]models.QueuedAction](t, rr))

		rr = f.do(t, "GET", "/api/v1/actions?status=whatever", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("gets one action", func(t *testing.T) {
		rr := f.do(t, "GET", "/api/v1/actions/"+id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, models.ActionAddFlags, decode[models.QueuedAction](t, rr).Type)
	})

	t.Run("retry of a pending action is not found", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/actions/"+id+"/retry", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestTrustHandler(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rebuilds, unsubscribe := f.bus.Subscribe(16, events.TypeRebuildRequested)
	defer unsubscribe()
	expectRebuild := func(t *testing.T, reason string) {
		t.Helper()
		select {
		case e := <-rebuilds:
			assert.Equal(t, f.accountID, e.AccountID)
			assert.Equal(t, reason, e.Reason)
		case <-time.After(time.Second):
			t.Fatal("expected a rebuild request")
		}
	}

	t.Run("creates and deletes a line group", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/line-groups", LineGroupRequest{Name: "Shops", Domains: []string{"Shop.example", "store.example"}})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		groupID := decode[LineGroupResponse](t, rr).GroupID
		expectRebuild(t, "line_group")

		groups, err := db.ListLineGroups(ctx, f.pool, f.accountID)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, "shop.example", groups[0].Domain)

		rr = f.do(t, "DELETE", "/api/v1/line-groups/"+groupID, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		expectRebuild(t, "line_group")

		rr = f.do(t, "DELETE", "/api/v1/line-groups/"+groupID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("line group needs domains", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/line-groups", LineGroupRequest{Name: "Empty"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("adds a manual contact", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/entities", EntityRequest{Email: " Carol+news@Example.org ", DisplayName: "Carol"})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		e := decode[models.Entity](t, rr)
		assert.Equal(t, "carol@example.org", e.Email)
		assert.Equal(t, models.TrustContact, e.TrustLevel)
		assert.Equal(t, models.SourceManual, e.Source)
		expectRebuild(t, "entity")

		rr = f.do(t, "GET", "/api/v1/entities", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]models.Entity](t, rr), 1)
	})

	t.Run("rejects an address without a domain", func(t *testing.T) {
		rr := f.do(t, "POST", "/api/v1/entities", EntityRequest{Email: "carol"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("deletes a contact", func(t *testing.T) {
		rr := f.do(t, "DELETE", "/api/v1/entities/carol@example.org", nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		expectRebuild(t, "entity")

		rr = f.do(t, "DELETE", "/api/v1/entities/carol@example.org", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("refuses to delete the account owner", func(t *testing.T) {
		now := time.Now().UTC()
		require.NoError(t, db.UpsertEntity(ctx, f.pool, &models.Entity{
			AccountID: f.accountID, Email: "me@example.com", TrustLevel: models.TrustUser,
			Source: models.SourceSelf, FirstSeen: now, LastSeen: now,
		}))

		rr := f.do(t, "DELETE", "/api/v1/entities/me@example.com", nil)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestWebSocketHandler(t *testing.T) {
	f := newAPIFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws?account_id=" + f.accountID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return f.hub.ActiveConnections(f.accountID) == 1 },
		time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Forward(ctx, f.bus)

	// Forward subscribes asynchronously; publish until the event arrives.
	received := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			received <- e
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-received:
			assert.Equal(t, events.TypeConversationsUpdated, e.Type)
			assert.Equal(t, f.accountID, e.AccountID)
			_ = conn.Close()
			require.Eventually(t, func() bool { return f.hub.ActiveConnections(f.accountID) == 0 },
				time.Second, 10*time.Millisecond, "closed sockets are unregistered")
			return
		case <-tick.C:
			f.bus.Publish(events.ConversationsUpdated(f.accountID, 3))
		case <-deadline:
			t.Fatal("expected an event on the socket")
		}
	}
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query     string
		wantPage  int
		wantLimit int
	}{
		{"", 1, 50},
		{"?page=3&limit=20", 3, 20},
		{"?page=0&limit=-1", 1, 50},
		{"?page=x&limit=y", 1, 50},
		{"?limit=100000", 1, 500},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			page, limit := ParsePaginationParams(httptest.NewRequest("GET", "/x"+tt.query, nil), 50, 500)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}
