package syncengine

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/classifier"
	"github.com/vdavid/mailsync/internal/conversation"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/testutil"
)

const selfAddress = "username@example.com"

type fixture struct {
	pool     *pgxpool.Pool
	imap     *testutil.TestIMAPServer
	acc      *models.Account
	password string
	bus      *events.Bus
	engine   *Engine
}

// testPolicy keeps session retries short.
var testPolicy = retry.Policy{
	InitialInterval: 10 * time.Millisecond,
	Multiplier:      2,
	MaxInterval:     50 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		pool: testutil.NewTestDB(t),
		imap: testutil.NewTestIMAPServer(t),
	}
	t.Cleanup(f.pool.Close)
	t.Cleanup(f.imap.Close)
	f.password = f.imap.Password()

	f.acc = &models.Account{
		Email:             selfAddress,
		DisplayName:       "Me",
		IMAP:              f.imap.Config(),
		SMTP:              f.imap.Config(),
		EncryptedPassword: []byte("placeholder"),
	}
	require.NoError(t, db.CreateAccount(ctx, f.pool, f.acc))

	encryptor := testutil.NewTestEncryptor(t)
	require.NoError(t, db.UpdateAccountPassword(ctx, f.pool, f.acc.ID, testutil.SealPassword(t, f.acc.ID, f.password)))

	imapPool := imap.NewPool(2, true, logging.Discard())
	t.Cleanup(imapPool.Close)

	logger := logging.NewTest(t)
	f.bus = events.NewBus(logger)
	m := metrics.New()
	cfg.Policy = testPolicy
	f.engine = New(f.pool, imapPool, encryptor, classifier.New(f.pool, nil, logger),
		conversation.NewGrouper(f.pool, f.bus, m, logger), f.bus, m, cfg, logger)
	return f
}

// onboard syncs the account until every onboarding task is done.
func (f *fixture) onboard(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for range 10 {
		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))
		complete, err := db.OnboardingComplete(ctx, f.pool, f.acc.ID)
		require.NoError(t, err)
		if complete {
			return
		}
	}
	t.Fatal("onboarding did not complete")
}

func (f *fixture) addMessage(t *testing.T, folder string, n int, from, to string) uint32 {
	t.Helper()
	return f.imap.AddMessage(t, folder, fmt.Sprintf("<m%d.%s@example.com>", n, folder),
		fmt.Sprintf("Message %d", n), from, to, time.Date(2025, 3, 1, 9, n, 0, 0, time.UTC))
}

func (f *fixture) folderState(t *testing.T, folder string) *models.FolderState {
	t.Helper()
	fs, err := db.GetFolderState(context.Background(), f.pool, f.acc.ID, folder)
	require.NoError(t, err)
	return fs
}

func (f *fixture) cachedUIDs(t *testing.T, folder string) []uint32 {
	t.Helper()
	uids, err := db.ListCachedUIDs(context.Background(), f.pool, f.acc.ID, folder)
	require.NoError(t, err)
	return uids
}

func (f *fixture) reload(t *testing.T) *models.Account {
	t.Helper()
	acc, err := db.GetAccount(context.Background(), f.pool, f.acc.ID)
	require.NoError(t, err)
	return acc
}

func TestIncrementalSync(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.onboard(t)

	before := f.folderState(t, "INBOX")
	require.NotZero(t, before.HighestUID)

	t.Run("no new messages leaves the watermark alone", func(t *testing.T) {
		n, err := f.engine.IncrementalSync(ctx, f.acc, f.password)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, before.HighestUID, f.folderState(t, "INBOX").HighestUID)
	})

	t.Run("three new messages advance highest uid by three", func(t *testing.T) {
		for i := range 3 {
			f.addMessage(t, "INBOX", i, "friend@example.org", selfAddress)
		}

		n, err := f.engine.IncrementalSync(ctx, f.acc, f.password)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		after := f.folderState(t, "INBOX")
		assert.Equal(t, before.HighestUID+3, after.HighestUID)
		uids := f.cachedUIDs(t, "INBOX")
		assert.Equal(t, after.HighestUID, slices.Max(uids), "watermark equals the highest applied uid")
	})

	t.Run("small batches reach the same watermark", func(t *testing.T) {
		f.engine.cfg.SyncBatchSize = 1
		defer func() { f.engine.cfg.SyncBatchSize = 200 }()

		start := f.folderState(t, "INBOX").HighestUID
		for i := 3; i < 5; i++ {
			f.addMessage(t, "INBOX", i, "friend@example.org", selfAddress)
		}
		n, err := f.engine.IncrementalSync(ctx, f.acc, f.password)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, start+2, f.folderState(t, "INBOX").HighestUID)
	})
}

func TestIncrementalSyncMalformedContent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.onboard(t)

	f.addMessage(t, "INBOX", 1, "friend@example.org", selfAddress)
	f.imap.AddRawMessage(t, "INBOX", "Message-ID: <nul@example.com>\r\n"+
		"Date: Sat, 01 Mar 2025 09:02:00 +0000\r\n"+
		"From: friend@example.org\r\n"+
		"To: "+selfAddress+"\r\n"+
		"Subject: bad\x00bytes \xff\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n\r\n"+
		"null\x00inside \xfe\r\n")
	f.addMessage(t, "INBOX", 3, "friend@example.org", selfAddress)

	n, err := f.engine.IncrementalSync(ctx, f.acc, f.password)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one malformed message does not fail its batch")

	msgs, err := db.ListAllMessages(ctx, f.pool, f.acc.ID)
	require.NoError(t, err)
	var found bool
	for _, m := range msgs {
		if m.MessageID == "nul@example.com" {
			found = true
			require.NotNil(t, m.BodyText)
			assert.NotContains(t, *m.BodyText, "\x00")
		}
	}
	assert.True(t, found)
}

func TestHistoricalFetch(t *testing.T) {
	f := newFixture(t, Config{HistoricalBatchSize: 2})
	ctx := context.Background()

	// INBOX starts with one message of its own.
	for i := range 4 {
		f.addMessage(t, "INBOX", i, "friend@example.org", selfAddress)
	}
	_, err := f.engine.SyncFolders(ctx, f.acc, f.password)
	require.NoError(t, err)

	var lowest []uint32
	for range 10 {
		done, _, err := f.engine.HistoricalFetch(ctx, f.acc, f.password)
		require.NoError(t, err)
		if done {
			break
		}
		fs := f.folderState(t, "INBOX")
		if fs.SyncStatus != models.SyncDone {
			assert.Equal(t, models.SyncPending, fs.SyncStatus)
			lowest = append(lowest, fs.LowestUID)
		}
	}

	fs := f.folderState(t, "INBOX")
	assert.Equal(t, models.SyncDone, fs.SyncStatus)
	assert.NotNil(t, fs.LastSync)
	assert.NotZero(t, fs.UIDValidity)

	uids := f.cachedUIDs(t, "INBOX")
	assert.Len(t, uids, 5)
	assert.Equal(t, slices.Min(uids), fs.LowestUID)
	assert.Equal(t, slices.Max(uids), fs.HighestUID)
	assert.True(t, slices.IsSortedFunc(lowest, func(a, b uint32) int { return int(b) - int(a) }),
		"lowest uid only moves down: %v", lowest)
}

func TestOnboarding(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.imap.CreateFolder(t, "Sent")
	f.addMessage(t, "Sent", 1, selfAddress, "Friend <friend@example.org>")
	f.addMessage(t, "INBOX", 2, "friend@example.org", selfAddress)

	completed, unsubscribe := f.bus.Subscribe(8, events.TypeOnboardingComplete)
	defer unsubscribe()

	f.onboard(t)

	select {
	case e := <-completed:
		assert.Equal(t, f.acc.ID, e.AccountID)
	case <-time.After(time.Second):
		t.Fatal("expected onboarding:complete")
	}

	friend, err := db.GetEntity(ctx, f.pool, f.acc.ID, "friend@example.org")
	require.NoError(t, err)
	assert.Equal(t, models.TrustConnection, friend.TrustLevel)

	convs, err := db.ListConversations(ctx, f.pool, f.acc.ID, "", 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, convs)

	for _, folder := range []string{"INBOX", "Sent"} {
		assert.Equal(t, models.SyncDone, f.folderState(t, folder).SyncStatus, folder)
	}

	t.Run("rerunning adds no entities and changes no trust", func(t *testing.T) {
		before, err := db.ListEntities(ctx, f.pool, f.acc.ID)
		require.NoError(t, err)

		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))
		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))

		after, err := db.ListEntities(ctx, f.pool, f.acc.ID)
		require.NoError(t, err)
		require.Len(t, after, len(before))
		for i := range before {
			assert.Equal(t, before[i].Email, after[i].Email)
			assert.Equal(t, before[i].TrustLevel, after[i].TrustLevel)
		}

		select {
		case <-completed:
			t.Fatal("onboarding:complete must be emitted once")
		default:
		}
	})
}

func TestFlagResync(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	flagged := f.addMessage(t, "INBOX", 1, "friend@example.org", selfAddress)
	expunged := f.addMessage(t, "INBOX", 2, "friend@example.org", selfAddress)
	f.onboard(t)
	require.Contains(t, f.cachedUIDs(t, "INBOX"), expunged)

	f.imap.SetFlags(t, "INBOX", flagged, goimap.SeenFlag, goimap.FlaggedFlag)
	f.imap.ExpungeMessage(t, "INBOX", expunged)

	rebuilds, unsubscribe := f.bus.Subscribe(8, events.TypeRebuildRequested)
	defer unsubscribe()

	changed, err := f.engine.FlagResync(ctx, f.acc, f.password)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	msg, err := db.GetMessageByUID(ctx, f.pool, f.acc.ID, "INBOX", flagged)
	require.NoError(t, err)
	assert.Contains(t, msg.Flags, goimap.FlaggedFlag)
	assert.NotContains(t, f.cachedUIDs(t, "INBOX"), expunged)

	select {
	case e := <-rebuilds:
		assert.Equal(t, "flags", e.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a rebuild request")
	}

	changed, err = f.engine.FlagResync(ctx, f.acc, f.password)
	require.NoError(t, err)
	assert.Zero(t, changed, "second resync finds nothing to do")
}

func TestUIDValidityChangeResetsFolder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addMessage(t, "INBOX", 1, "friend@example.org", selfAddress)
	f.onboard(t)
	require.NotEmpty(t, f.cachedUIDs(t, "INBOX"))

	stored := f.folderState(t, "INBOX").UIDValidity
	require.NoError(t, db.SetUIDValidity(ctx, f.pool, f.acc.ID, "INBOX", stored+1))

	_, err := f.engine.IncrementalSync(ctx, f.acc, f.password)
	require.NoError(t, err, "the folder error is handled by resetting the folder")

	fs := f.folderState(t, "INBOX")
	assert.Equal(t, models.SyncPending, fs.SyncStatus)
	assert.Zero(t, fs.HighestUID)
	assert.Zero(t, fs.LowestUID)
	assert.Equal(t, stored, fs.UIDValidity)
	assert.Empty(t, f.cachedUIDs(t, "INBOX"))

	t.Run("the next sync refills the folder", func(t *testing.T) {
		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))

		fs := f.folderState(t, "INBOX")
		assert.Equal(t, models.SyncDone, fs.SyncStatus)
		assert.Len(t, f.cachedUIDs(t, "INBOX"), 2)
		assert.Equal(t, slices.Max(f.cachedUIDs(t, "INBOX")), fs.HighestUID)
	})
}

func TestFoldersAfterOnboarding(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.imap.CreateFolder(t, "Archive")
	f.onboard(t)

	archive := f.folderState(t, "Archive")
	require.Equal(t, models.SyncDone, archive.SyncStatus)
	require.Zero(t, archive.HighestUID)

	t.Run("mail arriving in a folder that was empty", func(t *testing.T) {
		uid := f.addMessage(t, "Archive", 1, "friend@example.org", selfAddress)

		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))

		assert.Equal(t, []uint32{uid}, f.cachedUIDs(t, "Archive"))
		assert.Equal(t, uid, f.folderState(t, "Archive").HighestUID)
	})

	t.Run("a folder created after onboarding", func(t *testing.T) {
		f.imap.CreateFolder(t, "Projects")
		first := f.addMessage(t, "Projects", 2, "friend@example.org", selfAddress)
		second := f.addMessage(t, "Projects", 3, "friend@example.org", selfAddress)

		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))

		fs := f.folderState(t, "Projects")
		assert.Equal(t, models.SyncDone, fs.SyncStatus)
		assert.Equal(t, []uint32{first, second}, f.cachedUIDs(t, "Projects"))
		assert.Equal(t, second, fs.HighestUID)

		third := f.addMessage(t, "Projects", 4, "friend@example.org", selfAddress)
		require.NoError(t, f.engine.SyncAccount(ctx, f.acc.ID))
		assert.Contains(t, f.cachedUIDs(t, "Projects"), third)
	})
}

func TestAuthFailureStopsAccount(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, db.UpdateAccountPassword(ctx, f.pool, f.acc.ID, testutil.SealPassword(t, f.acc.ID, "wrong-password")))

	failures, unsubscribe := f.bus.Subscribe(4, events.TypeAuthFailed)
	defer unsubscribe()

	err := f.engine.SyncAccount(ctx, f.acc.ID)
	require.Error(t, err)
	assert.Equal(t, retry.Auth, retry.Classify(err))
	assert.NotNil(t, f.reload(t).AuthFailedAt)

	select {
	case e := <-failures:
		assert.Equal(t, f.acc.ID, e.AccountID)
	case <-time.After(time.Second):
		t.Fatal("expected sync:auth-failed")
	}

	assert.ErrorIs(t, f.engine.SyncAccount(ctx, f.acc.ID), ErrAccountStopped)
	require.NoError(t, f.engine.Tick(ctx), "stopped accounts are not ticked")
}

func TestSyncAccountSkipsBusyAccount(t *testing.T) {
	f := newFixture(t, Config{})

	unlock, ok := f.engine.tryLock(f.acc.ID)
	require.True(t, ok)
	assert.ErrorIs(t, f.engine.SyncAccount(context.Background(), f.acc.ID), ErrAccountBusy)
	unlock()

	require.NoError(t, f.engine.SyncAccount(context.Background(), f.acc.ID))
}

func TestProcessChanges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addMessage(t, "INBOX", 1, "friend@example.org", selfAddress)
	f.onboard(t)

	updates, unsubscribe := f.bus.Subscribe(4, events.TypeConversationsUpdated)
	defer unsubscribe()

	require.NoError(t, f.engine.ProcessChanges(ctx, f.acc.ID))

	select {
	case e := <-updates:
		assert.Positive(t, e.Count)
	case <-time.After(time.Second):
		t.Fatal("expected sync:conversations-updated")
	}

	pending, err := db.ListUnprocessedMessages(ctx, f.pool, f.acc.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "classification consumed every message")
}

func TestSameFlags(t *testing.T) {
	assert.True(t, sameFlags([]string{`\Seen`, `\Flagged`}, []string{`\flagged`, `\Seen`}))
	assert.False(t, sameFlags([]string{`\Seen`}, []string{`\Seen`, `\Flagged`}))
	assert.True(t, sameFlags(nil, []string{}))
}
