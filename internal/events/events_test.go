package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/logging"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(logging.NewTest(t))

	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()
	rebuilds, unsubRebuilds := bus.Subscribe(4, TypeRebuildRequested)
	defer unsubRebuilds()

	bus.Publish(ConversationsUpdated("acct", 3))
	bus.Publish(RebuildRequested("acct", "entity removed"))

	first := receive(t, all)
	assert.Equal(t, TypeConversationsUpdated, first.Type)
	assert.Equal(t, 3, first.Count)
	assert.Equal(t, TypeRebuildRequested, receive(t, all).Type)

	got := receive(t, rebuilds)
	assert.Equal(t, "entity removed", got.Reason)
	select {
	case e := <-rebuilds:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(logging.Discard())
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	bus.Publish(AuthFailed("a"))
	bus.Publish(AuthFailed("b"))

	assert.Equal(t, "a", receive(t, ch).AccountID)
	assert.Len(t, ch, 0)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logging.Discard())
	ch, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(OnboardingComplete("acct"))
}

func TestEventConstructors(t *testing.T) {
	e := ActionFailed("acct", "action-1")
	assert.Equal(t, TypeActionFailed, e.Type)
	assert.Equal(t, "action-1", e.ActionID)
	assert.True(t, e.Public())

	s := SyncStatus("acct", "historical", "fetching")
	assert.Equal(t, "historical", s.Phase)
	require.False(t, RebuildRequested("acct", "x").Public())
}

func TestBus_CoalescedNeverDrops(t *testing.T) {
	bus := NewBus(logging.Discard())
	requests, unsubscribe := bus.SubscribeCoalesced(TypeRebuildRequested)
	defer unsubscribe()

	for i := 0; i < 500; i++ {
		bus.Publish(RebuildRequested("a", "new mail"))
		bus.Publish(RebuildRequested("b", "new mail"))
	}
	bus.Publish(RebuildRequested("a", "entity removed"))
	bus.Publish(AuthFailed("c"))

	select {
	case <-requests.Ready():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	got := requests.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].AccountID)
	assert.Equal(t, "entity removed", got[0].Reason, "latest request wins")
	assert.Equal(t, "b", got[1].AccountID)
	assert.Empty(t, requests.Drain())

	unsubscribe()
	bus.Publish(RebuildRequested("a", "late"))
	assert.Empty(t, requests.Drain())
}
