// Package events carries engine notifications to the grouper and to
// connected WebSocket clients.
package events

import (
	"log/slog"
	"sync"

	"github.com/vdavid/mailsync/internal/logging"
)

// Type names an event on the wire.
type Type string

const (
	TypeSyncStatus           Type = "sync:status"
	TypeConversationsUpdated Type = "sync:conversations-updated"
	TypeOnboardingComplete   Type = "onboarding:complete"
	TypeAuthFailed           Type = "sync:auth-failed"
	TypeActionFailed         Type = "queue:action-failed"
	// TypeRebuildRequested is internal and never forwarded to clients.
	TypeRebuildRequested Type = "rebuild:requested"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type   `json:"type"`
	AccountID string `json:"account_id"`
	Phase     string `json:"phase,omitempty"`
	Message   string `json:"message,omitempty"`
	Count     int    `json:"count,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Public reports whether the event may be shown to clients.
func (e Event) Public() bool {
	return e.Type != TypeRebuildRequested
}

// SyncStatus reports a sync phase of an account.
func SyncStatus(accountID, phase, message string) Event {
	return Event{Type: TypeSyncStatus, AccountID: accountID, Phase: phase, Message: message}
}

// ConversationsUpdated announces a finished rebuild and its conversation count.
func ConversationsUpdated(accountID string, count int) Event {
	return Event{Type: TypeConversationsUpdated, AccountID: accountID, Count: count}
}

// OnboardingComplete announces that an account finished onboarding.
func OnboardingComplete(accountID string) Event {
	return Event{Type: TypeOnboardingComplete, AccountID: accountID}
}

// AuthFailed reports that the server rejected an account's credentials.
func AuthFailed(accountID string) Event {
	return Event{Type: TypeAuthFailed, AccountID: accountID}
}

// ActionFailed reports a queued action that ran out of attempts.
func ActionFailed(accountID, actionID string) Event {
	return Event{Type: TypeActionFailed, AccountID: accountID, ActionID: actionID}
}

// RebuildRequested asks the grouper to rebuild an account's conversations.
func RebuildRequested(accountID, reason string) Event {
	return Event{Type: TypeRebuildRequested, AccountID: accountID, Reason: reason}
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged. Coalesced
// subscribers never miss one.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *slog.Logger
}

type subscription struct {
	ch        chan Event
	coalesced *Coalesced
	types     map[Type]bool
}

func newTypeSet(types []Type) map[Type]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Coalesced holds at most one pending event per account and type. It never
// drops a request: a new event replaces the pending one of the same account
// and type.
type Coalesced struct {
	mu      sync.Mutex
	pending map[coalesceKey]Event
	order   []coalesceKey
	ready   chan struct{}
}

type coalesceKey struct {
	typ       Type
	accountID string
}

func (c *Coalesced) add(e Event) {
	key := coalesceKey{typ: e.Type, accountID: e.AccountID}

	c.mu.Lock()
	if _, ok := c.pending[key]; !ok {
		c.order = append(c.order, key)
	}
	c.pending[key] = e
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when events are waiting.
func (c *Coalesced) Ready() <-chan struct{} {
	return c.ready
}

// Drain returns the pending events in arrival order and empties the set.
func (c *Coalesced) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.pending[key])
	}
	c.pending = make(map[coalesceKey]Event)
	c.order = nil
	return out
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logging.WithOperation(logger, "events"),
	}
}

// Subscribe returns a channel receiving events of the given types, or of all
// types when none are given. The returned function unsubscribes and closes
// the channel.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, buffer), types: newTypeSet(types)}
	unsubscribe := b.add(sub)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			unsubscribe()
			close(sub.ch)
		})
	}
}

// SubscribeCoalesced is Subscribe for consumers that must not miss a
// request but only care about the latest one per account, such as rebuilds.
func (b *Bus) SubscribeCoalesced(types ...Type) (*Coalesced, func()) {
	c := &Coalesced{
		pending: make(map[coalesceKey]Event),
		ready:   make(chan struct{}, 1),
	}
	unsubscribe := b.add(&subscription{coalesced: c, types: newTypeSet(types)})

	var once sync.Once
	return c, func() { once.Do(unsubscribe) }
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		if sub.coalesced != nil {
			sub.coalesced.add(e)
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				slog.String(logging.KeyKind, string(e.Type)), logging.Account(e.AccountID))
		}
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(Event) {}
