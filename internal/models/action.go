package models

import (
	"fmt"
	"time"
)

// ActionType is the kind of locally requested mutation.
type ActionType string

const (
	ActionAddFlags    ActionType = "add_flags"
	ActionRemoveFlags ActionType = "remove_flags"
	ActionDelete      ActionType = "delete"
	ActionMove        ActionType = "move"
	ActionCopy        ActionType = "copy"
	ActionSend        ActionType = "send"
	ActionSave        ActionType = "save"
)

// ParseActionType parses a persisted action type.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionAddFlags, ActionRemoveFlags, ActionDelete, ActionMove, ActionCopy, ActionSend, ActionSave:
		return ActionType(s), nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// TargetsMessage reports whether actions of this type act on an existing cached message.
func (t ActionType) TargetsMessage() bool {
	switch t {
	case ActionAddFlags, ActionRemoveFlags, ActionDelete, ActionMove, ActionCopy:
		return true
	case ActionSend, ActionSave:
		return false
	}
	return false
}

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionInFlight ActionStatus = "in_flight"
	ActionDone     ActionStatus = "done"
	ActionFailed   ActionStatus = "failed"
)

// ParseActionStatus parses a persisted action status.
func ParseActionStatus(s string) (ActionStatus, error) {
	switch ActionStatus(s) {
	case ActionPending, ActionInFlight, ActionDone, ActionFailed:
		return ActionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown action status %q", s)
	}
}

// ActionPayload carries the type-specific arguments of an action. Only the
// fields relevant to the action type are set.
type ActionPayload struct {
	Flags       []string `json:"flags,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Raw         []byte   `json:"raw,omitempty"`
	SaveToSent  bool     `json:"save_to_sent,omitempty"`
	Folder      string   `json:"folder,omitempty"`
}

// QueuedAction is a durable, not yet applied local mutation.
type QueuedAction struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	Type          ActionType    `json:"action_type"`
	Folder        string        `json:"folder,omitempty"`
	UID           uint32        `json:"uid,omitempty"`
	Payload       ActionPayload `json:"payload"`
	Status        ActionStatus  `json:"status"`
	AttemptCount  int           `json:"attempt_count"`
	MaxAttempts   int           `json:"max_attempts"`
	// RetryCount counts every retry, including transient ones that do not
	// use up attempts. It sets the backoff delay.
	RetryCount    int           `json:"retry_count"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks that the action carries what its type needs.
func (a *QueuedAction) Validate() error {
	if _, err := ParseActionType(string(a.Type)); err != nil {
		return err
	}
	if a.Type.TargetsMessage() && (a.Folder == "" || a.UID == 0) {
		return fmt.Errorf("%s action requires folder and uid", a.Type)
	}
	switch a.Type {
	case ActionAddFlags, ActionRemoveFlags:
		if len(a.Payload.Flags) == 0 {
			return fmt.Errorf("%s action requires flags", a.Type)
		}
	case ActionMove, ActionCopy:
		if a.Payload.Destination == "" {
			return fmt.Errorf("%s action requires a destination", a.Type)
		}
	case ActionSend:
		if len(a.Payload.Raw) == 0 {
			return fmt.Errorf("send action requires a raw message")
		}
	case ActionSave:
		if len(a.Payload.Raw) == 0 || a.Payload.Folder == "" {
			return fmt.Errorf("save action requires a folder and a raw message")
		}
	case ActionDelete:
	}
	return nil
}
