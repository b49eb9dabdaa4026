package models

import (
	"fmt"
	"slices"
	"time"
)

// Standard IMAP system flags used by the engine.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDeleted = `\Deleted`
)

// Classification is the label the classifier assigns to a message.
type Classification string

const (
	ClassChat          Classification = "chat"
	ClassNewsletter    Classification = "newsletter"
	ClassAutomated     Classification = "automated"
	ClassTransactional Classification = "transactional"
	ClassUnknown       Classification = "unknown"
)

// ParseClassification parses a persisted classification.
func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassChat, ClassNewsletter, ClassAutomated, ClassTransactional, ClassUnknown:
		return Classification(s), nil
	default:
		return "", fmt.Errorf("unknown classification %q", s)
	}
}

// Message is the cached mirror of one remote message.
type Message struct {
	ID              int64           `json:"id"`
	AccountID       string          `json:"account_id"`
	Folder          string          `json:"folder"`
	UID             uint32          `json:"uid"`
	MessageID       string          `json:"message_id"`
	InReplyTo       string          `json:"in_reply_to,omitempty"`
	References      []string        `json:"references,omitempty"`
	Date            *time.Time      `json:"date"`
	FromAddress     string          `json:"from_address"`
	FromName        string          `json:"from_name"`
	To              []string        `json:"to"`
	Cc              []string        `json:"cc"`
	Bcc             []string        `json:"bcc,omitempty"`
	Subject         string          `json:"subject"`
	BodyText        *string         `json:"body_text,omitempty"`
	BodyHTML        *string         `json:"body_html,omitempty"`
	Snippet         string          `json:"snippet"`
	ListID          string          `json:"-"`
	ListUnsubscribe string          `json:"-"`
	AutoSubmitted   string          `json:"-"`
	Precedence      string          `json:"-"`
	Flags           []string        `json:"flags"`
	Classification  *Classification `json:"classification"`
	ProcessedAt     *time.Time      `json:"processed_at"`
	ParticipantKey  string          `json:"participant_key,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	ThreadID        string          `json:"thread_id,omitempty"`
}

// HasFlag reports whether the message carries flag.
func (m *Message) HasFlag(flag string) bool {
	return slices.Contains(m.Flags, flag)
}

// IsRead reports whether the message is seen.
func (m *Message) IsRead() bool {
	return m.HasFlag(FlagSeen)
}
