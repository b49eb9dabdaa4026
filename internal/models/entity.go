package models

import (
	"fmt"
	"time"
)

// TrustLevel classifies a correspondent. Levels are ordered; see Rank.
type TrustLevel string

const (
	TrustConnection TrustLevel = "connection"
	TrustContact    TrustLevel = "contact"
	TrustAlias      TrustLevel = "alias"
	TrustUser       TrustLevel = "user"
)

// ParseTrustLevel parses a persisted trust level.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustConnection, TrustContact, TrustAlias, TrustUser:
		return TrustLevel(s), nil
	default:
		return "", fmt.Errorf("unknown trust level %q", s)
	}
}

// Rank orders trust levels from weakest to strongest. Unknown levels rank 0.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustConnection:
		return 1
	case TrustContact:
		return 2
	case TrustAlias:
		return 3
	case TrustUser:
		return 4
	}
	return 0
}

// IsSelf reports whether the level identifies the account owner.
func (t TrustLevel) IsSelf() bool {
	return t == TrustUser || t == TrustAlias
}

// MaxTrust returns the stronger of two levels.
func MaxTrust(a, b TrustLevel) TrustLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EntitySource records how an entity was first learned.
type EntitySource string

const (
	SourceSelf     EntitySource = "self"
	SourceSentScan EntitySource = "sent_scan"
	SourceManual   EntitySource = "manual"
)

// ParseEntitySource parses a persisted entity source.
func ParseEntitySource(s string) (EntitySource, error) {
	switch EntitySource(s) {
	case SourceSelf, SourceSentScan, SourceManual:
		return EntitySource(s), nil
	default:
		return "", fmt.Errorf("unknown entity source %q", s)
	}
}

// Entity is a known correspondent keyed by normalized address.
type Entity struct {
	AccountID   string       `json:"account_id"`
	Email       string       `json:"email"`
	TrustLevel  TrustLevel   `json:"trust_level"`
	DisplayName *string      `json:"display_name"`
	Source      EntitySource `json:"source"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	SentCount   *int         `json:"sent_count"`
}

// LineGroup puts a sender domain under a named group for clustering.
type LineGroup struct {
	AccountID string `json:"account_id"`
	GroupID   string `json:"group_id"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
}
