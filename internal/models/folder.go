package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the persisted state of a folder's sync cursor.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncDone    SyncStatus = "done"
)

// ParseSyncStatus parses a persisted sync status.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncPending, SyncSyncing, SyncDone:
		return SyncStatus(s), nil
	default:
		return "", fmt.Errorf("unknown sync status %q", s)
	}
}

// FolderPhase is the in-memory phase of a single folder pass.
type FolderPhase int

const (
	PhasePending FolderPhase = iota
	PhaseSelecting
	PhaseFetching
	PhaseApplying
	PhaseDone
)

func (p FolderPhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseSelecting:
		return "selecting"
	case PhaseFetching:
		return "fetching"
	case PhaseApplying:
		return "applying"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// FolderState is the durable sync cursor of one folder.
type FolderState struct {
	AccountID   string     `json:"account_id"`
	FolderName  string     `json:"folder_name"`
	HighestUID  uint32     `json:"highest_uid"`
	LowestUID   uint32     `json:"lowest_uid"`
	UIDValidity uint32     `json:"uid_validity"`
	SyncStatus  SyncStatus `json:"sync_status"`
	SpecialUse  string     `json:"special_use,omitempty"`
	LastSync    *time.Time `json:"last_sync"`
}

// Folder is a remote folder as listed by the server.
type Folder struct {
	Name       string `json:"name"`
	SpecialUse string `json:"special_use,omitempty"`
}

var sentFolderNames = []string{"sent", "envoy", "gesendet", "enviados", "inviati"}

// IsSentFolder reports whether a folder looks like the sent folder, by
// special-use attribute or by one of the common localized names.
func IsSentFolder(name, specialUse string) bool {
	if strings.EqualFold(specialUse, `\Sent`) {
		return true
	}
	lower := strings.ToLower(name)
	for _, n := range sentFolderNames {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// IsInbox reports whether name is the INBOX, which IMAP treats case-insensitively.
func IsInbox(name string) bool {
	return strings.EqualFold(name, "INBOX")
}
