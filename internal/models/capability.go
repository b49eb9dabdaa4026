package models

// ServerCapability is the resync strategy a server allows.
type ServerCapability int

const (
	// ResyncBare means neither CONDSTORE nor QRESYNC is available.
	ResyncBare ServerCapability = iota
	ResyncCondstore
	ResyncQresync
)

func (c ServerCapability) String() string {
	switch c {
	case ResyncQresync:
		return "qresync"
	case ResyncCondstore:
		return "condstore"
	case ResyncBare:
		return "bare"
	}
	return "unknown"
}

// Capabilities is what the capability detector learned about a session.
// A zero value means every optional feature is absent.
type Capabilities struct {
	Resync     ServerCapability `json:"resync"`
	Idle       bool             `json:"idle"`
	Move       bool             `json:"move"`
	UIDPlus    bool             `json:"uidplus"`
	SpecialUse bool             `json:"special_use"`
	Compress   bool             `json:"compress"`
	Sort       bool             `json:"sort"`
	Thread     bool             `json:"thread"`
	Raw        []string         `json:"raw,omitempty"`
}
