// Package trust builds and maintains the account's trust graph: the owner,
// their aliases and every correspondent the owner has written to.
package trust

import "strings"

// NormalizeEmail returns the canonical form of an address used as the entity
// key. The result is lowercased and trimmed, any +tag is removed from the
// local part, and for Gmail domains the dots in the local part are dropped.
// Input without an @ is only lowercased and trimmed.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	local, domain := s[:at], s[at+1:]

	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	if domain == "gmail.com" || domain == "googlemail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// Domain returns the normalized domain of an address, or "" when there is none.
func Domain(email string) string {
	n := NormalizeEmail(email)
	at := strings.LastIndex(n, "@")
	if at < 0 {
		return ""
	}
	return n[at+1:]
}

// SelfSet holds the normalized addresses that belong to the account owner.
type SelfSet map[string]struct{}

// NewSelfSet normalizes addresses into a set.
func NewSelfSet(addresses ...string) SelfSet {
	set := make(SelfSet, len(addresses))
	for _, a := range addresses {
		if n := NormalizeEmail(a); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Contains reports whether address normalizes to a self address.
func (s SelfSet) Contains(address string) bool {
	_, ok := s[NormalizeEmail(address)]
	return ok
}
