package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Security is the transport security of a mail server connection.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityPlain    Security = "plain"
)

// ParseSecurity parses a transport security name.
func ParseSecurity(s string) (Security, error) {
	switch Security(s) {
	case SecurityTLS, SecurityStartTLS, SecurityPlain:
		return Security(s), nil
	default:
		return "", fmt.Errorf("unknown transport security %q", s)
	}
}

// ServerConfig is a resolved server endpoint, as produced by account setup or autodiscovery.
type ServerConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Security Security `json:"security"`
	Username string   `json:"username"`
}

// Address returns host:port.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Account is one mailbox. Every other row is owned by an account.
type Account struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	DisplayName string       `json:"display_name"`
	Aliases     []string     `json:"aliases"`
	IMAP        ServerConfig `json:"imap"`
	SMTP        ServerConfig `json:"smtp"`
	// EncryptedPassword is sealed with crypto.Encryptor and never leaves the process.
	EncryptedPassword []byte     `json:"-"`
	AuthFailedAt      *time.Time `json:"auth_failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// SelfAddresses returns the account address followed by its aliases.
func (a *Account) SelfAddresses() []string {
	out := make([]string, 0, len(a.Aliases)+1)
	out = append(out, a.Email)
	return append(out, a.Aliases...)
}
