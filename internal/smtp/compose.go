package smtp

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
)

// Draft is an outgoing message before MIME encoding.
type Draft struct {
	From       string   `json:"from"`
	FromName   string   `json:"from_name,omitempty"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Text       string   `json:"text"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Compose encodes a draft as a text/plain RFC 5322 message. Bcc recipients
// are written to a header so Envelope can find them.
func Compose(d Draft, now time.Time) ([]byte, error) {
	if d.From == "" {
		return nil, fmt.Errorf("draft has no sender")
	}
	if len(d.To)+len(d.Cc)+len(d.Bcc) == 0 {
		return nil, fmt.Errorf("draft has no recipients")
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: d.FromName, Address: d.From}})
	h.SetAddressList("To", toAddresses(d.To))
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(d.Cc))
	}
	if len(d.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddresses(d.Bcc))
	}
	h.SetSubject(d.Subject)
	h.SetMessageID(newMessageID(d.From))
	if d.InReplyTo != "" {
		h.Set("In-Reply-To", angle(d.InReplyTo))
	}
	if len(d.References) > 0 {
		refs := make([]string, len(d.References))
		for i, r := range d.References {
			refs[i] = angle(r)
		}
		h.Set("References", strings.Join(refs, " "))
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, d.Text); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// Envelope reads the sender and every To, Cc and Bcc recipient from a raw message.
func Envelope(raw []byte) (string, []string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read message header: %w", err)
	}
	defer func() { _ = mr.Close() }()

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return "", nil, fmt.Errorf("message has no valid From header")
	}

	var rcpts []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		list, err := mr.Header.AddressList(key)
		if err != nil {
			return "", nil, fmt.Errorf("invalid %s header: %w", key, err)
		}
		for _, a := range list {
			rcpts = append(rcpts, a.Address)
		}
	}
	return from[0].Address, rcpts, nil
}

// SentFlags are the flags a copy saved to the sent folder carries.
var SentFlags = []string{models.FlagSeen}

func toAddresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func angle(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	return "<" + id + ">"
}

func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return uuid.NewString() + "@" + domain
}
