package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// snippetLength is the maximum number of runes kept for a message preview.
const snippetLength = 200

// ParseMessage converts a fetched IMAP message into the cached model. The
// envelope supplies addressing; the raw body, when present, supplies the text
// parts and the headers the classifier relies on.
func ParseMessage(imapMsg *imap.Message, folder string) (*models.Message, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	msg := &models.Message{
		Folder:     folder,
		UID:        imapMsg.Uid,
		Flags:      flagsOrEmpty(imapMsg.Flags),
		To:         []string{},
		Cc:         []string{},
		Bcc:        []string{},
		References: []string{},
	}

	if env := imapMsg.Envelope; env != nil {
		applyEnvelope(msg, env)
	}

	if body := imapMsg.GetBody(fullBodySection); body != nil {
		if err := parseBody(body, msg); err != nil {
			return nil, fmt.Errorf("failed to parse message uid %d: %w", imapMsg.Uid, err)
		}
	}

	sanitizeMessage(msg)
	return msg, nil
}

// sanitizeMessage makes every text field storable in a Postgres text column,
// which rejects NUL bytes and invalid UTF-8.
func sanitizeMessage(msg *models.Message) {
	for _, field := range []*string{
		&msg.FromAddress, &msg.FromName, &msg.Subject, &msg.Snippet,
		&msg.MessageID, &msg.InReplyTo, &msg.ListID, &msg.ListUnsubscribe,
		&msg.AutoSubmitted, &msg.Precedence,
	} {
		*field = cleanText(*field)
	}
	for _, field := range []*string{msg.BodyText, msg.BodyHTML} {
		if field != nil {
			*field = cleanText(*field)
		}
	}
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc, msg.References} {
		for i := range list {
			list[i] = cleanText(list[i])
		}
	}
}

func cleanText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func applyEnvelope(msg *models.Message, env *imap.Envelope) {
	if len(env.From) > 0 && env.From[0] != nil {
		msg.FromAddress = addressOf(env.From[0])
		msg.FromName = env.From[0].PersonalName
	}
	msg.To = addressList(env.To)
	msg.Cc = addressList(env.Cc)
	msg.Bcc = addressList(env.Bcc)
	msg.Subject = env.Subject
	msg.MessageID = trimMessageID(env.MessageId)
	msg.InReplyTo = trimMessageID(env.InReplyTo)
	if !env.Date.IsZero() {
		date := env.Date
		msg.Date = &date
	}
}

// parseBody parses the raw message using enmime.
func parseBody(r io.Reader, msg *models.Message) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	text := envelope.Text
	msg.BodyText = &text
	if envelope.HTML != "" {
		html := envelope.HTML
		msg.BodyHTML = &html
	}
	msg.Snippet = Snippet(text)

	if msg.MessageID == "" {
		msg.MessageID = trimMessageID(envelope.GetHeader("Message-Id"))
	}
	if msg.InReplyTo == "" {
		msg.InReplyTo = trimMessageID(envelope.GetHeader("In-Reply-To"))
	}
	msg.References = ParseReferences(envelope.GetHeader("References"))
	msg.ListID = envelope.GetHeader("List-Id")
	msg.ListUnsubscribe = envelope.GetHeader("List-Unsubscribe")
	msg.AutoSubmitted = envelope.GetHeader("Auto-Submitted")
	msg.Precedence = envelope.GetHeader("Precedence")

	if msg.FromAddress == "" {
		if from, err := envelope.AddressList("From"); err == nil && len(from) > 0 {
			msg.FromAddress = from[0].Address
			msg.FromName = from[0].Name
		}
	}
	if msg.Subject == "" {
		msg.Subject = envelope.GetHeader("Subject")
	}

	return nil
}

// ParseReferences splits a References header into bare message ids.
func ParseReferences(header string) []string {
	fields := strings.Fields(header)
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := trimMessageID(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// Snippet returns a whitespace-collapsed preview of a text body.
func Snippet(text string) string {
	var b strings.Builder
	n := 0
	space := false
	for _, r := range strings.TrimSpace(text) {
		if n >= snippetLength {
			break
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && n > 0 {
			b.WriteRune(' ')
			n++
			space = false
			if n >= snippetLength {
				break
			}
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// trimMessageID returns the first message id of a header value without its
// angle brackets. Headers like In-Reply-To may carry several ids or comments.
func trimMessageID(id string) string {
	if start := strings.IndexByte(id, '<'); start >= 0 {
		if end := strings.IndexByte(id[start:], '>'); end > 0 {
			return strings.TrimSpace(id[start+1 : start+end])
		}
	}
	fields := strings.Fields(id)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">")
}

// addressOf returns the bare mailbox@host form of an address.
func addressOf(address *imap.Address) string {
	if address == nil || (address.MailboxName == "" && address.HostName == "") {
		return ""
	}
	return address.Address()
}

func addressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if a := addressOf(address); a != "" {
			result = append(result, a)
		}
	}
	return result
}

func flagsOrEmpty(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
