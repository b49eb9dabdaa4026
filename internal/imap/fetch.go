package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fullBodySection is BODY.PEEK[]: the whole message without setting \Seen.
var fullBodySection = &imap.BodySectionName{Peek: true}

// FetchMessages fetches envelope, flags, and the full raw body for the given
// UIDs in the selected folder. Results are ordered by UID. UIDs the server
// no longer has are silently absent.
func FetchMessages(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	return uidFetch(c, uids, []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		fullBodySection.FetchItem(),
	})
}

// FetchEnvelopes fetches only envelopes for the given UIDs. Used to scan
// recipients without downloading bodies.
func FetchEnvelopes(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	return uidFetch(c, uids, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid})
}

// FetchFlags fetches the current flags of the given UIDs, keyed by UID.
func FetchFlags(c *client.Client, uids []uint32) (map[uint32][]string, error) {
	messages, err := uidFetch(c, uids, []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
	if err != nil {
		return nil, err
	}

	flags := make(map[uint32][]string, len(messages))
	for _, msg := range messages {
		if msg.Flags == nil {
			flags[msg.Uid] = []string{}
			continue
		}
		flags[msg.Uid] = msg.Flags
	}
	return flags, nil
}

func uidFetch(c *client.Client, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := make([]*imap.Message, 0, len(uids))
	for msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Uid < result[j].Uid })
	return result, nil
}
