// Package conversation derives threads, conversations and clusters from the
// cached messages of an account.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/trust"
)

// SelfKey is the participant key of a conversation with nobody but the owner.
const SelfKey = "__self__"

const (
	groupClusterPrefix  = "group:"
	domainClusterPrefix = "domain:"
)

// Input is everything Build needs. It is loaded by the Grouper.
type Input struct {
	Messages   []*models.Message
	Self       trust.SelfSet
	Trust      map[string]models.TrustLevel
	LineGroups []models.LineGroup
}

// Result is the output of Build, sorted for stable writes.
type Result struct {
	Derived       []db.DerivedColumns
	Conversations []*models.Conversation
	Clusters      []*models.Cluster
}

// Build groups messages into threads and conversations. The result depends
// only on the set of messages, never on their order.
func Build(in Input) Result {
	threads := threadRoots(in.Messages)

	byConversation := make(map[string][]*models.Message)
	keys := make(map[string]string)

	derived := make([]db.DerivedColumns, 0, len(in.Messages))
	for _, m := range in.Messages {
		key := ParticipantKey(m, in.Self)
		id := hashID(key)
		keys[id] = key
		byConversation[id] = append(byConversation[id], m)

		derived = append(derived, db.DerivedColumns{
			MessageID:      m.ID,
			ThreadID:       hashID(threads.find(messageKey(m))),
			ParticipantKey: key,
			ConversationID: id,
		})
	}
	sort.Slice(derived, func(i, j int) bool { return derived[i].MessageID < derived[j].MessageID })

	groups := make(map[string]models.LineGroup, len(in.LineGroups))
	for _, g := range in.LineGroups {
		groups[strings.ToLower(g.Domain)] = g
	}

	convs := make([]*models.Conversation, 0, len(byConversation))
	for id, msgs := range byConversation {
		convs = append(convs, summarize(id, keys[id], msgs, in, groups))
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })

	return Result{
		Derived:       derived,
		Conversations: convs,
		Clusters:      clustersOf(convs),
	}
}

// ParticipantKey is the sorted, deduplicated set of normalized From, To and
// Cc addresses excluding self, joined by newlines.
func ParticipantKey(m *models.Message, self trust.SelfSet) string {
	seen := make(map[string]struct{})
	add := func(addr string) {
		n := trust.NormalizeEmail(addr)
		if n == "" || self.Contains(n) {
			return
		}
		seen[n] = struct{}{}
	}

	add(m.FromAddress)
	for _, a := range m.To {
		add(a)
	}
	for _, a := range m.Cc {
		add(a)
	}

	if len(seen) == 0 {
		return SelfKey
	}
	participants := make([]string, 0, len(seen))
	for p := range seen {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	return strings.Join(participants, "\n")
}

func hashID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func messageKey(m *models.Message) string {
	if m.MessageID == "" {
		return "db:" + strconv.FormatInt(m.ID, 10)
	}
	return m.MessageID
}

// unionFind keeps the lexicographically smallest key of each set as its root.
type unionFind map[string]string

func (u unionFind) find(k string) string {
	parent, ok := u[k]
	if !ok {
		u[k] = k
		return k
	}
	if parent == k {
		return k
	}
	root := u.find(parent)
	u[k] = root
	return root
}

func (u unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u[rb] = ra
	default:
		u[ra] = rb
	}
}

func threadRoots(msgs []*models.Message) unionFind {
	u := make(unionFind)
	for _, m := range msgs {
		key := messageKey(m)
		u.find(key)
		if m.MessageID == "" {
			continue
		}
		if m.InReplyTo != "" {
			u.union(key, m.InReplyTo)
		}
		for _, ref := range m.References {
			if ref != "" {
				u.union(key, ref)
			}
		}
	}
	return u
}

func isChat(m *models.Message) bool {
	return m.Classification != nil && *m.Classification == models.ClassChat
}

// latest returns the message with the greatest date, ties broken by id.
// Undated messages sort before dated ones.
func latest(msgs []*models.Message) *models.Message {
	var best *models.Message
	for _, m := range msgs {
		if best == nil || newer(m, best) {
			best = m
		}
	}
	return best
}

func newer(a, b *models.Message) bool {
	var da, dbt time.Time
	if a.Date != nil {
		da = *a.Date
	}
	if b.Date != nil {
		dbt = *b.Date
	}
	if !da.Equal(dbt) {
		return da.After(dbt)
	}
	return a.ID > b.ID
}

func summarize(id, key string, msgs []*models.Message, in Input, groups map[string]models.LineGroup) *models.Conversation {
	c := &models.Conversation{ID: id, ParticipantKey: key, TotalCount: len(msgs)}

	// Each participant is shown with the name from their newest message.
	named := make(map[string]*models.Message)
	hasChat := false
	for _, m := range msgs {
		if !m.IsRead() {
			c.UnreadCount++
		}
		if isChat(m) {
			hasChat = true
		}
		if m.FromName == "" {
			continue
		}
		from := trust.NormalizeEmail(m.FromAddress)
		if prev, ok := named[from]; !ok || newer(m, prev) {
			named[from] = m
		}
	}

	if key != SelfKey {
		for _, p := range strings.Split(key, "\n") {
			if m, ok := named[p]; ok {
				c.ParticipantNames = append(c.ParticipantNames, m.FromName)
			} else {
				c.ParticipantNames = append(c.ParticipantNames, p)
			}
		}
	}

	last := latest(msgs)
	c.LastMessageDate = last.Date
	c.LastMessagePreview = last.Snippet
	c.LastMessageFrom = last.FromName
	if c.LastMessageFrom == "" {
		c.LastMessageFrom = last.FromAddress
	}
	c.IsOutgoing = in.Self.Contains(last.FromAddress)

	switch {
	case hasChat && hasTrustedParticipant(key, in.Trust):
		c.Category = models.CategoryConnections
	case hasChat:
		c.Category = models.CategoryOthers
	default:
		c.Category = models.CategoryAutomated
		c.ClusterID, c.ClusterName = clusterFor(last.FromAddress, groups)
	}
	return c
}

func hasTrustedParticipant(key string, levels map[string]models.TrustLevel) bool {
	if key == SelfKey {
		return false
	}
	for _, p := range strings.Split(key, "\n") {
		switch levels[p] {
		case models.TrustContact, models.TrustConnection:
			return true
		case models.TrustUser, models.TrustAlias:
		}
	}
	return false
}

func clusterFor(from string, groups map[string]models.LineGroup) (id, name string) {
	domain := trust.Domain(from)
	if domain == "" {
		return "", ""
	}
	if g, ok := groups[domain]; ok {
		return groupClusterPrefix + g.GroupID, g.Name
	}
	return domainClusterPrefix + domain, domain
}

func clustersOf(convs []*models.Conversation) []*models.Cluster {
	byID := make(map[string]*models.Cluster)
	for _, c := range convs {
		if c.ClusterID == "" {
			continue
		}
		cl, ok := byID[c.ClusterID]
		if !ok {
			cl = &models.Cluster{ID: c.ClusterID, Name: c.ClusterName}
			byID[c.ClusterID] = cl
		}
		cl.ConversationCount++
		cl.UnreadCount += c.UnreadCount
		if c.LastMessageDate != nil && (cl.LastMessageDate == nil || c.LastMessageDate.After(*cl.LastMessageDate)) {
			cl.LastMessageDate = c.LastMessageDate
		}
	}

	out := make([]*models.Cluster, 0, len(byID))
	for _, cl := range byID {
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
