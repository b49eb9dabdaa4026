// Package metrics exposes the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vdavid/mailsync/internal/models"
)

const namespace = "mailsync"

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesApplied  *prometheus.CounterVec
	syncPassDuration *prometheus.HistogramVec
	syncErrors       *prometheus.CounterVec
	actions          *prometheus.CounterVec
	conversations    prometheus.Gauge
}

// New creates and registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Messages written to the local cache, by folder kind.",
		}, []string{"folder_kind"}),
		syncPassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of sync passes, by phase.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"phase"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Sync failures, by error kind.",
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Queued actions processed, by type and result.",
		}, []string{"type", "result"}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Conversations produced by the last rebuild.",
		}),
	}

	m.registry.MustRegister(
		m.messagesApplied,
		m.syncPassDuration,
		m.syncErrors,
		m.actions,
		m.conversations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessagesApplied counts n messages applied to folder.
func (m *Metrics) MessagesApplied(folder, specialUse string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesApplied.WithLabelValues(FolderKind(folder, specialUse)).Add(float64(n))
}

// ObservePass records the duration of a phase that started at start.
func (m *Metrics) ObservePass(phase string, start time.Time) {
	if m == nil {
		return
	}
	m.syncPassDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// SyncError counts one failure of the given kind.
func (m *Metrics) SyncError(kind string) {
	if m == nil {
		return
	}
	m.syncErrors.WithLabelValues(kind).Inc()
}

// Action counts one processed action.
func (m *Metrics) Action(actionType models.ActionType, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(actionType), result).Inc()
}

// SetConversations records the size of the latest rebuild.
func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}

// FolderKind buckets folders into a small label set.
func FolderKind(folder, specialUse string) string {
	switch {
	case models.IsInbox(folder):
		return "inbox"
	case models.IsSentFolder(folder, specialUse):
		return "sent"
	case strings.EqualFold(specialUse, `\Trash`), strings.EqualFold(specialUse, `\Junk`):
		return "trash"
	default:
		return "other"
	}
}
