package models

import (
	"fmt"
	"time"
)

// ConversationCategory is the coarse bucket a conversation is shown in.
type ConversationCategory string

const (
	CategoryConnections ConversationCategory = "connections"
	CategoryOthers      ConversationCategory = "others"
	CategoryAutomated   ConversationCategory = "automated"
)

// ParseConversationCategory parses a persisted conversation category.
func ParseConversationCategory(s string) (ConversationCategory, error) {
	switch ConversationCategory(s) {
	case CategoryConnections, CategoryOthers, CategoryAutomated:
		return ConversationCategory(s), nil
	default:
		return "", fmt.Errorf("unknown conversation category %q", s)
	}
}

// Conversation groups messages that share a participant set.
type Conversation struct {
	AccountID          string               `json:"account_id"`
	ID                 string               `json:"id"`
	ParticipantKey     string               `json:"participant_key"`
	ParticipantNames   []string             `json:"participant_names"`
	Category           ConversationCategory `json:"category"`
	IsOutgoing         bool                 `json:"is_outgoing"`
	LastMessageDate    *time.Time           `json:"last_message_date"`
	LastMessagePreview string               `json:"last_message_preview"`
	LastMessageFrom    string               `json:"last_message_from"`
	UnreadCount        int                  `json:"unread_count"`
	TotalCount         int                  `json:"total_count"`
	ClusterID          string               `json:"cluster_id"`
	ClusterName        string               `json:"cluster_name"`
}

// Cluster groups conversations by sender domain or line group.
type Cluster struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	ConversationCount int        `json:"conversation_count"`
	UnreadCount       int        `json:"unread_count"`
	LastMessageDate   *time.Time `json:"last_message_date"`
}

// OnboardingTask is one step of the account bootstrap pipeline.
type OnboardingTask string

const (
	TaskTrustNetwork      OnboardingTask = "trust_network"
	TaskHistoricalFetch   OnboardingTask = "historical_fetch"
	TaskConnectionHistory OnboardingTask = "connection_history"
)

// OnboardingTasks lists the pipeline in execution order.
var OnboardingTasks = []OnboardingTask{TaskTrustNetwork, TaskHistoricalFetch, TaskConnectionHistory}

// ParseOnboardingTask parses a persisted task name.
func ParseOnboardingTask(s string) (OnboardingTask, error) {
	switch OnboardingTask(s) {
	case TaskTrustNetwork, TaskHistoricalFetch, TaskConnectionHistory:
		return OnboardingTask(s), nil
	default:
		return "", fmt.Errorf("unknown onboarding task %q", s)
	}
}
