// Package model defines the wire-level types shared across ingress, queue,
// workers and the agent service.
package model

import "time"

// Channel identifies the inbound messaging channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
	ChannelWeb      Channel = "web"
)

// Message is a normalized inbound user message.
type Message struct {
	UserID         string                 `json:"user_id"`
	Channel        Channel                `json:"channel"`
	Text           string                 `json:"text"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// HistoryEntry is one prior turn supplied by the client. Only user and
// assistant roles are honored; anything else is dropped during assembly.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Job is the durable queue payload for asynchronous processing.
type Job struct {
	JobID            string         `json:"job_id"`
	AgentID          string         `json:"agent_id"`
	Message          Message        `json:"message"`
	History          []HistoryEntry `json:"history,omitempty"`
	Stream           bool           `json:"stream"`
	WebhookOutputURL string         `json:"webhook_output_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RAGContext is one retrieved document fragment, transient per turn.
type RAGContext struct {
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AgentResponse is the final product of one turn.
type AgentResponse struct {
	AgentID        string       `json:"agent_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Response       string       `json:"response"`
	Contexts       []RAGContext `json:"contexts,omitempty"`
	TokensUsed     int          `json:"tokens_used"`
	CreatedAt      time.Time    `json:"created_at"`
}
