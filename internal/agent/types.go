// Package agent provides a uniform call contract to conversation agent
// endpoints identified by role, with token accounting and per-helper status
// tracing.
package agent

import "context"

// Usage reports token consumption for one agent call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResult is the outcome of one conversation turn.
type ChatResult struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id,omitempty"`
	Usage          Usage  `json:"usage"`
}

// Client sends a text turn to one agent endpoint.
type Client interface {
	// Chat sends text to the agent identified by agentID. A non-empty
	// conversationID continues an existing conversation.
	Chat(ctx context.Context, agentID, text, conversationID string) (ChatResult, error)
}
