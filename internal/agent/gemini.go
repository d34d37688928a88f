package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"autosmith/internal/fault"
)

// GeminiClient calls a Gemini model directly instead of going through the
// platform's conversation endpoint. Conversation continuity is kept locally
// since the raw model API is stateless.
type GeminiClient struct {
	client *genai.Client
	model  string

	mu       sync.Mutex
	nextID   int
	sessions map[string][]*genai.Content
}

// NewGeminiClient creates a direct Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:   client,
		model:    model,
		sessions: make(map[string][]*genai.Content),
	}, nil
}

// Chat sends one turn, threading prior turns when conversationID is known.
// agentID is accepted for interface compatibility; a single model serves all
// roles.
func (c *GeminiClient) Chat(ctx context.Context, agentID, text, conversationID string) (ChatResult, error) {
	c.mu.Lock()
	history := c.sessions[conversationID]
	c.mu.Unlock()

	contents := make([]*genai.Content, 0, len(history)+1)
	contents = append(contents, history...)
	contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResult{}, ctx.Err()
		}
		return ChatResult{}, &fault.AgentError{AgentID: agentID, Op: "chat", Err: err}
	}

	reply := strings.TrimSpace(result.Text())
	var usage Usage
	if result.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}

	c.mu.Lock()
	if conversationID == "" {
		c.nextID++
		conversationID = fmt.Sprintf("gemini-%d", c.nextID)
	}
	c.sessions[conversationID] = append(contents, genai.NewContentFromText(reply, genai.RoleModel))
	c.mu.Unlock()

	return ChatResult{
		Reply:          reply,
		ConversationID: conversationID,
		Usage:          usage,
	}, nil
}

// Forget drops the locally-kept history for a conversation.
func (c *GeminiClient) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, conversationID)
}
