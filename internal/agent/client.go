package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autosmith/internal/fault"
	"autosmith/internal/logging"
)

// HTTPClient talks to the automation platform's conversation endpoint.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// DefaultHTTPConfig returns sensible defaults for a conversation endpoint.
func DefaultHTTPConfig(baseURL, token string) HTTPConfig {
	return HTTPConfig{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 3 * time.Minute,
	}
}

// NewHTTPClient creates a conversation client.
func NewHTTPClient(config HTTPConfig) *HTTPClient {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Minute
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type conversationRequest struct {
	AgentID        string `json:"agent_id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Response       struct {
		Speech struct {
			Plain struct {
				Speech string `json:"speech"`
			} `json:"plain"`
		} `json:"speech"`
		Text           string `json:"text"`
		ConversationID string `json:"conversation_id"`
	} `json:"response"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends one turn to the conversation endpoint.
func (c *HTTPClient) Chat(ctx context.Context, agentID, text, conversationID string) (ChatResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if agentID == "" {
		return ChatResult{}, &AgentError{Op: "chat", Detail: "agent id not configured"}
	}

	start := time.Now()
	logging.APIDebug("[Agent] Chat: agent=%s text_len=%d conversation=%q", agentID, len(text), conversationID)

	reqBody := conversationRequest{
		AgentID:        agentID,
		Text:           text,
		ConversationID: conversationID,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/conversation/process", bytes.NewReader(jsonData))
	if err != nil {
		return ChatResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResult{}, ctx.Err()
		}
		return ChatResult{}, &AgentError{AgentID: agentID, Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, &AgentError{AgentID: agentID, Op: "chat", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, &AgentError{
			AgentID: agentID,
			Op:      "chat",
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 250)),
		}
	}

	var parsed conversationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChatResult{}, &AgentError{AgentID: agentID, Op: "chat", Detail: "unparseable response", Err: err}
	}

	reply := strings.TrimSpace(parsed.Response.Speech.Plain.Speech)
	if reply == "" {
		reply = strings.TrimSpace(parsed.Response.Text)
	}
	convID := parsed.ConversationID
	if convID == "" {
		convID = parsed.Response.ConversationID
	}
	if convID == "" {
		convID = conversationID
	}

	logging.APIDebug("[Agent] Chat done: agent=%s reply_len=%d elapsed=%v", agentID, len(reply), time.Since(start))
	return ChatResult{
		Reply:          reply,
		ConversationID: convID,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// AgentError is re-exported from fault for call sites inside this package.
type AgentError = fault.AgentError

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
