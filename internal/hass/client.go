// Package hass is the client for the remote automation store: a Home
// Assistant style REST API holding the live automation configs and runtime
// entity state.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autosmith/internal/document"
	"autosmith/internal/fault"
	"autosmith/internal/logging"
)

// EntitySummary is one row of a store listing.
type EntitySummary struct {
	ID          string `json:"id"`
	EntityID    string `json:"entity_id"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
	State       string `json:"state,omitempty"`
}

// Client talks to the automation store REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a store client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Configured reports whether the client has a target to talk to.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.token != ""
}

// automationID strips the entity domain prefix; the config API is keyed by
// the bare automation id.
func automationID(entityID string) string {
	return strings.TrimPrefix(entityID, "automation.")
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fault.StoreUnavailablef("%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fault.StoreUnavailablef("%s %s: read body", method, path)
	}
	return resp.StatusCode, data, nil
}

// Get fetches an entity's live document and runtime state. The document is
// returned as YAML text.
func (c *Client) Get(ctx context.Context, entityID string) (string, string, error) {
	status, body, err := c.do(ctx, "GET", "/api/config/automation/config/"+automationID(entityID), nil)
	if err != nil {
		return "", "", err
	}
	if status == http.StatusNotFound {
		return "", "", fault.NotFoundf("automation %s", entityID)
	}
	if status != http.StatusOK {
		return "", "", fault.StoreUnavailablef("get %s: status %d", entityID, status)
	}

	var config map[string]interface{}
	if err := json.Unmarshal(body, &config); err != nil {
		return "", "", fmt.Errorf("unexpected config shape for %s: %w", entityID, fault.ErrParse)
	}
	doc, err := document.Dump(config)
	if err != nil {
		return "", "", err
	}

	state := c.runtimeState(ctx, entityID)
	return doc, state, nil
}

// runtimeState is best-effort; a missing state entity degrades to "".
func (c *Client) runtimeState(ctx context.Context, entityID string) string {
	if !strings.Contains(entityID, ".") {
		entityID = "automation." + entityID
	}
	status, body, err := c.do(ctx, "GET", "/api/states/"+entityID, nil)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var state struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		return ""
	}
	return state.State
}

// List returns entity summaries, optionally filtered by a substring match on
// id, alias, or description.
func (c *Client) List(ctx context.Context, query string) ([]EntitySummary, error) {
	status, body, err := c.do(ctx, "GET", "/api/config/automation/config", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fault.StoreUnavailablef("list automations: status %d", status)
	}

	var configs []map[string]interface{}
	if err := json.Unmarshal(body, &configs); err != nil {
		return nil, fmt.Errorf("unexpected listing shape: %w", fault.ErrParse)
	}

	query = strings.ToLower(strings.TrimSpace(query))
	var out []EntitySummary
	for _, config := range configs {
		summary := EntitySummary{
			ID:          stringField(config, "id"),
			Alias:       stringField(config, "alias"),
			Description: stringField(config, "description"),
		}
		if summary.ID != "" {
			summary.EntityID = "automation." + document.Slug(summary.Alias)
		}
		if query != "" {
			hay := strings.ToLower(summary.ID + " " + summary.Alias + " " + summary.Description)
			if !strings.Contains(hay, query) {
				continue
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// State is one row of the runtime state listing.
type State struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

// States returns the store's full runtime state listing.
func (c *Client) States(ctx context.Context) ([]State, error) {
	status, body, err := c.do(ctx, "GET", "/api/states", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fault.StoreUnavailablef("list states: status %d", status)
	}

	var raw []struct {
		EntityID   string `json:"entity_id"`
		State      string `json:"state"`
		Attributes struct {
			FriendlyName string `json:"friendly_name"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unexpected states shape: %w", fault.ErrParse)
	}

	out := make([]State, 0, len(raw))
	for _, item := range raw {
		out = append(out, State{
			EntityID:     item.EntityID,
			State:        item.State,
			FriendlyName: item.Attributes.FriendlyName,
		})
	}
	return out, nil
}

// Services returns the store's service registry flattened to
// "domain.service" names.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	status, body, err := c.do(ctx, "GET", "/api/services", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fault.StoreUnavailablef("list services: status %d", status)
	}

	var raw []struct {
		Domain   string                     `json:"domain"`
		Services map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unexpected services shape: %w", fault.ErrParse)
	}

	var out []string
	for _, item := range raw {
		for name := range item.Services {
			out = append(out, item.Domain+"."+name)
		}
	}
	return out, nil
}

// Configs returns every raw automation config from the store.
func (c *Client) Configs(ctx context.Context) ([]map[string]interface{}, error) {
	status, body, err := c.do(ctx, "GET", "/api/config/automation/config", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fault.StoreUnavailablef("list automations: status %d", status)
	}

	var configs []map[string]interface{}
	if err := json.Unmarshal(body, &configs); err != nil {
		return nil, fmt.Errorf("unexpected listing shape: %w", fault.ErrParse)
	}
	return configs, nil
}

// SetState turns an automation on or off.
func (c *Client) SetState(ctx context.Context, entityID, desired string) error {
	service := "turn_off"
	if desired == "on" {
		service = "turn_on"
	}
	if !strings.Contains(entityID, ".") {
		entityID = "automation." + entityID
	}

	status, body, err := c.do(ctx, "POST", "/api/services/automation/"+service, map[string]string{"entity_id": entityID})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fault.StoreUnavailablef("set state %s=%s: status %d: %s", entityID, desired, status, truncate(string(body), 200))
	}
	logging.API("Set %s to %s", entityID, desired)
	return nil
}

// Write replaces an entity's live document and reloads automations. Returns
// the store's reference for the written config.
func (c *Client) Write(ctx context.Context, entityID, doc string) (string, error) {
	config, err := normalizeConfig(doc)
	if err != nil {
		return "", err
	}

	id := automationID(entityID)
	if existing, ok := config["id"].(string); ok && existing != "" {
		id = existing
	} else {
		config["id"] = id
	}

	status, body, err := c.do(ctx, "PUT", "/api/config/automation/config/"+id, config)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fault.StoreUnavailablef("write %s: status %d: %s", entityID, status, truncate(string(body), 200))
	}

	c.reload(ctx)
	logging.API("Wrote automation %s", entityID)
	return id, nil
}

// reload is best-effort; the write already succeeded.
func (c *Client) reload(ctx context.Context) {
	status, _, err := c.do(ctx, "POST", "/api/services/automation/reload", map[string]string{})
	if err != nil || status != http.StatusOK {
		logging.API("Automation reload failed (status %d, err %v)", status, err)
	}
}

// Keys the automation config API accepts; anything else in the document is
// dropped before writing.
var allowedConfigKeys = map[string]bool{
	"id": true, "alias": true, "description": true,
	"trigger": true, "condition": true, "action": true,
	"mode": true, "initial_state": true, "variables": true,
}

func normalizeConfig(doc string) (map[string]interface{}, error) {
	obj := document.CoerceMap(doc)
	if obj == nil {
		return nil, fmt.Errorf("document is not a single automation mapping: %w", fault.ErrParse)
	}
	config := make(map[string]interface{}, len(obj))
	for key, value := range obj {
		if allowedConfigKeys[key] {
			config[key] = value
		}
	}
	if _, ok := config["trigger"]; !ok {
		config["trigger"] = []interface{}{}
	}
	if _, ok := config["condition"]; !ok {
		config["condition"] = []interface{}{}
	}
	if _, ok := config["action"]; !ok {
		config["action"] = []interface{}{}
	}
	return config, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
