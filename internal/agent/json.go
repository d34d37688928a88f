package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"autosmith/internal/logging"
)

// Replies matching these fragments indicate the upstream model failed even
// though the conversation endpoint returned 200.
var badOutputPatterns = []string{
	"openai response incomplete",
	"max output tokens reached",
	"problem with my template",
	"error talking to openai",
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// LooksLikeBadOutput reports whether a reply is empty or carries a known
// upstream failure message.
func LooksLikeBadOutput(reply string) bool {
	s := strings.TrimSpace(reply)
	if s == "" {
		return true
	}
	lower := strings.ToLower(s)
	for _, pattern := range badOutputPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// ExtractJSONObject returns the outermost {...} span of text, or "".
func ExtractJSONObject(text string) string {
	return jsonObjectPattern.FindString(text)
}

// ParseJSONReply decodes a reply into a JSON object, tolerating surrounding
// prose by extracting the outermost object first.
func ParseJSONReply(reply string) (map[string]interface{}, bool) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(reply), &out); err == nil {
		return out, true
	}
	extracted := ExtractJSONObject(reply)
	if extracted == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(extracted), &out); err != nil {
		return nil, false
	}
	return out, true
}

// HelperRequest wraps a payload the way helper agents expect it: a strict
// instruction followed by the input as JSON.
func HelperRequest(payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return "Return ONLY a single minified JSON object. No markdown. No commentary.\nINPUT_JSON:\n" + string(data), nil
}

// CallHelperJSON sends a payload to a helper agent and validates the reply:
// it must parse as a JSON object, carry every required key, and clear the
// confidence floor when a confidence field is present. Failures degrade to a
// nil result with the reason recorded on the trace.
func CallHelperJSON(ctx context.Context, client Client, name, agentID string, payload interface{}, requiredKeys []string, minConfidence float64, trace *Trace) (map[string]interface{}, Usage) {
	if agentID == "" {
		trace.Record(name, agentID, false, "agent_id_not_set")
		return nil, Usage{}
	}
	text, err := HelperRequest(payload)
	if err != nil {
		trace.Record(name, agentID, false, "payload_marshal")
		return nil, Usage{}
	}

	result, err := client.Chat(ctx, agentID, text, "")
	if err != nil {
		logging.APIDebug("[Agent] helper %s failed: %v", name, err)
		trace.Record(name, agentID, false, "exception")
		return nil, result.Usage
	}

	data, ok := ParseJSONReply(result.Reply)
	if !ok {
		trace.Record(name, agentID, false, "invalid_json")
		return nil, result.Usage
	}
	for _, key := range requiredKeys {
		if _, present := data[key]; !present {
			trace.Record(name, agentID, false, "missing_keys")
			return nil, result.Usage
		}
	}
	if raw, present := data["confidence"]; present {
		conf, ok := raw.(float64)
		if !ok {
			trace.Record(name, agentID, false, "confidence_invalid")
			return nil, result.Usage
		}
		if conf < minConfidence {
			trace.Record(name, agentID, false, "low_confidence")
			return nil, result.Usage
		}
	}

	trace.Record(name, agentID, true, "")
	return data, result.Usage
}
