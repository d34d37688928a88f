package session

import (
	"context"

	"autosmith/internal/agent"
	"autosmith/internal/document"
)

const automationContract = "Return ONLY minified JSON keys: alias, description, trigger, condition, action, mode, initial_state. " +
	"No other keys. " +
	"If entity_ids or services are not specified, infer them from candidates and capabilities. " +
	"Use real services. Keep under 1200 characters."

const scriptContract = "Return ONLY minified JSON keys: alias, description, sequence, mode. " +
	"No other keys. sequence must be a list of valid action objects. " +
	"If entity_ids or services are not specified, infer them from candidates and capabilities. " +
	"Use real services. Keep under 1200 characters."

const dumbBuilderAddendum = "If any detail is uncertain, keep changes minimal, avoid guesses, and use placeholders rather than inventing entity_ids. " +
	"Prefer preserving the current YAML structure."

const minimalCandidateLimit = 60

func (o *Orchestrator) builderPayload(finalText, currentDoc, entityType string) map[string]interface{} {
	caps := o.kb.Snapshot()
	candidates := make([]map[string]interface{}, 0, len(caps.Inventory.Entities))
	for _, e := range caps.Inventory.Entities {
		candidates = append(candidates, map[string]interface{}{
			"entity_id": e.EntityID,
			"name":      e.Name,
			"state":     e.State,
		})
	}
	contract := automationContract
	if entityType == "script" {
		contract = scriptContract
	}
	payload := map[string]interface{}{
		"request":         finalText,
		"source":          "architect",
		"entity_type":     entityType,
		"candidates":      candidates,
		"capabilities":    o.kb.Slim(),
		"output_contract": contract,
	}
	if currentDoc != "" {
		payload["current_yaml"] = currentDoc
	}
	return payload
}

func (o *Orchestrator) callBuilder(ctx context.Context, s *Session, trace *agent.Trace, payload map[string]interface{}) (map[string]interface{}, error) {
	minimal := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		minimal[k] = v
	}
	if candidates, ok := payload["candidates"].([]map[string]interface{}); ok && len(candidates) > minimalCandidateLimit {
		minimal["candidates"] = candidates[:minimalCandidateLimit]
	}
	out, used, err := agent.CallBuilderJSON(ctx, o.agents, o.roles.Builder, o.roles.DumbBuilder, payload, minimal, dumbBuilderAddendum, trace)
	s.ledger.Track("builder", "build", used.InputTokens, used.OutputTokens)
	return out, err
}

// candidateConfig shapes the builder's parsed JSON into a document mapping
// with every expected key present.
func candidateConfig(out map[string]interface{}, entityType string) map[string]interface{} {
	str := func(key, fallback string) string {
		if v, ok := out[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	list := func(keys ...string) []interface{} {
		for _, key := range keys {
			if l := document.AsList(out[key]); l != nil {
				return l
			}
		}
		return []interface{}{}
	}

	if entityType == "script" {
		return map[string]interface{}{
			"alias":       str("alias", "AI Script"),
			"description": str("description", ""),
			"sequence":    list("sequence", "action"),
			"mode":        str("mode", "single"),
		}
	}
	initial := true
	if v, ok := out["initial_state"].(bool); ok {
		initial = v
	}
	return map[string]interface{}{
		"alias":         str("alias", "AI Automation"),
		"description":   str("description", ""),
		"trigger":       list("trigger"),
		"condition":     list("condition"),
		"action":        list("action"),
		"mode":          str("mode", "single"),
		"initial_state": initial,
	}
}
