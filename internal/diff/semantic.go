package diff

import (
	"fmt"
	"strings"

	"autosmith/internal/document"
)

// CategoryDiff holds the multiset difference of classified labels for one
// category (triggers, conditions, or actions).
type CategoryDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// SemanticResult is the structural diff between two documents.
type SemanticResult struct {
	Triggers   CategoryDiff `json:"triggers"`
	Conditions CategoryDiff `json:"conditions"`
	Actions    CategoryDiff `json:"actions"`
}

// Empty reports whether no category changed.
func (r SemanticResult) Empty() bool {
	return len(r.Triggers.Added) == 0 && len(r.Triggers.Removed) == 0 &&
		len(r.Conditions.Added) == 0 && len(r.Conditions.Removed) == 0 &&
		len(r.Actions.Added) == 0 && len(r.Actions.Removed) == 0
}

// semanticItems are the classified labels of one document.
type semanticItems struct {
	triggers   []string
	conditions []string
	actions    []string
}

// classifyTrigger turns a trigger element into a short deterministic label.
// The shape checks run in a fixed priority order; unmatched shapes fall back
// to "<kind> trigger" and non-mapping elements to bare "trigger".
func classifyTrigger(t interface{}) string {
	m, ok := t.(map[string]interface{})
	if !ok {
		return "trigger"
	}
	platform := strings.TrimSpace(stringOf(firstOf(m, "platform", "trigger")))
	switch platform {
	case "time":
		if at := stringOf(m["at"]); at != "" {
			return "time at " + at
		}
		after := stringOf(m["after"])
		before := stringOf(m["before"])
		return strings.TrimSpace(fmt.Sprintf("time %s-%s", after, before))
	case "state":
		eid := stringOf(m["entity_id"])
		if to, hasTo := m["to"]; eid != "" && hasTo && to != nil {
			return fmt.Sprintf("state %s -> %v", eid, to)
		}
		if eid != "" {
			return "state " + eid
		}
	case "numeric_state":
		eid := stringOf(m["entity_id"])
		above := stringOf(m["above"])
		below := stringOf(m["below"])
		return strings.TrimSpace(fmt.Sprintf("numeric %s %s-%s", eid, above, below))
	case "event":
		return strings.TrimSpace("event " + stringOf(m["event_type"]))
	}
	if platform != "" {
		return platform + " trigger"
	}
	return "trigger"
}

func classifyCondition(c interface{}) string {
	m, ok := c.(map[string]interface{})
	if !ok {
		return "condition"
	}
	kind := strings.TrimSpace(stringOf(m["condition"]))
	switch kind {
	case "state":
		eid := stringOf(m["entity_id"])
		if state, hasState := m["state"]; eid != "" && hasState && state != nil {
			return fmt.Sprintf("state %s = %v", eid, state)
		}
		if eid != "" {
			return "state " + eid
		}
	case "numeric_state":
		eid := stringOf(m["entity_id"])
		above := stringOf(m["above"])
		below := stringOf(m["below"])
		return strings.TrimSpace(fmt.Sprintf("numeric %s %s-%s", eid, above, below))
	case "time":
		after := stringOf(m["after"])
		before := stringOf(m["before"])
		return strings.TrimSpace(fmt.Sprintf("time %s-%s", after, before))
	}
	if kind != "" {
		return kind + " condition"
	}
	return "condition"
}

func classifyAction(a interface{}) string {
	m, ok := a.(map[string]interface{})
	if !ok {
		return "action"
	}
	if svc, has := m["service"]; has {
		if target, ok := m["target"].(map[string]interface{}); ok {
			if eid := stringOf(target["entity_id"]); eid != "" {
				return fmt.Sprintf("service %v -> %s", svc, eid)
			}
		}
		return fmt.Sprintf("service %v", svc)
	}
	if choose, has := m["choose"]; has {
		return fmt.Sprintf("choose (%d options)", len(document.AsList(choose)))
	}
	if delay, has := m["delay"]; has {
		return fmt.Sprintf("delay %v", delay)
	}
	return "action"
}

// extractItems parses a document and classifies its structural elements.
// Returns false when the document does not resolve to a mapping.
func extractItems(text string) (semanticItems, bool) {
	m := document.CoerceMap(text)
	if m == nil {
		return semanticItems{}, false
	}
	triggers := document.AsList(firstOf(m, "trigger", "triggers"))
	conditions := document.AsList(firstOf(m, "condition", "conditions"))
	var actions []interface{}
	if len(triggers) > 0 || len(conditions) > 0 {
		actions = document.AsList(firstOf(m, "action", "actions"))
	} else {
		// Script shape: the action sequence lives under "sequence".
		actions = document.AsList(firstOf(m, "sequence", "action", "actions"))
	}

	items := semanticItems{}
	for _, t := range triggers {
		items.triggers = append(items.triggers, classifyTrigger(t))
	}
	for _, c := range conditions {
		items.conditions = append(items.conditions, classifyCondition(c))
	}
	for _, a := range actions {
		items.actions = append(items.actions, classifyAction(a))
	}
	return items, true
}

// diffLabels computes the multiset difference of two label lists, preserving
// first-occurrence order.
func diffLabels(base, next []string) (added, removed []string) {
	baseCounts := make(map[string]int, len(base))
	nextCounts := make(map[string]int, len(next))
	var baseOrder, nextOrder []string
	for _, item := range base {
		if baseCounts[item] == 0 {
			baseOrder = append(baseOrder, item)
		}
		baseCounts[item]++
	}
	for _, item := range next {
		if nextCounts[item] == 0 {
			nextOrder = append(nextOrder, item)
		}
		nextCounts[item]++
	}
	for _, item := range nextOrder {
		for i := 0; i < nextCounts[item]-baseCounts[item]; i++ {
			added = append(added, item)
		}
	}
	for _, item := range baseOrder {
		for i := 0; i < baseCounts[item]-nextCounts[item]; i++ {
			removed = append(removed, item)
		}
	}
	return added, removed
}

// Semantic computes the structural diff between two documents. ok is false
// when either side fails to parse into a mapping; callers fall back to the
// line-multiset summary.
func Semantic(base, next string) (SemanticResult, bool) {
	baseItems, ok := extractItems(base)
	if !ok {
		return SemanticResult{}, false
	}
	nextItems, ok := extractItems(next)
	if !ok {
		return SemanticResult{}, false
	}
	var r SemanticResult
	r.Triggers.Added, r.Triggers.Removed = diffLabels(baseItems.triggers, nextItems.triggers)
	r.Conditions.Added, r.Conditions.Removed = diffLabels(baseItems.conditions, nextItems.conditions)
	r.Actions.Added, r.Actions.Removed = diffLabels(baseItems.actions, nextItems.actions)
	return r, true
}

// SemanticSummary renders the structural diff as a natural-language summary.
// A category with exactly one added and one removed label is phrased as a
// single "Changed X from A to B" sentence.
func SemanticSummary(base, next string) (string, bool) {
	r, ok := Semantic(base, next)
	if !ok {
		return "", false
	}
	var parts []string
	parts = append(parts, categorySentences("trigger", r.Triggers)...)
	parts = append(parts, categorySentences("condition", r.Conditions)...)
	parts = append(parts, categorySentences("action", r.Actions)...)
	if len(parts) == 0 {
		return "No semantic changes", true
	}
	return strings.Join(parts, "; "), true
}

func categorySentences(name string, d CategoryDiff) []string {
	if len(d.Added) == 1 && len(d.Removed) == 1 {
		return []string{fmt.Sprintf("Changed %s from %s to %s", name, d.Removed[0], d.Added[0])}
	}
	var parts []string
	if n := len(d.Added); n == 1 {
		parts = append(parts, fmt.Sprintf("Added %s: %s", name, d.Added[0]))
	} else if n > 1 {
		parts = append(parts, fmt.Sprintf("Added %d %ss", n, name))
	}
	if n := len(d.Removed); n == 1 {
		parts = append(parts, fmt.Sprintf("Removed %s: %s", name, d.Removed[0]))
	} else if n > 1 {
		parts = append(parts, fmt.Sprintf("Removed %d %ss", n, name))
	}
	return parts
}

// ChangeSummary is the human description of a change: the semantic summary
// when both documents parse, otherwise the line-multiset summary.
func ChangeSummary(base, next string) string {
	if summary, ok := SemanticSummary(base, next); ok {
		return summary
	}
	return FormatLineSummary(ComputeLineStats(base, next))
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
