package session

import (
	"fmt"
	"regexp"
	"strings"

	"autosmith/internal/document"
)

// Small-edit heuristics. A narrow set of intent patterns that can be applied
// to the document locally without opening an agent conversation.
var (
	aliasPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(rename|name|alias)\s+(this\s+)?(automation|script)?\s*(to|as)?\s*['"]?(.+?)['"]?\s*$`),
		regexp.MustCompile(`(?i)^\s*set\s+alias\s+(to|as)\s*['"]?(.+?)['"]?\s*$`),
		regexp.MustCompile(`(?i)^\s*change\s+alias\s+(to|as)\s*['"]?(.+?)['"]?\s*$`),
	}
	descPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*set\s+description\s+(to|as)\s*['"]?(.+?)['"]?\s*$`),
		regexp.MustCompile(`(?i)^\s*change\s+description\s+(to|as)\s*['"]?(.+?)['"]?\s*$`),
	}
	modePattern       = regexp.MustCompile(`\bmode\s*(to|=)?\s*(single|restart|queued|parallel)\b`)
	initialOffPattern = regexp.MustCompile(`\b(start|initial_state)\s*(is\s*)?(disabled|off|false)\b`)
	initialOnPattern  = regexp.MustCompile(`\b(start|initial_state)\s*(is\s*)?(enabled|on|true)\b`)
	servicePattern    = regexp.MustCompile(`\bchange\s+service\s+([a-z_]+\.[a-z0-9_]+)\s*(to|->)\s*([a-z_]+\.[a-z0-9_]+)\b`)
	conditionPattern  = regexp.MustCompile(`\b(only if|if)\s+([a-z_]+\.[a-z0-9_]+)\s+(is|=)\s+([a-z0-9_]+)\b`)
)

func cleanQuotedValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`)) ||
			(strings.HasPrefix(v, `'`) && strings.HasSuffix(v, `'`)) {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// lastGroup returns the highest-numbered capture that matched.
func lastGroup(groups []string) string {
	for i := len(groups) - 1; i > 0; i-- {
		if groups[i] != "" {
			return groups[i]
		}
	}
	return ""
}

// ApplyLocalEditRules mutates obj in place according to the small-edit
// patterns found in prompt. It returns whether anything changed and a note
// per change for the version history.
func ApplyLocalEditRules(prompt string, obj map[string]interface{}, entityType string) (bool, []string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" || obj == nil {
		return false, nil
	}
	lower := strings.ToLower(prompt)
	var changes []string

	for _, pat := range aliasPatterns {
		m := pat.FindStringSubmatch(prompt)
		if m == nil {
			continue
		}
		if alias := cleanQuotedValue(lastGroup(m)); alias != "" {
			obj["alias"] = alias
			changes = append(changes, fmt.Sprintf("alias -> %s", alias))
		}
		break
	}

	for _, pat := range descPatterns {
		m := pat.FindStringSubmatch(prompt)
		if m == nil {
			continue
		}
		obj["description"] = cleanQuotedValue(lastGroup(m))
		changes = append(changes, "description updated")
		break
	}

	if m := modePattern.FindStringSubmatch(lower); m != nil {
		obj["mode"] = m[2]
		changes = append(changes, fmt.Sprintf("mode -> %s", m[2]))
	}

	if initialOffPattern.MatchString(lower) {
		obj["initial_state"] = false
		changes = append(changes, "initial_state -> false")
	} else if initialOnPattern.MatchString(lower) {
		obj["initial_state"] = true
		changes = append(changes, "initial_state -> true")
	}

	if m := servicePattern.FindStringSubmatch(lower); m != nil {
		src, dst := m[1], m[3]
		key := "action"
		if entityType == "script" {
			key = "sequence"
		}
		seq := document.AsList(obj[key])
		replaced := 0
		for _, raw := range seq {
			step, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if svc, _ := step["service"].(string); strings.ToLower(svc) == src {
				step["service"] = dst
				replaced++
			}
		}
		if replaced > 0 {
			obj[key] = seq
			changes = append(changes, fmt.Sprintf("service %s -> %s", src, dst))
		}
	}

	if entityType == "automation" {
		if m := conditionPattern.FindStringSubmatch(lower); m != nil {
			entityID, stateVal := m[2], m[4]
			cond := map[string]interface{}{
				"condition": "state",
				"entity_id": entityID,
				"state":     stateVal,
			}
			source := obj["condition"]
			if source == nil {
				source = obj["conditions"]
			}
			conditions := document.AsList(source)
			exists := false
			for _, raw := range conditions {
				c, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if c["condition"] == "state" && c["entity_id"] == entityID && fmt.Sprintf("%v", c["state"]) == stateVal {
					exists = true
					break
				}
			}
			if !exists {
				conditions = append(conditions, cond)
				obj["condition"] = conditions
				changes = append(changes, fmt.Sprintf("add condition %s is %s", entityID, stateVal))
			}
		}
	}

	return len(changes) > 0, changes
}
