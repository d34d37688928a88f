// Package document provides YAML parsing and shape helpers for
// automation/script documents (trigger/condition/action trees).
package document

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityIDPattern matches entity-id-shaped tokens like light.kitchen or
// binary_sensor.front_door.
var EntityIDPattern = regexp.MustCompile(`\b[a-z_]+\.[a-z0-9_]+\b`)

// ScriptIDPattern matches script entity ids.
var ScriptIDPattern = regexp.MustCompile(`(?i)\bscript\.[a-z0-9_]+\b`)

// Load parses YAML text into a generic tree. Empty text yields nil.
func Load(text string) (interface{}, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var obj interface{}
	if err := yaml.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	return obj, nil
}

// Dump serializes a tree back to YAML.
func Dump(obj interface{}) (string, error) {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("yaml dump: %w", err)
	}
	return string(data), nil
}

// CoerceMap parses YAML text and resolves it to its top-level mapping:
// a sequence root selects the first mapping element, and a list wrapped
// under an "automation" key unwraps to its first mapping. Returns nil
// when the text does not resolve to a mapping.
func CoerceMap(text string) map[string]interface{} {
	obj, err := Load(text)
	if err != nil {
		return nil
	}
	if list, ok := obj.([]interface{}); ok {
		obj = firstMap(list)
	}
	m, ok := obj.(map[string]interface{})
	if !ok {
		return nil
	}
	if wrapped, ok := m["automation"].([]interface{}); ok {
		if inner := firstMap(wrapped); inner != nil {
			return inner
		}
	}
	return m
}

func firstMap(list []interface{}) map[string]interface{} {
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// AsList coerces a value into a list: nil and empty values yield an empty
// list, a list is returned as-is, any scalar becomes a one-element list.
func AsList(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if list, ok := v.([]interface{}); ok {
		return list
	}
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return []interface{}{v}
}

// CollectEntityIDs walks a document tree gathering entity-id-shaped tokens
// from string values. Values under "service"/"service_template" keys are
// skipped so service calls are not reported as entities.
func CollectEntityIDs(obj interface{}, out map[string]struct{}) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if key == "service" || key == "service_template" {
				continue
			}
			if s, ok := value.(string); ok {
				for _, id := range EntityIDPattern.FindAllString(s, -1) {
					out[id] = struct{}{}
				}
				continue
			}
			CollectEntityIDs(value, out)
		}
	case []interface{}:
		for _, item := range v {
			CollectEntityIDs(item, out)
		}
	}
}

// CollectServiceNames walks a document tree gathering service-call names
// from "service"/"service_template" keys.
func CollectServiceNames(obj interface{}, out map[string]struct{}) {
	switch v := obj.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if key == "service" || key == "service_template" {
				if s, ok := value.(string); ok {
					out[strings.TrimSpace(s)] = struct{}{}
				}
				continue
			}
			CollectServiceNames(value, out)
		}
	case []interface{}:
		for _, item := range v {
			CollectServiceNames(item, out)
		}
	}
}

// ScriptEntityID normalizes a script id to its entity-id form.
func ScriptEntityID(scriptID string) string {
	sid := strings.TrimSpace(scriptID)
	if sid == "" {
		return ""
	}
	if strings.Contains(sid, ".") {
		return sid
	}
	return "script." + sid
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns free text into a lowercase identifier.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "automation"
	}
	return s
}
