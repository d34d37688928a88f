// Package combine merges several automations into one. The builder produces
// the merged document, the result is written as a new entity, and every
// source automation is disabled independently so one failure cannot block
// the others.
package combine

import (
	"context"
	"fmt"
	"strings"

	"autosmith/internal/agent"
	"autosmith/internal/config"
	"autosmith/internal/document"
	"autosmith/internal/hass"
	"autosmith/internal/kb"
	"autosmith/internal/logging"
	"autosmith/internal/snapshot"
	"autosmith/internal/usage"
)

const mergeContract = "Return ONLY minified JSON keys: alias, description, trigger, condition, action, mode, initial_state. " +
	"No other keys. " +
	"The result must preserve every trigger and behavior of the member automations. " +
	"Use real services. Keep under 1200 characters."

const mergeAddendum = "If any detail is uncertain, keep the merge literal: concatenate triggers and guard each " +
	"action group with the conditions of its source automation."

// Coordinator runs combine operations.
type Coordinator struct {
	agents agent.Client
	store  *hass.Client
	snaps  *snapshot.Store
	kb     *kb.Manager
	roles  config.AgentRoles
	ledger *usage.Ledger
}

// Config wires the coordinator's collaborators.
type Config struct {
	Agents    agent.Client
	Store     *hass.Client
	Snapshots *snapshot.Store
	KB        *kb.Manager
	Roles     config.AgentRoles
	Ledger    *usage.Ledger
}

// Request names the automations to merge.
type Request struct {
	EntityIDs   []string `json:"entity_ids"`
	Adjustments string   `json:"adjustments,omitempty"`
	AliasHint   string   `json:"alias_hint,omitempty"`
}

// DisableFailure names a source that could not be disabled so the caller can
// reconcile it by hand.
type DisableFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result reports the merged entity and the per-source disable outcomes.
type Result struct {
	NewEntityID   string            `json:"new_entity_id"`
	Alias         string            `json:"alias"`
	Document      string            `json:"document"`
	Disabled      []string          `json:"disabled"`
	DisableFailed []DisableFailure  `json:"disable_failed"`
	AgentStatus   []agent.Status    `json:"agent_status,omitempty"`
	Version       *snapshot.Version `json:"version,omitempty"`
}

func New(cfg Config) *Coordinator {
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = usage.NewLedger(usage.Rates{})
	}
	return &Coordinator{
		agents: cfg.Agents,
		store:  cfg.Store,
		snaps:  cfg.Snapshots,
		kb:     cfg.KB,
		roles:  cfg.Roles,
		ledger: ledger,
	}
}

// Combine merges at least two automations into a new one. Sources are
// disabled afterwards; a disable failure is reported, not fatal.
func (c *Coordinator) Combine(ctx context.Context, req Request) (Result, error) {
	ids := dedupe(req.EntityIDs)
	if len(ids) < 2 {
		return Result{}, fmt.Errorf("need at least two automations to combine, got %d", len(ids))
	}

	members := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		doc, _, err := c.store.Get(ctx, id)
		if err != nil {
			return Result{}, err
		}
		members = append(members, map[string]interface{}{
			"entity_id": id,
			"yaml":      doc,
		})
	}

	instruction := fmt.Sprintf(
		"Merge the following %d automations into ONE automation that preserves every trigger and behavior of each member.",
		len(ids))
	if req.AliasHint != "" {
		instruction += fmt.Sprintf(" Name the result %q.", req.AliasHint)
	}
	if req.Adjustments != "" {
		instruction += " Adjustments: " + req.Adjustments
	}

	payload := map[string]interface{}{
		"request":         instruction,
		"source":          "combine",
		"entity_type":     "automation",
		"members":         members,
		"candidates":      []interface{}{},
		"capabilities":    c.kb.Slim(),
		"output_contract": mergeContract,
	}

	trace := agent.NewTrace()
	out, used, err := agent.CallBuilderJSON(ctx, c.agents, c.roles.Builder, c.roles.DumbBuilder, payload, payload, mergeAddendum, trace)
	c.ledger.Track("builder", "combine", used.InputTokens, used.OutputTokens)
	if err != nil {
		return Result{AgentStatus: trace.Finish()}, err
	}

	merged := mergedConfig(out, req.AliasHint)
	alias, _ := merged["alias"].(string)
	doc, err := document.Dump(merged)
	if err != nil {
		return Result{AgentStatus: trace.Finish()}, fmt.Errorf("failed to render merged document: %w", err)
	}
	newEntityID := "automation." + document.Slug(alias)

	if _, err := c.store.Write(ctx, newEntityID, doc); err != nil {
		return Result{AgentStatus: trace.Finish()}, err
	}
	note := "combine of " + strings.Join(ids, ", ")
	version, err := c.snaps.CreateVersion(newEntityID, doc, snapshot.ReasonCombine, note)
	if err != nil {
		return Result{NewEntityID: newEntityID, Alias: alias, Document: doc, AgentStatus: trace.Finish()}, err
	}

	res := Result{
		NewEntityID: newEntityID,
		Alias:       alias,
		Document:    doc,
		Version:     version,
	}
	for _, id := range ids {
		if err := c.store.SetState(ctx, id, "off"); err != nil {
			logging.Apply("failed to disable %s after combine: %v", id, err)
			res.DisableFailed = append(res.DisableFailed, DisableFailure{ID: id, Error: err.Error()})
			continue
		}
		res.Disabled = append(res.Disabled, id)
	}
	res.AgentStatus = trace.Finish()

	logging.Apply("combined %s into %s (%d disabled, %d failed)",
		strings.Join(ids, ", "), newEntityID, len(res.Disabled), len(res.DisableFailed))
	return res, nil
}

func mergedConfig(out map[string]interface{}, aliasHint string) map[string]interface{} {
	str := func(key, fallback string) string {
		if v, ok := out[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	list := func(key string) []interface{} {
		if l := document.AsList(out[key]); l != nil {
			return l
		}
		return []interface{}{}
	}
	aliasFallback := aliasHint
	if aliasFallback == "" {
		aliasFallback = "Combined Automation"
	}
	initial := true
	if v, ok := out["initial_state"].(bool); ok {
		initial = v
	}
	return map[string]interface{}{
		"alias":         str("alias", aliasFallback),
		"description":   str("description", ""),
		"trigger":       list("trigger"),
		"condition":     list("condition"),
		"action":        list("action"),
		"mode":          str("mode", "single"),
		"initial_state": initial,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
