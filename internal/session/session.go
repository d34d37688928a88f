// Package session coordinates multi-agent editing conversations. Each entity
// gets its own Session holding the conversation thread, the draft document,
// and the per-call cancellation bookkeeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"autosmith/internal/agent"
	"autosmith/internal/config"
	"autosmith/internal/diff"
	"autosmith/internal/document"
	"autosmith/internal/fault"
	"autosmith/internal/hass"
	"autosmith/internal/kb"
	"autosmith/internal/logging"
	"autosmith/internal/snapshot"
	"autosmith/internal/usage"
)

// State is the lifecycle phase of one editing session.
type State string

const (
	StateIdle       State = "idle"
	StatePlanning   State = "planning"
	StateFinalizing State = "finalizing"
	StateApplied    State = "applied"
	StateCancelled  State = "cancelled"
)

const defaultMinConfidence = 0.55

// Session is the per-entity conversation state. All fields are guarded by mu;
// methods never hold the lock across a network call.
type Session struct {
	mu sync.Mutex

	entityID   string
	entityType string

	state          State
	conversationID string
	contextSent    bool
	history        []snapshot.Turn
	draft          string
	lastError      string

	ledger   *usage.Ledger
	calls    map[uint64]context.CancelFunc
	nextCall uint64
}

// Info is a read-only snapshot of a session for callers.
type Info struct {
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	State          State           `json:"state"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ContextSent    bool            `json:"context_sent"`
	Draft          string          `json:"draft,omitempty"`
	History        []snapshot.Turn `json:"history,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Pending        int             `json:"pending"`
}

// PlanResult is the outcome of one planning turn.
type PlanResult struct {
	FastPath       bool           `json:"fast_path"`
	Notes          []string       `json:"notes,omitempty"`
	Draft          string         `json:"draft,omitempty"`
	Reply          string         `json:"reply,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	State          State          `json:"state"`
	AgentStatus    []agent.Status `json:"agent_status,omitempty"`
	Saved          kb.Committed   `json:"saved"`
}

// FinalizeResult carries the candidate draft plus every annotation the helper
// roles managed to produce.
type FinalizeResult struct {
	FinalPrompt    string         `json:"final_prompt"`
	Draft          string         `json:"draft"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Summary        string         `json:"summary"`
	Check          kb.CheckReport `json:"check"`
	AgentStatus    []agent.Status `json:"agent_status,omitempty"`
	Learned        kb.Learned     `json:"learned"`
	State          State          `json:"state"`
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Agents        agent.Client
	Store         *hass.Client
	Snapshots     *snapshot.Store
	KB            *kb.Manager
	Roles         config.AgentRoles
	Rates         usage.Rates
	MinConfidence float64
}

// Orchestrator owns every open session, keyed by entity id. Sessions are
// independent; there is no cross-entity lock. Entries are created lazily on
// first touch and evicted by Reset once they hold no draft and no
// outstanding calls.
type Orchestrator struct {
	mu       sync.Mutex
	sessions map[string]*Session

	agents        agent.Client
	store         *hass.Client
	snaps         *snapshot.Store
	kb            *kb.Manager
	roles         config.AgentRoles
	rates         usage.Rates
	minConfidence float64
}

// New creates an orchestrator with no open sessions.
func New(cfg Config) *Orchestrator {
	min := cfg.MinConfidence
	if min <= 0 {
		min = defaultMinConfidence
	}
	return &Orchestrator{
		sessions:      make(map[string]*Session),
		agents:        cfg.Agents,
		store:         cfg.Store,
		snaps:         cfg.Snapshots,
		kb:            cfg.KB,
		roles:         cfg.Roles,
		rates:         cfg.Rates,
		minConfidence: min,
	}
}

func (o *Orchestrator) session(entityID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[entityID]; ok {
		return s
	}
	entityType := "automation"
	if strings.HasPrefix(entityID, "script.") {
		entityType = "script"
	}
	s := &Session{
		entityID:   entityID,
		entityType: entityType,
		state:      StateIdle,
		ledger:     usage.NewLedger(o.rates),
		calls:      make(map[uint64]context.CancelFunc),
	}
	// Resume a conversation persisted by an earlier process. The document
	// context was already delivered on that conversation's first turn.
	if convID, err := o.snaps.Conversation(entityID); err == nil && convID != "" {
		s.conversationID = convID
		s.contextSent = true
		if turns, err := o.snaps.History(entityID); err == nil {
			s.history = turns
		}
	}
	o.sessions[entityID] = s
	return s
}

func (o *Orchestrator) lookup(entityID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[entityID]
}

// beginCall registers a cancellable context for one outbound agent call.
// The returned release func must be called when the call settles.
func (s *Session) beginCall(ctx context.Context) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.nextCall++
	id := s.nextCall
	s.calls[id] = cancel
	s.mu.Unlock()
	var once sync.Once
	return callCtx, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.calls, id)
			s.mu.Unlock()
			cancel()
		})
	}
}

// currentDocument prefers the in-session draft, falling back to the live
// document from the store.
func (o *Orchestrator) currentDocument(ctx context.Context, s *Session) string {
	s.mu.Lock()
	draft := s.draft
	s.mu.Unlock()
	if draft != "" {
		return draft
	}
	if o.store == nil || !o.store.Configured() {
		return ""
	}
	doc, _, err := o.store.Get(ctx, s.entityID)
	if err != nil {
		logging.SessionDebug("live document fetch failed for %s: %v", s.entityID, err)
		return ""
	}
	return doc
}

// Plan handles one user turn. From Idle with no open conversation a
// small-edit prompt is applied locally without contacting any agent;
// everything else goes to the architect and the session enters Planning.
func (o *Orchestrator) Plan(ctx context.Context, entityID, text string) (PlanResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PlanResult{}, fmt.Errorf("missing text")
	}
	s := o.session(entityID)

	s.mu.Lock()
	fastEligible := s.state == StateIdle && s.conversationID == ""
	s.mu.Unlock()

	doc := o.currentDocument(ctx, s)

	if fastEligible && doc != "" {
		obj := document.CoerceMap(doc)
		if obj != nil {
			if changed, notes := ApplyLocalEditRules(text, obj, s.entityType); changed {
				out, err := document.Dump(obj)
				if err == nil {
					s.mu.Lock()
					s.draft = out
					s.lastError = ""
					state := s.state
					s.mu.Unlock()
					logging.Session("fast path edit for %s: %s", entityID, strings.Join(notes, ", "))
					return PlanResult{FastPath: true, Notes: notes, Draft: out, State: state}, nil
				}
				logging.SessionDebug("fast path dump failed for %s: %v", entityID, err)
			}
		}
	}

	if o.roles.Architect == "" {
		return PlanResult{}, &fault.AgentError{Role: "architect", Op: "plan", Detail: "agent_id_not_set"}
	}

	s.mu.Lock()
	convID := s.conversationID
	firstTurn := convID == ""
	sendContext := !s.contextSent && doc != ""
	label := s.entityType
	s.mu.Unlock()

	var parts []string
	if firstTurn {
		capsJSON, err := json.Marshal(o.kb.Slim())
		if err == nil {
			parts = append(parts, "CAPABILITIES_JSON:\n"+string(capsJSON))
		}
	}
	if sendContext {
		parts = append(parts, fmt.Sprintf("Context: You are discussing edits to %s %s.\nCURRENT %s YAML:\n%s",
			label, entityID, strings.ToUpper(label), doc))
	} else if doc == "" {
		parts = append(parts, fmt.Sprintf("Context: You are planning a new %s.", label))
	}
	parts = append(parts,
		"Guidance: If the user does not specify exact entity_ids or services, infer them from CAPABILITIES_JSON "+
			"and known candidates; make reasonable assumptions and proceed.",
		"FORMAT: Use markdown-style hints for readability: start sections with '### Heading', use bullet lists "+
			"with '-' or numbered lists '1.', and use ##bold## for emphasis. Keep it concise.",
		"USER MESSAGE:\n"+text)
	prompt := strings.Join(parts, "\n\n")

	// The user turn lands in history before the call goes out so a
	// cancelled reply cannot erase it.
	userTurn := snapshot.Turn{Role: "user", Text: text}
	s.mu.Lock()
	s.history = append(s.history, userTurn)
	s.state = StatePlanning
	s.mu.Unlock()
	if err := o.snaps.AppendTurn(entityID, "user", text); err != nil {
		logging.SessionDebug("failed to persist user turn for %s: %v", entityID, err)
	}

	trace := agent.NewTrace()
	callCtx, release := s.beginCall(ctx)
	res, err := o.agents.Chat(callCtx, o.roles.Architect, prompt, convID)
	release()
	s.ledger.Track("architect", "plan", res.Usage.InputTokens, res.Usage.OutputTokens)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return PlanResult{State: o.stateOf(s)}, err
		}
		trace.Record("architect", o.roles.Architect, false, "exception")
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		return PlanResult{State: StatePlanning, AgentStatus: trace.Finish()},
			fmt.Errorf("architect call failed: %w", err)
	}
	trace.Record("architect", o.roles.Architect, true, "")

	s.mu.Lock()
	if res.ConversationID != "" {
		s.conversationID = res.ConversationID
	}
	if sendContext {
		s.contextSent = true
	}
	s.history = append(s.history, snapshot.Turn{Role: "assistant", Text: res.Reply})
	s.lastError = ""
	newConvID := s.conversationID
	s.mu.Unlock()
	if err := o.snaps.AppendTurn(entityID, "assistant", res.Reply); err != nil {
		logging.SessionDebug("failed to persist assistant turn for %s: %v", entityID, err)
	}
	if newConvID != "" {
		if err := o.snaps.SetConversation(entityID, newConvID); err != nil {
			logging.SessionDebug("failed to persist conversation for %s: %v", entityID, err)
		}
	}

	saved := o.saveHints(text)
	logging.Session("planned turn for %s (conversation %s)", entityID, newConvID)

	return PlanResult{
		Reply:          res.Reply,
		ConversationID: newConvID,
		State:          StatePlanning,
		AgentStatus:    trace.Finish(),
		Saved:          saved,
	}, nil
}

// saveHints stores knowledge-base hints when the user message actually
// carries entity ids, script ids, or context keywords. Plain chatter is not
// committed as a general note.
func (o *Orchestrator) saveHints(text string) kb.Committed {
	preview := o.kb.LearnPreview(text)
	if len(preview.Entities) == 0 && len(preview.Scripts) == 0 && len(preview.Tags) == 0 {
		return kb.Committed{}
	}
	committed, err := o.kb.LearnCommit(text)
	if err != nil {
		logging.KBDebug("hint commit failed: %v", err)
		return kb.Committed{}
	}
	return committed
}

// Finalize asks the architect for the final build instruction, hands it to
// the builder ladder, and annotates the candidate with the helper roles.
// Helper failures degrade the annotations; a builder failure leaves the
// draft untouched and the session in Finalizing.
func (o *Orchestrator) Finalize(ctx context.Context, entityID string) (FinalizeResult, error) {
	s := o.session(entityID)

	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return FinalizeResult{State: StateCancelled}, fmt.Errorf("session for %s is cancelled", entityID)
	}
	s.state = StateFinalizing
	convID := s.conversationID
	label := s.entityType
	history := append([]snapshot.Turn(nil), s.history...)
	s.mu.Unlock()

	if o.roles.Architect == "" {
		return FinalizeResult{State: StateFinalizing}, &fault.AgentError{Role: "architect", Op: "finalize", Detail: "agent_id_not_set"}
	}

	doc := o.currentDocument(ctx, s)
	trace := agent.NewTrace()

	parts := []string{
		"We are ready to hand off to the builder agent.",
		fmt.Sprintf("Write the FINAL BUILDER PROMPT as direct instructions to the builder agent for a home %s.", label),
		"Do NOT address the user. Do NOT ask questions. No commentary.",
		"Assume clarifications are complete. If details are missing, make the best reasonable assumptions and proceed.",
		"Return ONLY the prompt text (plain instructions).",
	}
	if doc != "" {
		parts = append(parts,
			fmt.Sprintf("This is an EDIT of existing %s id: %s.", label, entityID),
			fmt.Sprintf("Use the PROVIDED %s YAML as the base and modify it.", strings.ToUpper(label)),
			fmt.Sprintf("%s_YAML:\n%s", strings.ToUpper(label), doc))
	}
	if convID == "" {
		if capsJSON, err := json.Marshal(o.kb.Slim()); err == nil {
			parts = append(parts, "CAPABILITIES_JSON:\n"+string(capsJSON))
		}
	}
	finalizePrompt := strings.Join(parts, "\n")

	callCtx, release := s.beginCall(ctx)
	res, err := o.agents.Chat(callCtx, o.roles.Architect, finalizePrompt, convID)
	release()
	s.ledger.Track("architect", "finalize", res.Usage.InputTokens, res.Usage.OutputTokens)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			trace.Record("architect", o.roles.Architect, false, "exception")
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
		}
		return FinalizeResult{State: StateFinalizing, AgentStatus: trace.Finish()},
			fmt.Errorf("architect finalize failed: %w", err)
	}
	finalText := strings.TrimSpace(res.Reply)
	if finalText == "" {
		trace.Record("architect", o.roles.Architect, false, "empty_reply")
		s.mu.Lock()
		s.lastError = "architect did not return a final prompt"
		s.mu.Unlock()
		return FinalizeResult{State: StateFinalizing, AgentStatus: trace.Finish()},
			&fault.AgentError{Role: "architect", AgentID: o.roles.Architect, Op: "finalize", Detail: "empty_reply"}
	}
	trace.Record("architect", o.roles.Architect, true, "")

	buildCtx, buildRelease := s.beginCall(ctx)
	payload := o.builderPayload(finalText, doc, label)
	out, err := o.callBuilder(buildCtx, s, trace, payload)
	buildRelease()
	if err != nil {
		s.mu.Lock()
		if !errors.Is(err, context.Canceled) {
			s.lastError = err.Error()
		}
		s.mu.Unlock()
		return FinalizeResult{FinalPrompt: finalText, State: StateFinalizing, AgentStatus: trace.Finish()}, err
	}

	candidate, err := document.Dump(candidateConfig(out, label))
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		return FinalizeResult{FinalPrompt: finalText, State: StateFinalizing, AgentStatus: trace.Finish()},
			fmt.Errorf("failed to render candidate document: %w", err)
	}

	summary := o.annotate(ctx, s, trace, finalText, doc, candidate)
	report, _ := o.kb.CheckDocument(candidate)

	turns := make([]kb.HistoryTurn, 0, len(history))
	for _, t := range history {
		turns = append(turns, kb.HistoryTurn{Role: t.Role, Text: t.Text})
	}
	learned, err := o.kb.LearnFromHistory(turns, "")
	if err != nil {
		logging.KBDebug("learn from history failed for %s: %v", entityID, err)
	}

	s.mu.Lock()
	s.draft = candidate
	s.state = StateIdle
	s.lastError = ""
	newConvID := s.conversationID
	if res.ConversationID != "" {
		s.conversationID = res.ConversationID
		newConvID = res.ConversationID
	}
	s.mu.Unlock()
	if newConvID != "" {
		if err := o.snaps.SetConversation(entityID, newConvID); err != nil {
			logging.SessionDebug("failed to persist conversation for %s: %v", entityID, err)
		}
	}

	logging.Session("finalized %s: %s", entityID, summary)
	return FinalizeResult{
		FinalPrompt:    finalText,
		Draft:          candidate,
		ConversationID: newConvID,
		Summary:        summary,
		Check:          report,
		AgentStatus:    trace.Finish(),
		Learned:        learned,
		State:          StateIdle,
	}, nil
}

// annotate fans out the helper roles. The summary and capability-mapper run
// as a chain, the diff summarizer in parallel. Every failure degrades to the
// local fallback and is reported through the trace.
func (o *Orchestrator) annotate(ctx context.Context, s *Session, trace *agent.Trace, finalText, baseDoc, candidate string) string {
	summary := diff.ChangeSummary(baseDoc, candidate)
	slim := o.kb.Slim()

	fallbackSummary := map[string]interface{}{
		"intent": "", "triggers": []interface{}{}, "conditions": []interface{}{},
		"actions": []interface{}{}, "entities": []interface{}{}, "services": []interface{}{},
		"helpers": []interface{}{}, "risks": []interface{}{}, "notes": []interface{}{},
		"confidence": 0,
	}

	var mu sync.Mutex
	var g errgroup.Group

	g.Go(func() error {
		callCtx, release := s.beginCall(ctx)
		defer release()
		summaryOut, u := agent.CallHelperJSON(callCtx, o.agents, "summary", o.roles.Summary, map[string]interface{}{
			"request":      finalText,
			"current_yaml": candidate,
			"candidates":   []interface{}{},
			"capabilities": slim,
		}, []string{"triggers", "conditions", "actions", "entities", "services", "confidence"}, o.minConfidence, trace)
		s.ledger.Track("summary", "finalize", u.InputTokens, u.OutputTokens)

		mapperIn := fallbackSummary
		if summaryOut != nil {
			mapperIn = summaryOut
		}
		mapperCtx, mapperRelease := s.beginCall(ctx)
		defer mapperRelease()
		_, mapperUsage := agent.CallHelperJSON(mapperCtx, o.agents, "capability_mapper", o.roles.CapabilityMapper, map[string]interface{}{
			"summary":      mapperIn,
			"capabilities": slim,
			"candidates":   []interface{}{},
		}, []string{"missing_entities", "missing_services", "questions", "confidence"}, o.minConfidence, trace)
		s.ledger.Track("capability_mapper", "finalize", mapperUsage.InputTokens, mapperUsage.OutputTokens)
		return nil
	})

	g.Go(func() error {
		callCtx, release := s.beginCall(ctx)
		defer release()
		diffOut, u := agent.CallHelperJSON(callCtx, o.agents, "semantic_diff", o.roles.SemanticDiff, map[string]interface{}{
			"before_yaml": baseDoc,
			"after_yaml":  candidate,
		}, []string{"summary", "confidence"}, o.minConfidence, trace)
		s.ledger.Track("semantic_diff", "finalize", u.InputTokens, u.OutputTokens)
		if diffOut != nil {
			if text, ok := diffOut["summary"].(string); ok && strings.TrimSpace(text) != "" {
				mu.Lock()
				summary = strings.TrimSpace(text)
				mu.Unlock()
			}
		}
		return nil
	})

	_ = g.Wait()
	mu.Lock()
	defer mu.Unlock()
	return summary
}

func (o *Orchestrator) stateOf(s *Session) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset clears the conversation thread. Versions and the draft survive.
func (o *Orchestrator) Reset(entityID string) error {
	s := o.lookup(entityID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.conversationID = ""
	s.contextSent = false
	s.history = nil
	s.lastError = ""
	s.state = StateIdle
	s.ledger.Reset()
	evict := len(s.calls) == 0 && s.draft == ""
	s.mu.Unlock()
	if err := o.snaps.ClearHistory(entityID); err != nil {
		return fmt.Errorf("failed to clear history for %s: %w", entityID, err)
	}
	if err := o.snaps.SetConversation(entityID, ""); err != nil {
		return fmt.Errorf("failed to clear conversation for %s: %w", entityID, err)
	}
	// A reset session with no draft and no outstanding calls holds nothing;
	// drop the registry entry and rebuild it lazily on the next touch.
	if evict {
		o.mu.Lock()
		if o.sessions[entityID] == s {
			delete(o.sessions, entityID)
		}
		o.mu.Unlock()
	}
	logging.Session("reset session for %s", entityID)
	return nil
}

// Cancel aborts every outstanding call of one session and parks it in
// Cancelled. History keeps any user turn that was already appended.
func (o *Orchestrator) Cancel(entityID string) int {
	s := o.lookup(entityID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.calls))
	for _, cancel := range s.calls {
		cancels = append(cancels, cancel)
	}
	if s.state == StatePlanning || s.state == StateFinalizing {
		s.state = StateCancelled
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		logging.Session("cancelled %d outstanding calls for %s", len(cancels), entityID)
	}
	return len(cancels)
}

// AbortAll cancels every outstanding call across all sessions. Idempotent;
// returns how many calls were aborted.
func (o *Orchestrator) AbortAll() int {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(s.calls))
		for _, cancel := range s.calls {
			cancels = append(cancels, cancel)
		}
		s.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		total += len(cancels)
	}
	if total > 0 {
		logging.Session("aborted %d outstanding calls", total)
	}
	return total
}

// Draft returns the current draft document, if any.
func (o *Orchestrator) Draft(entityID string) (string, bool) {
	s := o.lookup(entityID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft, s.draft != ""
}

// SetDraft overwrites the draft. Last write wins.
func (o *Orchestrator) SetDraft(entityID, doc string) {
	s := o.session(entityID)
	s.mu.Lock()
	s.draft = doc
	s.mu.Unlock()
}

// MarkApplied records that the draft reached the live store.
func (o *Orchestrator) MarkApplied(entityID string) {
	s := o.lookup(entityID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = StateApplied
	s.mu.Unlock()
}

// Info snapshots one session for display.
func (o *Orchestrator) Info(entityID string) Info {
	s := o.lookup(entityID)
	if s == nil {
		return Info{EntityID: entityID, EntityType: "automation", State: StateIdle}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		EntityID:       s.entityID,
		EntityType:     s.entityType,
		State:          s.state,
		ConversationID: s.conversationID,
		ContextSent:    s.contextSent,
		Draft:          s.draft,
		History:        append([]snapshot.Turn(nil), s.history...),
		LastError:      s.lastError,
		Pending:        len(s.calls),
	}
}

// Usage reports the session's token spend.
func (o *Orchestrator) Usage(entityID string) usage.Snapshot {
	s := o.lookup(entityID)
	if s == nil {
		return usage.NewLedger(o.rates).Snapshot()
	}
	return s.ledger.Snapshot()
}
