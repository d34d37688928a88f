package kb

import (
	"regexp"
	"strings"
	"time"

	"autosmith/internal/document"
	"autosmith/internal/logging"
)

// Caps on additive lists so a chatty user cannot grow the file unbounded.
const (
	maxLearnedHints = 120
	maxGeneralNotes = 200
	hintDedupWindow = 80
)

var scriptPurposePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:use|run|trigger|call|start|fire)\s+(script\.[a-z0-9_]+)\s+(?:for|to)\s+([^.;\n]+)`),
	regexp.MustCompile(`(?i)(?:for|to)\s+([^.;\n]+?)\s+(?:use|run|trigger|call|start|fire)\s+(script\.[a-z0-9_]+)`),
	regexp.MustCompile(`(?i)(script\.[a-z0-9_]+)\s+(?:handles|does|is for|is used for|runs)\s+([^.;\n]+)`),
}

var contextTagKeywords = map[string][]string{
	"todo":     {"todo", "to-do", "task list", "shopping list"},
	"calendar": {"calendar", "event", "agenda", "schedule"},
	"reminder": {"remind", "reminder", "alert me"},
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func nowStamp() string {
	return time.Now().Format("20060102_150405")
}

// Preview is the non-committing dry run of a learn operation.
type Preview struct {
	Entities       []string            `json:"entities"`
	Scripts        []string            `json:"scripts"`
	Tags           []string            `json:"tags"`
	DomainEntities map[string][]string `json:"domain_entities"`
}

// Committed reports what a learn commit actually stored.
type Committed struct {
	Entities []string `json:"entities"`
	Scripts  []string `json:"scripts"`
	Context  []string `json:"context"`
	Notes    []string `json:"notes"`
}

// Learned aggregates commits over a whole conversation history.
type Learned struct {
	SavedEntities []string `json:"saved_entities"`
	SavedScripts  []string `json:"saved_scripts"`
	SavedContext  []string `json:"saved_context"`
	SavedNotes    []string `json:"saved_notes"`
}

// HistoryTurn is one conversation message offered for learning.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func noteEntityIDs(note string) []string {
	set := make(map[string]struct{})
	for _, eid := range document.EntityIDPattern.FindAllString(note, -1) {
		set[eid] = struct{}{}
	}
	return sortedKeys(set)
}

func noteScriptIDs(note string) []string {
	set := make(map[string]struct{})
	for _, sid := range document.ScriptIDPattern.FindAllString(note, -1) {
		set[strings.ToLower(sid)] = struct{}{}
	}
	return sortedKeys(set)
}

func noteContextTags(note string) ([]string, map[string][]string) {
	text := strings.ToLower(note)
	tags := make(map[string]struct{})
	for tag, keywords := range contextTagKeywords {
		for _, keyword := range keywords {
			if strings.Contains(text, keyword) {
				tags[tag] = struct{}{}
				break
			}
		}
	}

	domainEntities := make(map[string][]string)
	for _, eid := range noteEntityIDs(note) {
		domain := strings.ToLower(strings.SplitN(eid, ".", 2)[0])
		if domain != "todo" && domain != "calendar" {
			continue
		}
		tags[domain] = struct{}{}
		if !containsString(domainEntities[domain], eid) {
			domainEntities[domain] = append(domainEntities[domain], eid)
		}
	}
	return sortedKeys(tags), domainEntities
}

// LearnPreview extracts what a commit of note would store, without storing.
func (m *Manager) LearnPreview(note string) Preview {
	tags, domainEntities := noteContextTags(note)
	return Preview{
		Entities:       noteEntityIDs(note),
		Scripts:        noteScriptIDs(note),
		Tags:           tags,
		DomainEntities: domainEntities,
	}
}

// LearnCommit merges a note into the base. The merge is additive: existing
// hints are overwritten per entity but never removed, bounded lists drop only
// their oldest entries. A note that yields no structured facts is stored as a
// general note.
func (m *Manager) LearnCommit(note string) (Committed, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Committed{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	committed := Committed{
		Entities: m.commitEntityHintsLocked(note),
		Scripts:  m.commitScriptHintsLocked(note),
		Context:  m.commitContextHintsLocked(note),
	}
	if len(committed.Entities) == 0 && len(committed.Scripts) == 0 && len(committed.Context) == 0 {
		committed.Notes = m.commitGeneralNoteLocked(note)
	}

	if err := m.saveLocked(); err != nil {
		return Committed{}, err
	}
	logging.KB("Learned from note: %d entities, %d scripts, %d tags, %d notes",
		len(committed.Entities), len(committed.Scripts), len(committed.Context), len(committed.Notes))
	return committed, nil
}

func (m *Manager) commitEntityHintsLocked(note string) []string {
	entityIDs := noteEntityIDs(note)
	if len(entityIDs) == 0 {
		return nil
	}
	if m.caps.UserContext.EntityHints == nil {
		m.caps.UserContext.EntityHints = make(map[string]Hint)
	}
	stamp := nowStamp()
	for _, eid := range entityIDs {
		m.caps.UserContext.EntityHints[eid] = Hint{Note: clip(note, 500), Updated: stamp}
	}
	return entityIDs
}

func (m *Manager) commitScriptHintsLocked(note string) []string {
	scriptIDs := noteScriptIDs(note)
	if len(scriptIDs) == 0 {
		return nil
	}

	purposes := make(map[string]string)
	for _, pattern := range scriptPurposePatterns {
		for _, match := range pattern.FindAllStringSubmatch(note, -1) {
			if len(match) != 3 {
				continue
			}
			scriptID, purpose := match[1], match[2]
			if !strings.HasPrefix(strings.ToLower(scriptID), "script.") {
				scriptID, purpose = purpose, scriptID
			}
			scriptID = strings.ToLower(scriptID)
			purpose = whitespacePattern.ReplaceAllString(strings.TrimSpace(purpose), " ")
			if scriptID != "" && purpose != "" {
				if _, seen := purposes[scriptID]; !seen {
					purposes[scriptID] = clip(purpose, 160)
				}
			}
		}
	}

	stamp := nowStamp()
	for _, scriptID := range scriptIDs {
		idx := -1
		for i, entry := range m.caps.Scripts {
			if entry.EntityID == scriptID {
				idx = i
				break
			}
		}
		if idx < 0 {
			m.caps.Scripts = append(m.caps.Scripts, ScriptHint{EntityID: scriptID})
			idx = len(m.caps.Scripts) - 1
		}
		entry := &m.caps.Scripts[idx]
		if purpose := purposes[scriptID]; purpose != "" {
			entry.Purpose = purpose
		} else if entry.Purpose == "" {
			entry.Note = clip(note, 220)
		}
		entry.Updated = stamp
	}
	return scriptIDs
}

func (m *Manager) commitContextHintsLocked(note string) []string {
	tags, domainEntities := noteContextTags(note)
	if len(tags) == 0 && len(domainEntities) == 0 {
		return nil
	}

	if m.caps.LearnedContext.Entities == nil {
		m.caps.LearnedContext.Entities = make(map[string][]string)
	}
	for domain, ids := range domainEntities {
		for _, eid := range ids {
			if !containsString(m.caps.LearnedContext.Entities[domain], eid) {
				m.caps.LearnedContext.Entities[domain] = append(m.caps.LearnedContext.Entities[domain], eid)
			}
		}
	}

	entry := ContextHint{Note: clip(note, 220), Tags: tags, Updated: nowStamp()}
	hints := m.caps.LearnedContext.Hints
	window := hints
	if len(window) > hintDedupWindow {
		window = window[len(window)-hintDedupWindow:]
	}
	duplicate := false
	for _, h := range window {
		if h.Note == entry.Note && equalStrings(h.Tags, entry.Tags) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		hints = append(hints, entry)
	}
	if len(hints) > maxLearnedHints {
		hints = hints[len(hints)-maxLearnedHints:]
	}
	m.caps.LearnedContext.Hints = hints
	return tags
}

func (m *Manager) commitGeneralNoteLocked(note string) []string {
	entry := Hint{Note: clip(note, 500), Updated: nowStamp()}
	notes := append(m.caps.UserContext.Notes, entry)
	if len(notes) > maxGeneralNotes {
		notes = notes[len(notes)-maxGeneralNotes:]
	}
	m.caps.UserContext.Notes = notes
	return []string{entry.Note}
}

// LearnFromHistory commits every distinct user turn of a conversation, plus
// an optional extra note, and aggregates what was stored.
func (m *Manager) LearnFromHistory(history []HistoryTurn, extraNote string) (Learned, error) {
	seen := make(map[string]struct{})
	savedEntities := make(map[string]struct{})
	savedScripts := make(map[string]struct{})
	savedContext := make(map[string]struct{})
	savedNotes := make(map[string]struct{})

	commit := func(note string) error {
		note = strings.TrimSpace(note)
		if note == "" {
			return nil
		}
		if _, dup := seen[note]; dup {
			return nil
		}
		seen[note] = struct{}{}
		committed, err := m.LearnCommit(note)
		if err != nil {
			return err
		}
		addAll(savedEntities, committed.Entities)
		addAll(savedScripts, committed.Scripts)
		addAll(savedContext, committed.Context)
		addAll(savedNotes, committed.Notes)
		return nil
	}

	for _, turn := range history {
		if !strings.EqualFold(turn.Role, "user") {
			continue
		}
		if err := commit(turn.Text); err != nil {
			return Learned{}, err
		}
	}
	if extraNote != "" {
		if err := commit(extraNote); err != nil {
			return Learned{}, err
		}
	}

	return Learned{
		SavedEntities: sortedKeys(savedEntities),
		SavedScripts:  sortedKeys(savedScripts),
		SavedContext:  sortedKeys(savedContext),
		SavedNotes:    sortedKeys(savedNotes),
	}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func addAll(set map[string]struct{}, items []string) {
	for _, item := range items {
		set[item] = struct{}{}
	}
}
