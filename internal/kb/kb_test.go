package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"autosmith/internal/hass"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "capabilities.yaml"), nil)
}

func TestLearnPreview(t *testing.T) {
	m := newTestManager(t)

	p := m.LearnPreview("Use script.evening_scene to dim the lights, and add milk to todo.shopping_list")
	if len(p.Entities) == 0 || !containsString(p.Entities, "todo.shopping_list") {
		t.Errorf("Expected todo.shopping_list in entities, got %v", p.Entities)
	}
	if !containsString(p.Scripts, "script.evening_scene") {
		t.Errorf("Expected script in preview, got %v", p.Scripts)
	}
	if !containsString(p.Tags, "todo") {
		t.Errorf("Expected todo tag, got %v", p.Tags)
	}
	if !containsString(p.DomainEntities["todo"], "todo.shopping_list") {
		t.Errorf("Expected domain entity, got %v", p.DomainEntities)
	}
}

func TestLearnCommit_EntityHints(t *testing.T) {
	m := newTestManager(t)

	committed, err := m.LearnCommit("light.kitchen is the main kitchen light")
	if err != nil {
		t.Fatalf("LearnCommit failed: %v", err)
	}
	if !containsString(committed.Entities, "light.kitchen") {
		t.Errorf("Expected light.kitchen committed, got %v", committed.Entities)
	}

	caps := m.Snapshot()
	hint, ok := caps.UserContext.EntityHints["light.kitchen"]
	if !ok || hint.Note == "" || hint.Updated == "" {
		t.Errorf("Expected stored hint, got %+v", hint)
	}

	// Persisted to disk.
	data, err := os.ReadFile(m.path)
	if err != nil {
		t.Fatalf("Reading capabilities file: %v", err)
	}
	var onDisk Capabilities
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("Unmarshal capabilities file: %v", err)
	}
	if _, ok := onDisk.UserContext.EntityHints["light.kitchen"]; !ok {
		t.Error("Hint not persisted")
	}
}

func TestLearnCommit_ScriptPurpose(t *testing.T) {
	m := newTestManager(t)

	_, err := m.LearnCommit("Use script.goodnight for shutting everything down at night")
	if err != nil {
		t.Fatalf("LearnCommit failed: %v", err)
	}

	caps := m.Snapshot()
	if len(caps.Scripts) != 1 {
		t.Fatalf("Expected 1 script entry, got %d", len(caps.Scripts))
	}
	if caps.Scripts[0].EntityID != "script.goodnight" {
		t.Errorf("Unexpected script id %q", caps.Scripts[0].EntityID)
	}
	if caps.Scripts[0].Purpose != "shutting everything down at night" {
		t.Errorf("Unexpected purpose %q", caps.Scripts[0].Purpose)
	}

	// Committing again is additive, not duplicating.
	if _, err := m.LearnCommit("script.goodnight handles the night shutdown"); err != nil {
		t.Fatalf("LearnCommit failed: %v", err)
	}
	caps = m.Snapshot()
	if len(caps.Scripts) != 1 {
		t.Errorf("Expected script entry merged, got %d entries", len(caps.Scripts))
	}
	if caps.Scripts[0].Purpose != "the night shutdown" {
		t.Errorf("Expected purpose updated, got %q", caps.Scripts[0].Purpose)
	}
}

func TestLearnCommit_GeneralNoteFallback(t *testing.T) {
	m := newTestManager(t)

	committed, err := m.LearnCommit("prefer gentle wake up routines in the morning")
	if err != nil {
		t.Fatalf("LearnCommit failed: %v", err)
	}
	if len(committed.Entities) != 0 || len(committed.Scripts) != 0 || len(committed.Context) != 0 {
		t.Errorf("Expected plain note commit, got %+v", committed)
	}
	if len(committed.Notes) != 1 {
		t.Fatalf("Expected 1 general note, got %d", len(committed.Notes))
	}
	if got := m.Snapshot().UserContext.Notes; len(got) != 1 {
		t.Errorf("Expected note stored, got %v", got)
	}
}

func TestLearnCommit_HintDedupAndCap(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		if _, err := m.LearnCommit("remind me about the calendar agenda"); err != nil {
			t.Fatalf("LearnCommit failed: %v", err)
		}
	}
	caps := m.Snapshot()
	if len(caps.LearnedContext.Hints) != 1 {
		t.Errorf("Expected duplicate hints collapsed, got %d", len(caps.LearnedContext.Hints))
	}
	if !containsString(caps.LearnedContext.Hints[0].Tags, "reminder") {
		t.Errorf("Expected reminder tag, got %v", caps.LearnedContext.Hints[0].Tags)
	}
}

func TestLearnFromHistory_UserTurnsOnly(t *testing.T) {
	m := newTestManager(t)

	history := []HistoryTurn{
		{Role: "user", Text: "light.hall should turn on at sunset"},
		{Role: "assistant", Text: "entity sensor.fake_from_assistant noted"},
		{Role: "user", Text: "light.hall should turn on at sunset"},
	}
	learned, err := m.LearnFromHistory(history, "")
	if err != nil {
		t.Fatalf("LearnFromHistory failed: %v", err)
	}
	if !containsString(learned.SavedEntities, "light.hall") {
		t.Errorf("Expected light.hall learned, got %v", learned.SavedEntities)
	}
	if containsString(learned.SavedEntities, "sensor.fake_from_assistant") {
		t.Error("Assistant turns must not be learned")
	}
}

func TestCheckDocument(t *testing.T) {
	m := newTestManager(t)

	doc := `alias: Test
trigger:
  - platform: state
    entity_id: light.known
action:
  - service: light.turn_on
    target:
      entity_id: light.unknown
`

	// Empty base produces no report.
	if _, ok := m.CheckDocument(doc); ok {
		t.Error("Expected no report from empty base")
	}

	m.mu.Lock()
	m.caps.Inventory.Entities = []EntityInfo{{EntityID: "light.known"}}
	m.caps.Inventory.Services = []string{"light.turn_on", "light.turn_off"}
	m.mu.Unlock()

	report, ok := m.CheckDocument(doc)
	if !ok {
		t.Fatal("Expected a report from populated base")
	}
	if !containsString(report.MissingEntities, "light.unknown") {
		t.Errorf("Expected light.unknown missing, got %v", report.MissingEntities)
	}
	if containsString(report.MissingEntities, "light.known") {
		t.Error("Known entity must not be reported")
	}
	// Service values are not scanned as entity ids.
	if containsString(report.MissingEntities, "light.turn_on") {
		t.Error("Service names must not leak into entity report")
	}
	if len(report.MissingServices) != 0 {
		t.Errorf("Expected no missing services, got %v", report.MissingServices)
	}
}

func TestRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/states":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]string{"friendly_name": "Kitchen"}},
				{"entity_id": "script.goodnight", "state": "off", "attributes": map[string]string{"friendly_name": "Goodnight"}},
			})
		case "/api/services":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"domain": "light", "services": map[string]interface{}{"turn_on": map[string]string{}}},
			})
		case "/api/config/automation/config":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "1", "alias": "A", "trigger": []map[string]interface{}{{"platform": "state", "entity_id": "binary_sensor.door"}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	m := NewManager(filepath.Join(t.TempDir(), "capabilities.yaml"), hass.NewClient(server.URL, "token"))

	inv, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(inv.Entities) != 1 || inv.Entities[0].EntityID != "light.kitchen" {
		t.Errorf("Unexpected entities %+v", inv.Entities)
	}
	if len(inv.Scripts) != 1 || inv.Scripts[0].EntityID != "script.goodnight" {
		t.Errorf("Unexpected scripts %+v", inv.Scripts)
	}
	if len(inv.Services) != 1 || inv.Services[0] != "light.turn_on" {
		t.Errorf("Unexpected services %v", inv.Services)
	}
	if !containsString(inv.UsedEntities, "binary_sensor.door") {
		t.Errorf("Expected used entity collected, got %v", inv.UsedEntities)
	}

	// The refreshed base now validates documents.
	report, ok := m.CheckDocument("alias: X\naction:\n  - service: light.turn_on\n    target:\n      entity_id: light.kitchen\n")
	if !ok || len(report.MissingEntities) != 0 {
		t.Errorf("Expected clean report after refresh, ok=%v report=%+v", ok, report)
	}
}

func TestSlim_Bounded(t *testing.T) {
	m := newTestManager(t)

	m.mu.Lock()
	for i := 0; i < 300; i++ {
		m.caps.Inventory.Entities = append(m.caps.Inventory.Entities, EntityInfo{EntityID: "light.x"})
	}
	for i := 0; i < 60; i++ {
		m.caps.LearnedContext.Hints = append(m.caps.LearnedContext.Hints, ContextHint{Note: "n"})
	}
	m.mu.Unlock()

	slim := m.Slim()
	if got := len(slim["entities"].([]string)); got != 200 {
		t.Errorf("Expected entities capped at 200, got %d", got)
	}
	learned := slim["learned_context"].(map[string]interface{})
	if got := len(learned["hints"].([]string)); got != 40 {
		t.Errorf("Expected hints capped at 40, got %d", got)
	}
}

func TestWatchReloadsExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	m := NewManager(path, nil)
	if err := m.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer m.Close()

	edited := Capabilities{
		Inventory: Inventory{UsedEntities: []string{"light.garage"}},
	}
	data, err := yaml.Marshal(&edited)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		caps := m.Snapshot()
		if containsString(caps.Inventory.UsedEntities, "light.garage") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("external edit was not picked up by the watcher")
}
