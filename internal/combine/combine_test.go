package combine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"autosmith/internal/agent"
	"autosmith/internal/config"
	"autosmith/internal/hass"
	"autosmith/internal/kb"
	"autosmith/internal/snapshot"
)

type fakeBuilder struct {
	mu      sync.Mutex
	reply   string
	calls   int
	lastReq string
}

func (f *fakeBuilder) Chat(ctx context.Context, agentID, text, conversationID string) (agent.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = text
	return agent.ChatResult{Reply: f.reply, Usage: agent.Usage{InputTokens: 200, OutputTokens: 80}}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	configs  map[string]map[string]interface{}
	disabled []string
	failOff  map[string]bool
}

func (f *fakeStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/api/services/automation/turn_off":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			id := body["entity_id"]
			if f.failOff[id] {
				http.Error(w, "unavailable", http.StatusBadGateway)
				return
			}
			f.disabled = append(f.disabled, id)
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/services/automation/reload":
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/api/config/automation/config/"):
			id := strings.TrimPrefix(r.URL.Path, "/api/config/automation/config/")
			if r.Method == http.MethodPut {
				var cfg map[string]interface{}
				json.NewDecoder(r.Body).Decode(&cfg)
				f.configs[id] = cfg
				w.WriteHeader(http.StatusOK)
				return
			}
			cfg, ok := f.configs[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(cfg)
		default:
			http.NotFound(w, r)
		}
	})
}

func memberConfig(alias, at, service string) map[string]interface{} {
	return map[string]interface{}{
		"alias":   alias,
		"trigger": []interface{}{map[string]interface{}{"platform": "time", "at": at}},
		"action":  []interface{}{map[string]interface{}{"service": service}},
	}
}

func mergedJSON(t *testing.T) string {
	t.Helper()
	out := map[string]interface{}{
		"alias":       "Night Routine",
		"description": "merged",
		"trigger": []interface{}{
			map[string]interface{}{"platform": "time", "at": "22:00:00"},
			map[string]interface{}{"platform": "time", "at": "23:00:00"},
		},
		"condition":     []interface{}{},
		"action":        []interface{}{map[string]interface{}{"service": "light.turn_off"}},
		"mode":          "single",
		"initial_state": true,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal merged json: %v", err)
	}
	return string(raw)
}

func newTestCoordinator(t *testing.T, store *fakeStore, builder *fakeBuilder) (*Coordinator, *snapshot.Store) {
	t.Helper()
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)
	dir := t.TempDir()
	snaps, err := snapshot.NewStore(filepath.Join(dir, "versions.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })
	c := New(Config{
		Agents:    builder,
		Store:     hass.NewClient(server.URL, "token"),
		Snapshots: snaps,
		KB:        kb.NewManager(filepath.Join(dir, "capabilities.yaml"), nil),
		Roles:     config.AgentRoles{Builder: "conversation.builder", DumbBuilder: "conversation.dumb"},
	})
	return c, snaps
}

func TestCombineMergesAndDisablesSources(t *testing.T) {
	store := &fakeStore{
		configs: map[string]map[string]interface{}{
			"lights_out": memberConfig("Lights Out", "22:00:00", "light.turn_off"),
			"lock_doors": memberConfig("Lock Doors", "23:00:00", "lock.lock"),
		},
		failOff: map[string]bool{},
	}
	builder := &fakeBuilder{reply: mergedJSON(t)}
	c, snaps := newTestCoordinator(t, store, builder)

	res, err := c.Combine(context.Background(), Request{
		EntityIDs: []string{"automation.lights_out", "automation.lock_doors"},
		AliasHint: "Night Routine",
	})
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if res.NewEntityID != "automation.night_routine" {
		t.Fatalf("new entity id = %q", res.NewEntityID)
	}
	if len(res.Disabled) != 2 || len(res.DisableFailed) != 0 {
		t.Fatalf("disabled = %v, failed = %v", res.Disabled, res.DisableFailed)
	}
	if res.Version == nil || res.Version.Reason != snapshot.ReasonCombine {
		t.Fatalf("version = %+v", res.Version)
	}
	if _, ok := store.configs["night_routine"]; !ok {
		t.Fatalf("merged config not written: %v", store.configs)
	}
	if !strings.Contains(builder.lastReq, "lights_out") || !strings.Contains(builder.lastReq, "lock_doors") {
		t.Fatal("builder request missing member documents")
	}

	versions, _ := snaps.ListVersions("automation.night_routine")
	if len(versions) != 1 || !strings.Contains(versions[0].Note, "automation.lights_out") {
		t.Fatalf("versions = %+v", versions)
	}
}

func TestCombineDisableFailureIsReportedNotFatal(t *testing.T) {
	store := &fakeStore{
		configs: map[string]map[string]interface{}{
			"lights_out": memberConfig("Lights Out", "22:00:00", "light.turn_off"),
			"lock_doors": memberConfig("Lock Doors", "23:00:00", "lock.lock"),
		},
		failOff: map[string]bool{"automation.lock_doors": true},
	}
	builder := &fakeBuilder{reply: mergedJSON(t)}
	c, _ := newTestCoordinator(t, store, builder)

	res, err := c.Combine(context.Background(), Request{
		EntityIDs: []string{"automation.lights_out", "automation.lock_doors"},
	})
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if len(res.Disabled) != 1 || res.Disabled[0] != "automation.lights_out" {
		t.Fatalf("disabled = %v", res.Disabled)
	}
	if len(res.DisableFailed) != 1 || res.DisableFailed[0].ID != "automation.lock_doors" {
		t.Fatalf("disable failed = %v", res.DisableFailed)
	}
	if res.DisableFailed[0].Error == "" {
		t.Fatal("disable failure lost the error detail")
	}
}

func TestCombineRequiresTwoEntities(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeStore{configs: map[string]map[string]interface{}{}}, &fakeBuilder{})

	cases := [][]string{
		nil,
		{"automation.one"},
		{"automation.one", "automation.one", " automation.one "}, // duplicates collapse to one
	}
	for i, ids := range cases {
		if _, err := c.Combine(context.Background(), Request{EntityIDs: ids}); err == nil {
			t.Fatalf("case %d: expected precondition error for %v", i, ids)
		}
	}
}

func TestCombineMissingMemberFails(t *testing.T) {
	store := &fakeStore{
		configs: map[string]map[string]interface{}{
			"lights_out": memberConfig("Lights Out", "22:00:00", "light.turn_off"),
		},
		failOff: map[string]bool{},
	}
	builder := &fakeBuilder{reply: mergedJSON(t)}
	c, _ := newTestCoordinator(t, store, builder)

	_, err := c.Combine(context.Background(), Request{
		EntityIDs: []string{"automation.lights_out", "automation.missing"},
	})
	if err == nil {
		t.Fatal("expected fetch failure for missing member")
	}
	if builder.calls != 0 {
		t.Fatalf("builder called %d times before member validation", builder.calls)
	}
	if got := fmt.Sprint(err); !strings.Contains(got, "automation.missing") {
		t.Fatalf("error %q does not name the missing member", got)
	}
}
