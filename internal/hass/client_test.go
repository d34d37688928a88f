package hass

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autosmith/internal/fault"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL, "token"), server
}

func TestGet(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/config/automation/config/evening_lights":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    "evening_lights",
				"alias": "Evening Lights",
				"trigger": []map[string]interface{}{
					{"platform": "time", "at": "22:00:00"},
				},
			})
		case "/api/states/automation.evening_lights":
			json.NewEncoder(w).Encode(map[string]string{"state": "on"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	doc, state, err := client.Get(context.Background(), "automation.evening_lights")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.Contains(doc, "alias: Evening Lights") {
		t.Errorf("Expected YAML document, got %q", doc)
	}
	if state != "on" {
		t.Errorf("Expected runtime state on, got %q", state)
	}
}

func TestGet_NotFound(t *testing.T) {
	client, server := newTestClient(http.NotFoundHandler())
	defer server.Close()

	_, _, err := client.Get(context.Background(), "automation.missing")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGet_StoreDown(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, _, err := client.Get(context.Background(), "automation.x")
	if !errors.Is(err, fault.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestList_Filter(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "1", "alias": "Evening Lights", "description": "dusk"},
			{"id": "2", "alias": "Morning Routine", "description": ""},
		})
	}))
	defer server.Close()

	all, err := client.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(all))
	}
	if all[0].EntityID != "automation.evening_lights" {
		t.Errorf("Unexpected entity id %q", all[0].EntityID)
	}

	filtered, err := client.List(context.Background(), "morning")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Alias != "Morning Routine" {
		t.Errorf("Unexpected filter result %+v", filtered)
	}
}

func TestSetState(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := client.SetState(context.Background(), "automation.test", "off"); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if gotPath != "/api/services/automation/turn_off" {
		t.Errorf("Unexpected path %q", gotPath)
	}
	if gotBody["entity_id"] != "automation.test" {
		t.Errorf("Unexpected body %+v", gotBody)
	}
}

func TestWrite(t *testing.T) {
	var putConfig map[string]interface{}
	reloaded := false
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "PUT" && r.URL.Path == "/api/config/automation/config/evening_lights":
			json.NewDecoder(r.Body).Decode(&putConfig)
			w.WriteHeader(http.StatusOK)
		case r.Method == "POST" && r.URL.Path == "/api/services/automation/reload":
			reloaded = true
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	doc := `alias: Evening Lights
unknown_key: dropped
trigger:
  - platform: time
    at: "22:00:00"
action:
  - service: light.turn_on
`
	ref, err := client.Write(context.Background(), "automation.evening_lights", doc)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ref != "evening_lights" {
		t.Errorf("Expected remote ref evening_lights, got %q", ref)
	}
	if !reloaded {
		t.Error("Expected reload after write")
	}
	if _, present := putConfig["unknown_key"]; present {
		t.Error("Unknown keys must be dropped before writing")
	}
	if putConfig["alias"] != "Evening Lights" {
		t.Errorf("Alias missing from written config: %+v", putConfig)
	}
	if _, present := putConfig["condition"]; !present {
		t.Error("Expected condition default in written config")
	}
}

func TestWrite_RejectsNonMapping(t *testing.T) {
	client := NewClient("http://unused", "token")
	_, err := client.Write(context.Background(), "automation.x", "- just\n- a\n- list of scalars\n")
	if !errors.Is(err, fault.ErrParse) {
		t.Errorf("Expected ErrParse, got %v", err)
	}
}
