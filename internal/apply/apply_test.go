package apply

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"autosmith/internal/fault"
	"autosmith/internal/hass"
	"autosmith/internal/snapshot"
)

// fakeStore is an in-memory automation config API.
type fakeStore struct {
	mu      sync.Mutex
	configs map[string]map[string]interface{}
	failPut bool
	puts    int
}

func (f *fakeStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/config/automation/config/"):
			id := strings.TrimPrefix(r.URL.Path, "/api/config/automation/config/")
			if r.Method == http.MethodPut {
				f.puts++
				if f.failPut {
					http.Error(w, "storage offline", http.StatusBadGateway)
					return
				}
				var config map[string]interface{}
				if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				f.configs[id] = config
				json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
				return
			}
			config, ok := f.configs[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(config)
		case r.URL.Path == "/api/services/automation/reload":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestApplier(t *testing.T, f *fakeStore) (*Applier, *snapshot.Store) {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	snaps, err := snapshot.NewStore(filepath.Join(t.TempDir(), "versions.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { snaps.Close() })
	return New(hass.NewClient(server.URL, "token"), snaps), snaps
}

func seedStore() *fakeStore {
	return &fakeStore{configs: map[string]map[string]interface{}{
		"evening_lights": {
			"id":      "evening_lights",
			"alias":   "Evening Lights",
			"trigger": []interface{}{map[string]interface{}{"platform": "time", "at": "22:00:00"}},
			"action":  []interface{}{map[string]interface{}{"service": "light.turn_on"}},
		},
	}}
}

const newDoc = `alias: Evening Lights
trigger:
  - platform: time
    at: "23:00:00"
action:
  - service: light.turn_on
mode: single
`

func TestApplyBacksUpLiveDocumentFirst(t *testing.T) {
	store := seedStore()
	applier, snaps := newTestApplier(t, store)

	res, err := applier.Apply(context.Background(), "automation.evening_lights", newDoc, "move to 23:00")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.RemoteRef != "evening_lights" {
		t.Fatalf("remote ref = %q", res.RemoteRef)
	}
	if res.Backup == nil || res.Backup.Reason != snapshot.ReasonPreApplyBackup {
		t.Fatalf("backup = %+v", res.Backup)
	}
	if res.Version == nil || res.Version.Reason != snapshot.ReasonApply {
		t.Fatalf("version = %+v", res.Version)
	}
	if res.Version.Description != "move to 23:00" {
		t.Fatalf("description = %q", res.Version.Description)
	}

	versions, err := snaps.ListVersions("automation.evening_lights")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want backup + apply", len(versions))
	}
	// Newest first: the apply snapshot, then the live-document backup.
	if versions[0].Reason != snapshot.ReasonApply || versions[1].Reason != snapshot.ReasonPreApplyBackup {
		t.Fatalf("reasons = %s, %s", versions[0].Reason, versions[1].Reason)
	}

	written := store.configs["evening_lights"]
	trigger := written["trigger"].([]interface{})[0].(map[string]interface{})
	if trigger["at"] != "23:00:00" {
		t.Fatalf("store document not updated: %v", written)
	}

	lastDoc, lastVersion, err := snaps.LastApplied("automation.evening_lights")
	if err != nil {
		t.Fatalf("LastApplied failed: %v", err)
	}
	if lastVersion != res.Version.ID || !strings.Contains(lastDoc, "23:00:00") {
		t.Fatalf("last applied = %q (version %s)", lastDoc, lastVersion)
	}
}

func TestApplyStoreFailureRetainsBackup(t *testing.T) {
	store := seedStore()
	store.failPut = true
	applier, snaps := newTestApplier(t, store)

	res, err := applier.Apply(context.Background(), "automation.evening_lights", newDoc, "move to 23:00")
	if err == nil {
		t.Fatal("expected store failure")
	}
	if !errors.Is(err, fault.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	if res.Backup == nil {
		t.Fatal("backup missing after failed write")
	}

	versions, err := snaps.ListVersions("automation.evening_lights")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Reason != snapshot.ReasonPreApplyBackup {
		t.Fatalf("versions = %+v, want only the retained backup", versions)
	}
	if _, _, err := snaps.LastApplied("automation.evening_lights"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("LastApplied after failed write = %v, want not found", err)
	}
}

func TestApplyCreateSkipsBackup(t *testing.T) {
	store := &fakeStore{configs: map[string]map[string]interface{}{}}
	applier, snaps := newTestApplier(t, store)

	res, err := applier.Apply(context.Background(), "automation.brand_new", newDoc, "initial")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Created {
		t.Fatal("expected create")
	}
	if res.Backup != nil {
		t.Fatal("create must not take a backup of a missing document")
	}
	versions, _ := snaps.ListVersions("automation.brand_new")
	if len(versions) != 1 || versions[0].Reason != snapshot.ReasonApply {
		t.Fatalf("versions = %+v", versions)
	}
}

func TestRevertGoesThroughApplyPath(t *testing.T) {
	store := seedStore()
	applier, snaps := newTestApplier(t, store)

	if _, err := applier.Apply(context.Background(), "automation.evening_lights", newDoc, "move to 23:00"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	res, err := applier.Revert(context.Background(), "automation.evening_lights")
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if res.Version.Reason != snapshot.ReasonRevert {
		t.Fatalf("reason = %s", res.Version.Reason)
	}

	written := store.configs["evening_lights"]
	trigger := written["trigger"].([]interface{})[0].(map[string]interface{})
	if trigger["at"] != "22:00:00" {
		t.Fatalf("revert did not restore the prior document: %v", written)
	}

	versions, _ := snaps.ListVersions("automation.evening_lights")
	// backup, apply, backup, revert
	if len(versions) != 4 {
		t.Fatalf("got %d versions", len(versions))
	}
	if versions[0].Reason != snapshot.ReasonRevert || versions[1].Reason != snapshot.ReasonPreApplyBackup {
		t.Fatalf("reasons = %s, %s", versions[0].Reason, versions[1].Reason)
	}
}

func TestBootstrapSeedsOnce(t *testing.T) {
	store := seedStore()
	applier, snaps := newTestApplier(t, store)

	doc, err := applier.Bootstrap(context.Background(), "automation.evening_lights")
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if !strings.Contains(doc, "alias: Evening Lights") {
		t.Fatalf("unexpected document:\n%s", doc)
	}
	if _, err := applier.Bootstrap(context.Background(), "automation.evening_lights"); err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	versions, _ := snaps.ListVersions("automation.evening_lights")
	if len(versions) != 1 || versions[0].Reason != snapshot.ReasonLoadedSeed {
		t.Fatalf("versions = %+v", versions)
	}
}

func TestRestoreByVersionID(t *testing.T) {
	store := seedStore()
	applier, snaps := newTestApplier(t, store)

	if _, err := applier.Bootstrap(context.Background(), "automation.evening_lights"); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	seedVersions, _ := snaps.ListVersions("automation.evening_lights")
	if _, err := applier.Apply(context.Background(), "automation.evening_lights", newDoc, "move to 23:00"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	res, err := applier.Restore(context.Background(), "automation.evening_lights", seedVersions[0].ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if res.Version.Reason != snapshot.ReasonRevert {
		t.Fatalf("reason = %s", res.Version.Reason)
	}
	written := store.configs["evening_lights"]
	trigger := written["trigger"].([]interface{})[0].(map[string]interface{})
	if trigger["at"] != "22:00:00" {
		t.Fatalf("restore did not bring back the seed document: %v", written)
	}
}
