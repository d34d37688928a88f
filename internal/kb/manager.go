package kb

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"autosmith/internal/document"
	"autosmith/internal/hass"
	"autosmith/internal/logging"
)

// Manager owns the in-memory capabilities cache and its YAML persistence.
type Manager struct {
	path  string
	store *hass.Client

	mu   sync.RWMutex
	caps *Capabilities

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager loads the knowledge base from path. A missing or corrupt file
// starts an empty base.
func NewManager(path string, store *hass.Client) *Manager {
	m := &Manager{
		path:  path,
		store: store,
		caps:  &Capabilities{},
	}
	if caps, err := readFile(path); err == nil {
		m.caps = caps
	} else if !os.IsNotExist(err) {
		logging.KB("Failed to load %s: %v", path, err)
	}
	return m
}

func readFile(path string) (*Capabilities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var caps Capabilities
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// saveLocked persists the cache. Callers hold the write lock.
func (m *Manager) saveLocked() error {
	data, err := yaml.Marshal(m.caps)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

// Snapshot returns the current capabilities for read-only use.
func (m *Manager) Snapshot() Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.caps
}

// Refresh rebuilds the inventory from the automation store's live state and
// replaces the cached base atomically. Learned sections are preserved.
func (m *Manager) Refresh(ctx context.Context) (Inventory, error) {
	states, err := m.store.States(ctx)
	if err != nil {
		return Inventory{}, err
	}
	services, err := m.store.Services(ctx)
	if err != nil {
		return Inventory{}, err
	}
	configs, err := m.store.Configs(ctx)
	if err != nil {
		return Inventory{}, err
	}

	inv := Inventory{}
	for _, state := range states {
		if strings.HasPrefix(state.EntityID, "script.") {
			inv.Scripts = append(inv.Scripts, ScriptHint{EntityID: state.EntityID, Note: state.FriendlyName})
			continue
		}
		inv.Entities = append(inv.Entities, EntityInfo{
			EntityID: state.EntityID,
			Name:     state.FriendlyName,
			State:    state.State,
		})
	}

	sort.Strings(services)
	inv.Services = services

	used := make(map[string]struct{})
	for _, config := range configs {
		document.CollectEntityIDs(config, used)
	}
	inv.UsedEntities = sortedKeys(used)

	inv.Counts = map[string]int{
		"entities":      len(inv.Entities),
		"services":      len(inv.Services),
		"scripts":       len(inv.Scripts),
		"used_entities": len(inv.UsedEntities),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps.Inventory = inv
	if err := m.saveLocked(); err != nil {
		return Inventory{}, err
	}
	logging.KB("Refreshed inventory: %v", inv.Counts)
	return inv, nil
}

// CheckReport lists document tokens absent from the knowledge base.
type CheckReport struct {
	MissingEntities []string `json:"missing_entities"`
	MissingServices []string `json:"missing_services"`
}

// CheckDocument validates a document's entity and service tokens against the
// base. ok is false when the base is empty and no report can be made.
func (m *Manager) CheckDocument(doc string) (CheckReport, bool) {
	m.mu.RLock()
	caps := m.caps
	m.mu.RUnlock()

	if caps.Empty() {
		return CheckReport{}, false
	}

	obj := document.CoerceMap(doc)
	if obj == nil {
		return CheckReport{}, false
	}

	usedEntities := make(map[string]struct{})
	usedServices := make(map[string]struct{})
	document.CollectEntityIDs(obj, usedEntities)
	document.CollectServiceNames(obj, usedServices)

	knownEntities := caps.KnownEntities()
	knownServices := caps.KnownServices()

	report := CheckReport{}
	for eid := range usedEntities {
		if _, known := knownEntities[eid]; !known {
			report.MissingEntities = append(report.MissingEntities, eid)
		}
	}
	if len(knownServices) > 0 {
		for svc := range usedServices {
			if _, known := knownServices[svc]; !known {
				report.MissingServices = append(report.MissingServices, svc)
			}
		}
	}
	sort.Strings(report.MissingEntities)
	sort.Strings(report.MissingServices)
	return report, true
}

// Slim returns a reduced view of the base suitable for agent payloads:
// bounded lists, learned hints trimmed to the most recent entries.
func (m *Manager) Slim() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	caps := m.caps

	entities := make([]string, 0, 200)
	for _, item := range caps.Inventory.Entities {
		entities = append(entities, item.EntityID)
		if len(entities) == 200 {
			break
		}
	}

	scripts := make([]map[string]string, 0, 60)
	for _, item := range append(caps.Inventory.Scripts, caps.Scripts...) {
		entry := map[string]string{"entity_id": item.EntityID}
		if item.Purpose != "" {
			entry["purpose"] = item.Purpose
		}
		scripts = append(scripts, entry)
		if len(scripts) == 60 {
			break
		}
	}

	hints := caps.LearnedContext.Hints
	if len(hints) > 40 {
		hints = hints[len(hints)-40:]
	}
	hintNotes := make([]string, 0, len(hints))
	for _, h := range hints {
		hintNotes = append(hintNotes, h.Note)
	}

	learnedEntities := map[string][]string{}
	for _, domain := range []string{"todo", "calendar"} {
		if ids := caps.LearnedContext.Entities[domain]; len(ids) > 0 {
			if len(ids) > 30 {
				ids = ids[:30]
			}
			learnedEntities[domain] = ids
		}
	}

	services := caps.Inventory.Services
	if len(services) > 120 {
		services = services[:120]
	}

	return map[string]interface{}{
		"entities": entities,
		"services": services,
		"scripts":  scripts,
		"learned_context": map[string]interface{}{
			"entities": learnedEntities,
			"hints":    hintNotes,
		},
	}
}

// Watch reloads the base when the capabilities file changes on disk, so
// out-of-band edits show up without a restart.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		watcher.Close()
		return err
	}
	// Watch the directory; editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	m.done = make(chan struct{})
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	base := filepath.Base(m.path)
	var lastReload time.Time
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Since(lastReload) < 200*time.Millisecond {
				continue
			}
			lastReload = time.Now()
			if caps, err := readFile(m.path); err == nil {
				m.mu.Lock()
				m.caps = caps
				m.mu.Unlock()
				logging.KBDebug("Reloaded %s after external change", m.path)
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.done:
			return
		}
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.done)
	return m.watcher.Close()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
