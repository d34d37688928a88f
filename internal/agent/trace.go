package agent

import "sync"

// Status is one helper agent's outcome within a request.
type Status struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail"`
}

// Trace collects helper agent statuses for one request. Recording on a nil
// trace is a no-op so helpers can run untraced.
type Trace struct {
	mu      sync.Mutex
	entries []Status
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Record appends one status entry.
func (t *Trace) Record(name, agentID string, ok bool, detail string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Status{
		Name:    name,
		AgentID: agentID,
		OK:      ok,
		Detail:  detail,
	})
}

// Finish merges entries by name: a helper that was called more than once is
// reported once, ok only if every call succeeded, with the last failure
// detail retained.
func (t *Trace) Finish() []Status {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := make(map[string]*Status)
	var order []string
	for _, item := range t.entries {
		key := item.Name
		if key == "" {
			key = item.AgentID
		}
		if key == "" {
			key = "agent"
		}
		existing, seen := merged[key]
		if !seen {
			entry := item
			merged[key] = &entry
			order = append(order, key)
			continue
		}
		existing.OK = existing.OK && item.OK
		if !item.OK && item.Detail != "" {
			existing.Detail = item.Detail
		}
	}

	out := make([]Status, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out
}
