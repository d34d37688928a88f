// Package usage tracks per-agent-call token counts for a session. The ledger
// is in-memory only and released with the session.
package usage

import (
	"sync"
	"time"
)

// Rates converts token counts into a display cost.
type Rates struct {
	Currency         string
	InputPerKTokens  float64
	OutputPerKTokens float64
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost,omitempty"`
}

func (tc *TokenCounts) add(input, output int, r Rates) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Cost += float64(input)/1000.0*r.InputPerKTokens + float64(output)/1000.0*r.OutputPerKTokens
}

// Event records a single agent call.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Role         string    `json:"role"`
	Operation    string    `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// Snapshot is the ledger state handed to the presentation layer.
type Snapshot struct {
	Currency string                 `json:"currency"`
	Total    TokenCounts            `json:"total"`
	ByRole   map[string]TokenCounts `json:"by_role"`
	Calls    int                    `json:"calls"`
}

// Ledger aggregates agent token usage for one session.
type Ledger struct {
	mu     sync.Mutex
	rates  Rates
	total  TokenCounts
	byRole map[string]TokenCounts
	events []Event
}

// NewLedger creates an empty ledger with the given conversion rates.
func NewLedger(rates Rates) *Ledger {
	return &Ledger{
		rates:  rates,
		byRole: make(map[string]TokenCounts),
	}
}

// Track records one agent call.
func (l *Ledger) Track(role, operation string, input, output int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total.add(input, output, l.rates)
	counts := l.byRole[role]
	counts.add(input, output, l.rates)
	l.byRole[role] = counts
	l.events = append(l.events, Event{
		Timestamp:    time.Now(),
		Role:         role,
		Operation:    operation,
		InputTokens:  input,
		OutputTokens: output,
	})
}

// Snapshot returns a copy of the aggregated state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	byRole := make(map[string]TokenCounts, len(l.byRole))
	for role, counts := range l.byRole {
		byRole[role] = counts
	}
	return Snapshot{
		Currency: l.rates.Currency,
		Total:    l.total,
		ByRole:   byRole,
		Calls:    len(l.events),
	}
}

// Reset drops all recorded usage.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total = TokenCounts{}
	l.byRole = make(map[string]TokenCounts)
	l.events = nil
}
