// Package ux holds presentation-facing coordination helpers.
package ux

import "sync"

// QueryGuard orders concurrent read queries. Each query takes a sequence
// number from Begin; when its response arrives, Accept reports whether the
// response is still the freshest one. Stale responses are discarded by the
// caller instead of overwriting newer results.
type QueryGuard struct {
	mu   sync.Mutex
	next uint64
}

// Begin registers a new query and returns its sequence number.
func (g *QueryGuard) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}

// Accept reports whether the response for seq is still current, i.e. no
// newer query has begun since.
func (g *QueryGuard) Accept(seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return seq == g.next
}
