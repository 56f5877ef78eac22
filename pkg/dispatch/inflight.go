package dispatch

import (
	"context"
	"sync"
)

// inflightRegistry tracks the cancel functions of queries currently
// executing, keyed by session. Interrupt and disconnect cancel through it;
// normal completion removes the entry before the cancel function is ever
// called by anyone else.
type inflightRegistry struct {
	mu        sync.Mutex
	bySession map[string]map[string]context.CancelFunc
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{bySession: make(map[string]map[string]context.CancelFunc)}
}

// add registers a running query.
func (r *inflightRegistry) add(sessionID, queryID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queries, ok := r.bySession[sessionID]
	if !ok {
		queries = make(map[string]context.CancelFunc)
		r.bySession[sessionID] = queries
	}
	queries[queryID] = cancel
}

// remove drops a finished query. The last query of a session removes the
// session bucket so abandoned sessions do not accumulate empty maps.
func (r *inflightRegistry) remove(sessionID, queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queries, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(queries, queryID)
	if len(queries) == 0 {
		delete(r.bySession, sessionID)
	}
}

// cancelSession cancels every in-flight query of a session and reports how
// many were cancelled. The entries stay registered until their Execute calls
// observe the cancellation and remove themselves.
func (r *inflightRegistry) cancelSession(sessionID string) int {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.bySession[sessionID]))
	for _, cancel := range r.bySession[sessionID] {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// count returns the number of queries currently executing across all
// sessions.
func (r *inflightRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, queries := range r.bySession {
		n += len(queries)
	}
	return n
}
