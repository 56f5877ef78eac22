// Package health tracks where the server is in its lifecycle and answers the
// liveness and readiness probes.
//
// A server boots in the starting state, becomes ready once the catalog is
// reachable and the leaf topology has been probed, and drains during
// shutdown. Liveness is unconditional; readiness follows the state machine so
// load balancers stop routing new connections to a draining server before its
// sessions are torn down.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Status names a lifecycle state. The same values appear in the status
// operation's response.
type Status string

const (
	// StatusStarting covers boot until the first SetReady.
	StatusStarting Status = "starting"

	// StatusReady accepts new connections and statements.
	StatusReady Status = "ready"

	// StatusDraining refuses new connections while shutdown completes.
	StatusDraining Status = "draining"
)

const (
	codeStarting int32 = iota
	codeReady
	codeDraining
)

// Checker is the server's lifecycle state machine. Transitions may happen
// from any goroutine.
type Checker struct {
	version string
	state   atomic.Int32
	changed atomic.Int64
}

// NewChecker creates a checker in the starting state. The version string is
// reported by the probe endpoints.
func NewChecker(version string) *Checker {
	c := &Checker{version: version}
	c.changed.Store(time.Now().UnixNano())
	return c
}

// SetReady marks the server ready for new connections.
func (c *Checker) SetReady() { c.transition(codeReady) }

// SetDraining marks the server as shutting down.
func (c *Checker) SetDraining() { c.transition(codeDraining) }

// transition records the state change time; re-entering the current state
// keeps the original timestamp.
func (c *Checker) transition(code int32) {
	if c.state.Swap(code) != code {
		c.changed.Store(time.Now().UnixNano())
	}
}

// IsReady reports whether new connections are accepted.
func (c *Checker) IsReady() bool { return c.state.Load() == codeReady }

// Status returns the current lifecycle state.
func (c *Checker) Status() Status {
	switch c.state.Load() {
	case codeReady:
		return StatusReady
	case codeDraining:
		return StatusDraining
	default:
		return StatusStarting
	}
}

// InState returns how long the checker has been in its current state.
func (c *Checker) InState() time.Duration {
	return time.Since(time.Unix(0, c.changed.Load()))
}

// probeBody is the JSON payload of the probe endpoints.
type probeBody struct {
	Status         Status `json:"status"`
	Version        string `json:"version,omitempty"`
	InStateSeconds int64  `json:"in_state_seconds"`
}

// LivenessHandler answers 200 whenever the process serves HTTP at all. Wire
// it to /healthz.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, probeBody{Status: "ok", Version: c.version})
	}
}

// ReadinessHandler answers 200 only in the ready state and 503 otherwise,
// with the state named in the body. Wire it to /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !c.IsReady() {
			code = http.StatusServiceUnavailable
		}
		writeProbe(w, code, probeBody{
			Status:         c.Status(),
			Version:        c.version,
			InStateSeconds: int64(c.InState().Seconds()),
		})
	}
}

func writeProbe(w http.ResponseWriter, code int, body probeBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
