package api

import (
	"sync"
	"time"

	"github.com/JakeFAU/msgbridge/internal/provision"
)

// State is the browser readiness reported by /readyz.
type State string

// Readiness states.
const (
	StateInstalling State = "installing"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
)

// BrowserStatus is the JSON view of the boot-time browser install.
type BrowserStatus struct {
	State      State  `json:"state"`
	Mode       string `json:"mode,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Readiness tracks the asynchronous install so probes can report it.
type Readiness struct {
	mu     sync.RWMutex
	status BrowserStatus
}

// NewReadiness starts in the installing state.
func NewReadiness() *Readiness {
	return &Readiness{status: BrowserStatus{State: StateInstalling}}
}

// Record stores the outcome of an install attempt.
func (r *Readiness) Record(res provision.Result) {
	st := BrowserStatus{
		State:      StateReady,
		Mode:       res.Mode.String(),
		Strategy:   string(res.Strategy),
		DurationMS: res.Duration.Milliseconds(),
	}
	if !res.OK() {
		st.State = StateDegraded
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
	}
	r.mu.Lock()
	r.status = st
	r.mu.Unlock()
}

// MarkReady records that no boot-time install was requested.
func (r *Readiness) MarkReady(mode provision.Mode) {
	r.mu.Lock()
	r.status = BrowserStatus{State: StateReady, Mode: mode.String(), Strategy: "skipped"}
	r.mu.Unlock()
}

// Watch records every result from the channel until it closes. Run it on its own goroutine.
func (r *Readiness) Watch(results <-chan provision.Result) {
	for res := range results {
		r.Record(res)
	}
}

// Snapshot returns the current status.
func (r *Readiness) Snapshot() BrowserStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Wait blocks until the state leaves installing or the timeout elapses.
func (r *Readiness) Wait(timeout time.Duration) BrowserStatus {
	deadline := time.Now().Add(timeout)
	for {
		st := r.Snapshot()
		if st.State != StateInstalling || !time.Now().Before(deadline) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
}
