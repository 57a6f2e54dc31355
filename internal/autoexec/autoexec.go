// Package autoexec holds the single master-arm flag gating whether the
// pipeline is allowed to dispatch new orders. Every kill-switch and panic
// control disables it; only an operator API call re-enables it.
package autoexec

import "sync"

// Flag is a concurrency-safe on/off switch, defaulting to enabled.
type Flag struct {
	mu      sync.RWMutex
	enabled bool
}

// New returns a Flag starting in the enabled state.
func New() *Flag {
	return &Flag{enabled: true}
}

// Enabled reports whether new signal processing is currently permitted.
func (f *Flag) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// Enable re-arms execution. Only an explicit operator action should call this.
func (f *Flag) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable is called by any kill-switch or panic control that needs to stop
// new order dispatch. Satisfies panicctl.AutoExecToggle.
func (f *Flag) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}
