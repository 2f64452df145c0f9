// Package ready implements the process-wide readiness flag (C4).
package ready

import "sync/atomic"

// Controller is a process-wide boolean readiness flag. false -> true once
// the HTTP/WS entry is accepting connections and the broadcast coordinator
// is subscribed; true -> false at the first shutdown signal.
type Controller struct {
	ready atomic.Bool
}

// New returns a Controller that starts not-ready.
func New() *Controller {
	return &Controller{}
}

// SetReady flips the flag to ready.
func (c *Controller) SetReady() { c.ready.Store(true) }

// SetNotReady flips the flag to not-ready.
func (c *Controller) SetNotReady() { c.ready.Store(false) }

// IsReady reports the current readiness state.
func (c *Controller) IsReady() bool { return c.ready.Load() }
