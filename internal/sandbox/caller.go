package sandbox

import "sync"

// CallerContext holds the identity of whoever is driving the call
// currently in flight on a VM. A Sandbox has exactly one slot, since
// calls into a single VM are serialized (one active call at a time);
// System.caller.id() reads through this slot rather than a value
// captured at VM construction, so it always reflects the *current*
// call's caller.
type CallerContext struct {
	mu sync.Mutex
	id string
}

// Set records the caller id for the call about to execute. Call Clear
// when the call completes.
func (c *CallerContext) Set(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Clear resets the slot between calls.
func (c *CallerContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = ""
}

// ID returns the current caller id, or "" if no call is in flight.
func (c *CallerContext) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}
