package detection

import "time"

type cooldownKey struct {
	detector string
	key      string
}

// CooldownTracker remembers when each (detector, key) pair last alerted.
// Entries never expire; they stop mattering once a key goes quiet.
type CooldownTracker struct {
	intervals map[string]float64
	last      map[cooldownKey]float64
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		intervals: make(map[string]float64),
		last:      make(map[cooldownKey]float64),
	}
}

// SetCooldown sets the suppression interval for a detector. A zero interval
// never suppresses.
func (c *CooldownTracker) SetCooldown(detector string, d time.Duration) {
	c.intervals[detector] = d.Seconds()
}

// ShouldSuppress reports whether an alert for (detector, key) at now falls
// inside the detector's cooldown.
func (c *CooldownTracker) ShouldSuppress(detector, key string, now float64) bool {
	last, ok := c.last[cooldownKey{detector, key}]
	if !ok {
		return false
	}
	return now-last < c.intervals[detector]
}

// Record stores now as the last alert time of (detector, key).
func (c *CooldownTracker) Record(detector, key string, now float64) {
	c.last[cooldownKey{detector, key}] = now
}

// Len returns the number of tracked pairs.
func (c *CooldownTracker) Len() int {
	return len(c.last)
}
