package detection

import (
	"testing"
	"time"
)

func TestCooldownTracker(t *testing.T) {
	c := NewCooldownTracker()
	c.SetCooldown(SYNFlood, 60*time.Second)

	if c.ShouldSuppress(SYNFlood, "10.0.0.1", 0) {
		t.Fatal("suppressed before any alert")
	}
	c.Record(SYNFlood, "10.0.0.1", 100)

	tests := []struct {
		name string
		key  string
		now  float64
		want bool
	}{
		{"same instant", "10.0.0.1", 100, true},
		{"inside cooldown", "10.0.0.1", 159.9, true},
		{"cooldown elapsed", "10.0.0.1", 160, false},
		{"other key", "10.0.0.2", 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ShouldSuppress(SYNFlood, tt.key, tt.now); got != tt.want {
				t.Errorf("ShouldSuppress(%q, %v) = %v, want %v", tt.key, tt.now, got, tt.want)
			}
		})
	}

	if c.ShouldSuppress(ICMPFlood, "10.0.0.1", 100) {
		t.Error("cooldown leaked across detectors")
	}
}

func TestCooldownTracker_ZeroInterval(t *testing.T) {
	c := NewCooldownTracker()
	c.SetCooldown(ICMPFlood, 0)
	c.Record(ICMPFlood, "k", 10)
	if c.ShouldSuppress(ICMPFlood, "k", 10) {
		t.Error("zero cooldown must never suppress")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
