package types

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a configured severity name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// AlertStatusUnresolved is the status every alert is raised with.
const AlertStatusUnresolved = "unresolved"

// Alert is raised once per (detector, key) threshold crossing outside the
// detector's cooldown.
type Alert struct {
	ID            string                 `json:"id" validate:"required,uuid"`
	Detector      string                 `json:"detector" validate:"required"`
	AttackType    string                 `json:"attack_type" validate:"required"`
	Key           string                 `json:"key" validate:"required"`
	ObservedValue int                    `json:"observed_value" validate:"gtefield=Threshold"`
	Threshold     int                    `json:"threshold" validate:"gt=0"`
	Window        time.Duration          `json:"-" validate:"gt=0"`
	WindowSeconds float64                `json:"time_window"`
	FirstSeen     time.Time              `json:"first_seen" validate:"required"`
	LastSeen      time.Time              `json:"last_seen" validate:"required,gtefield=FirstSeen"`
	Severity      Severity               `json:"severity" validate:"oneof=low medium high critical"`
	Message       string                 `json:"message" validate:"required"`
	Timestamp     time.Time              `json:"timestamp" validate:"required"`
	Interface     string                 `json:"interface,omitempty"`
	Status        string                 `json:"status"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func alertValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the alert invariants: positive threshold and window, an
// observed value at or above the threshold, an ordered first/last span.
func (a *Alert) Validate() error {
	if err := alertValidator().Struct(a); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	return nil
}

// Fields returns the alert as flat log fields.
func (a *Alert) Fields() map[string]interface{} {
	return map[string]interface{}{
		"alert_id":       a.ID,
		"detector":       a.Detector,
		"attack_type":    a.AttackType,
		"key":            a.Key,
		"observed_value": a.ObservedValue,
		"threshold":      a.Threshold,
		"time_window":    a.WindowSeconds,
		"severity":       a.Severity,
		"interface":      a.Interface,
	}
}
