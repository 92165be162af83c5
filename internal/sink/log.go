package sink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/types"
)

// LogSink writes every alert as a structured log line, leveled by severity.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name returns "log".
func (s *LogSink) Name() string { return "log" }

// Submit logs the alert.
func (s *LogSink) Submit(_ context.Context, alert *types.Alert) error {
	fields := logrus.Fields(alert.Fields())
	fields["message"] = alert.Message
	fields["first_seen"] = alert.FirstSeen
	fields["last_seen"] = alert.LastSeen
	for k, v := range alert.Details {
		fields[k] = v
	}

	entry := s.log.WithFields(fields)
	switch alert.Severity {
	case types.SeverityCritical:
		entry.Error("CRITICAL: " + alert.AttackType + " detected")
	case types.SeverityHigh:
		entry.Warn("HIGH: " + alert.AttackType + " detected")
	case types.SeverityMedium:
		entry.Warn("MEDIUM: " + alert.AttackType + " detected")
	default:
		entry.Info("LOW: " + alert.AttackType + " detected")
	}
	return nil
}
