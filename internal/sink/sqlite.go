package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/types"
)

// ErrAlertNotFound is returned by Resolve for an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

// AlertStatusResolved marks an alert an operator has handled.
const AlertStatusResolved = "resolved"

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	detector       TEXT NOT NULL,
	attack_type    TEXT NOT NULL,
	alert_key      TEXT NOT NULL,
	observed_value INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	time_window    REAL NOT NULL,
	first_seen     TIMESTAMP NOT NULL,
	last_seen      TIMESTAMP NOT NULL,
	severity       TEXT NOT NULL,
	message        TEXT NOT NULL,
	timestamp      TIMESTAMP NOT NULL,
	interface      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	details        TEXT NOT NULL DEFAULT '{}',
	resolved_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts (timestamp);
CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts (attack_type, alert_key);
`

type alertRow struct {
	ID            string       `db:"id"`
	Detector      string       `db:"detector"`
	AttackType    string       `db:"attack_type"`
	Key           string       `db:"alert_key"`
	ObservedValue int          `db:"observed_value"`
	Threshold     int          `db:"threshold"`
	WindowSeconds float64      `db:"time_window"`
	FirstSeen     time.Time    `db:"first_seen"`
	LastSeen      time.Time    `db:"last_seen"`
	Severity      string       `db:"severity"`
	Message       string       `db:"message"`
	Timestamp     time.Time    `db:"timestamp"`
	Interface     string       `db:"interface"`
	Status        string       `db:"status"`
	Details       string       `db:"details"`
	ResolvedAt    sql.NullTime `db:"resolved_at"`
}

func toRow(a *types.Alert) (*alertRow, error) {
	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}
	return &alertRow{
		ID:            a.ID,
		Detector:      a.Detector,
		AttackType:    a.AttackType,
		Key:           a.Key,
		ObservedValue: a.ObservedValue,
		Threshold:     a.Threshold,
		WindowSeconds: a.WindowSeconds,
		FirstSeen:     a.FirstSeen.UTC(),
		LastSeen:      a.LastSeen.UTC(),
		Severity:      string(a.Severity),
		Message:       a.Message,
		Timestamp:     a.Timestamp.UTC(),
		Interface:     a.Interface,
		Status:        a.Status,
		Details:       details,
	}, nil
}

func (r *alertRow) alert() *types.Alert {
	a := &types.Alert{
		ID:            r.ID,
		Detector:      r.Detector,
		AttackType:    r.AttackType,
		Key:           r.Key,
		ObservedValue: r.ObservedValue,
		Threshold:     r.Threshold,
		Window:        time.Duration(r.WindowSeconds * float64(time.Second)),
		WindowSeconds: r.WindowSeconds,
		FirstSeen:     r.FirstSeen.UTC(),
		LastSeen:      r.LastSeen.UTC(),
		Severity:      types.Severity(r.Severity),
		Message:       r.Message,
		Timestamp:     r.Timestamp.UTC(),
		Interface:     r.Interface,
		Status:        r.Status,
	}
	if r.Details != "" && r.Details != "{}" {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(r.Details), &details); err == nil {
			a.Details = details
		}
	}
	return a
}

// SQLiteStore persists alerts in a SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// OpenSQLite opens (creating if needed) the alert database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, log *logrus.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: %w", ErrNotConfigured)
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers; one connection also keeps :memory: shared
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create alert schema: %w", err)
	}
	log.WithField("path", path).Info("Alert store opened")
	return &SQLiteStore{db: db, log: log}, nil
}

// Name returns "sqlite".
func (s *SQLiteStore) Name() string { return "sqlite" }

// Submit inserts the alert. Re-submitting an ID is a no-op.
func (s *SQLiteStore) Submit(ctx context.Context, alert *types.Alert) error {
	row, err := toRow(alert)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (
			id, detector, attack_type, alert_key, observed_value, threshold,
			time_window, first_seen, last_seen, severity, message, timestamp,
			interface, status, details
		) VALUES (
			:id, :detector, :attack_type, :alert_key, :observed_value, :threshold,
			:time_window, :first_seen, :last_seen, :severity, :message, :timestamp,
			:interface, :status, :details
		)`, row)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*types.Alert, error) {
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, detector, attack_type, alert_key, observed_value, threshold,
			time_window, first_seen, last_seen, severity, message, timestamp,
			interface, status, details, resolved_at
		FROM alerts
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	alerts := make([]*types.Alert, 0, len(rows))
	for i := range rows {
		alerts = append(alerts, rows[i].alert())
	}
	return alerts, nil
}

// Resolve marks an alert resolved.
func (s *SQLiteStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ?`,
		AlertStatusResolved, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return nil
}

// Ping checks the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
