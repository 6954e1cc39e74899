package db

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	stateSucceeded = "SUCCEEDED"
	stateFailed    = "FAILED"
)

// HandshakeEvent is one logged state transition.
type HandshakeEvent struct {
	ID        int64
	Timestamp time.Time
	RunID     string
	AttemptID string
	ServiceID string
	FromState string
	ToState   string
	Reason    string
}

// ServiceStats are the running totals for one service.
type ServiceStats struct {
	ServiceID      string
	TotalSucceeded int
	TotalFailed    int
	LastSucceeded  time.Time
	LastFailed     time.Time
}

// LogHandshakeEvent appends ev and, for SUCCEEDED and FAILED, bumps the
// service's totals.
func (d *DB) LogHandshakeEvent(ev HandshakeEvent) error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("db is not open")
	}
	if ev.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
INSERT INTO handshake_events (timestamp, run_id, attempt_id, service_id, from_state, to_state, reason)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, ev.RunID, ev.AttemptID, ev.ServiceID, ev.FromState, ev.ToState, ev.Reason,
	); err != nil {
		return fmt.Errorf("insert handshake event: %w", err)
	}

	switch ev.ToState {
	case stateSucceeded:
		_, err = tx.Exec(`
INSERT INTO service_stats (service_id, total_succeeded, last_succeeded)
VALUES (?, 1, ?)
ON CONFLICT(service_id) DO UPDATE SET
    total_succeeded = total_succeeded + 1,
    last_succeeded = excluded.last_succeeded`, ev.ServiceID, ts)
	case stateFailed:
		_, err = tx.Exec(`
INSERT INTO service_stats (service_id, total_failed, last_failed)
VALUES (?, 1, ?)
ON CONFLICT(service_id) DO UPDATE SET
    total_failed = total_failed + 1,
    last_failed = excluded.last_failed`, ev.ServiceID, ts)
	}
	if err != nil {
		return fmt.Errorf("update service stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecentHandshakeEvents returns up to limit events, newest first.
func (d *DB) RecentHandshakeEvents(limit int) ([]HandshakeEvent, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.conn.Query(`
SELECT id, timestamp, run_id, attempt_id, service_id, from_state, to_state, reason
FROM handshake_events
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query handshake events: %w", err)
	}
	defer rows.Close()

	var out []HandshakeEvent
	for rows.Next() {
		var ev HandshakeEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ts, &ev.RunID, &ev.AttemptID, &ev.ServiceID, &ev.FromState, &ev.ToState, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan handshake event: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handshake events: %w", err)
	}
	return out, nil
}

// AllServiceStats returns totals for every service seen, ordered by id.
func (d *DB) AllServiceStats() ([]ServiceStats, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("db is not open")
	}

	rows, err := d.conn.Query(`
SELECT service_id, total_succeeded, total_failed, last_succeeded, last_failed
FROM service_stats
ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("query service stats: %w", err)
	}
	defer rows.Close()

	var out []ServiceStats
	for rows.Next() {
		var st ServiceStats
		var lastOK, lastFail sql.NullString
		if err := rows.Scan(&st.ServiceID, &st.TotalSucceeded, &st.TotalFailed, &lastOK, &lastFail); err != nil {
			return nil, fmt.Errorf("scan service stats: %w", err)
		}
		st.LastSucceeded = parseNullTime(lastOK)
		st.LastFailed = parseNullTime(lastFail)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service stats: %w", err)
	}
	return out, nil
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

// PruneBefore deletes transitions recorded before cutoff and returns how
// many went. Service totals are kept.
func (d *DB) PruneBefore(cutoff time.Time) (int64, error) {
	if d == nil || d.conn == nil {
		return 0, fmt.Errorf("db is not open")
	}
	res, err := d.conn.Exec(`DELETE FROM handshake_events WHERE julianday(timestamp) < julianday(?)`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune handshake events: %w", err)
	}
	return res.RowsAffected()
}
