package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenAt(filepath.Join(t.TempDir(), "iab.db"))
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenAt_CreatesDBAndRunsMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "iab.db")

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file stat error = %v", err)
	}
	if d.Path() != path {
		t.Fatalf("Path() = %q, want %q", d.Path(), path)
	}

	for _, table := range []string{"schema_version", "handshake_events", "service_stats"} {
		var name string
		if err := d.Conn().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	// Migrations should be idempotent.
	if err := RunMigrations(d.Conn()); err != nil {
		t.Fatalf("RunMigrations() second run error = %v", err)
	}

	var version int
	if err := d.Conn().QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version error = %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema_version max = %d, want %d", version, len(migrations))
	}
}

func TestOpenAt_EmptyPath(t *testing.T) {
	if _, err := OpenAt("  "); err == nil {
		t.Fatal("OpenAt(blank) expected error")
	}
}

func TestOpenAt_EnablesWALMode(t *testing.T) {
	d := openTestDB(t)

	var mode string
	if err := d.Conn().QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode = %q, want %q", mode, "wal")
	}
}

func TestOpenAt_CorruptDB_RenamedAndRecreated(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "iab.db")

	if err := os.WriteFile(path, []byte("not a database"), 0600); err != nil {
		t.Fatalf("write corrupt db: %v", err)
	}

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	backups, err := filepath.Glob(path + ".corrupt.*")
	if err != nil {
		t.Fatalf("glob corrupt backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("corrupt backup count = %d, want 1", len(backups))
	}
	if d.Quarantined() != backups[0] {
		t.Fatalf("Quarantined() = %q, want %q", d.Quarantined(), backups[0])
	}
	if err := d.LogHandshakeEvent(HandshakeEvent{ServiceID: "https://auth/login", ToState: "IDLE"}); err != nil {
		t.Fatalf("recreated log not writable: %v", err)
	}
}

func TestOpenAt_HealthyDBNotQuarantined(t *testing.T) {
	d := openTestDB(t)
	if d.Quarantined() != "" {
		t.Fatalf("Quarantined() = %q, want empty", d.Quarantined())
	}
}

func TestPruneBefore(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{base, base.Add(time.Hour), base.Add(48 * time.Hour)} {
		ev := HandshakeEvent{Timestamp: ts, ServiceID: "https://auth/login", RunID: "r1", FromState: "AWAITING_RELAY", ToState: "SUCCEEDED"}
		if err := d.LogHandshakeEvent(ev); err != nil {
			t.Fatalf("LogHandshakeEvent(%d) error = %v", i, err)
		}
	}

	n, err := d.PruneBefore(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}

	recent, err := d.RecentHandshakeEvents(10)
	if err != nil {
		t.Fatalf("RecentHandshakeEvents() error = %v", err)
	}
	if len(recent) != 1 || !recent[0].Timestamp.Equal(base.Add(48*time.Hour)) {
		t.Fatalf("recent after prune = %+v", recent)
	}

	stats, err := d.AllServiceStats()
	if err != nil {
		t.Fatalf("AllServiceStats() error = %v", err)
	}
	if len(stats) != 1 || stats[0].TotalSucceeded != 3 {
		t.Fatalf("stats after prune = %+v", stats)
	}
}

func TestDefaultPath_UsesIABHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("IAB_HOME", home)

	want := filepath.Join(home, "data", "iab.db")
	if got := DefaultPath(); got != want {
		t.Fatalf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestLogHandshakeEvent_RecentAndStats(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []HandshakeEvent{
		{Timestamp: base, RunID: "r1", ServiceID: "https://auth/login", FromState: "IDLE", ToState: "PROMPT_VISIBLE", Reason: "login_requested"},
		{Timestamp: base.Add(time.Second), RunID: "r1", AttemptID: "a1", ServiceID: "https://auth/login", FromState: "AWAITING_RELAY", ToState: "FAILED", Reason: "relay_rejected"},
		{Timestamp: base.Add(2 * time.Second), RunID: "r1", AttemptID: "a2", ServiceID: "https://auth/login", FromState: "AWAITING_RELAY", ToState: "SUCCEEDED", Reason: "token_received"},
		{Timestamp: base.Add(3 * time.Second), RunID: "r1", AttemptID: "a3", ServiceID: "https://auth/kiosk", FromState: "AWAITING_RELAY", ToState: "SUCCEEDED", Reason: "token_received"},
	}
	for _, ev := range events {
		if err := d.LogHandshakeEvent(ev); err != nil {
			t.Fatalf("LogHandshakeEvent() error = %v", err)
		}
	}

	recent, err := d.RecentHandshakeEvents(2)
	if err != nil {
		t.Fatalf("RecentHandshakeEvents() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent len = %d, want 2", len(recent))
	}
	if recent[0].ServiceID != "https://auth/kiosk" || recent[1].AttemptID != "a2" {
		t.Fatalf("recent not newest first: %+v", recent)
	}
	if !recent[0].Timestamp.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("timestamp = %v, want %v", recent[0].Timestamp, base.Add(3*time.Second))
	}

	stats, err := d.AllServiceStats()
	if err != nil {
		t.Fatalf("AllServiceStats() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats len = %d, want 2", len(stats))
	}
	login := stats[1]
	if login.ServiceID != "https://auth/login" || login.TotalSucceeded != 1 || login.TotalFailed != 1 {
		t.Fatalf("login stats = %+v", login)
	}
	if !login.LastFailed.Equal(base.Add(time.Second)) {
		t.Fatalf("LastFailed = %v", login.LastFailed)
	}
	if stats[0].TotalFailed != 0 || !stats[0].LastFailed.IsZero() {
		t.Fatalf("kiosk stats = %+v", stats[0])
	}
}

func TestLogHandshakeEvent_RequiresServiceID(t *testing.T) {
	d := openTestDB(t)
	if err := d.LogHandshakeEvent(HandshakeEvent{ToState: "IDLE"}); err == nil {
		t.Fatal("expected error for missing service id")
	}
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	d := openTestDB(t)
	r := NewRecorder(d, nil)

	r.RecordTransition(handshake.Transition{
		RunID:     "r1",
		ServiceID: "https://auth/login",
		From:      handshake.StateAwaitingRelay,
		To:        handshake.StateSucceeded,
		Reason:    "token_received",
		At:        time.Now(),
	})
	r.Close()
	r.Close()

	recent, err := d.RecentHandshakeEvents(10)
	if err != nil {
		t.Fatalf("RecentHandshakeEvents() error = %v", err)
	}
	if len(recent) != 1 || recent[0].ToState != "SUCCEEDED" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestQuarantine_MovesSidecars(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "iab.db")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := os.WriteFile(path, []byte("junk"), 0600); err != nil {
		t.Fatalf("write db: %v", err)
	}
	if err := os.WriteFile(path+"-wal", []byte("wal"), 0600); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	backup, err := quarantine(path, now)
	if err != nil {
		t.Fatalf("quarantine() error = %v", err)
	}
	if want := path + ".corrupt.20260101T000000Z"; backup != want {
		t.Fatalf("backup = %q, want %q", backup, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original should be gone, stat err = %v", err)
	}

	if data, err := os.ReadFile(backup + "-wal"); err != nil {
		t.Fatalf("read wal backup: %v", err)
	} else if string(data) != "wal" {
		t.Fatalf("wal backup content = %q, want %q", string(data), "wal")
	}
	if _, err := os.Stat(backup + "-shm"); !os.IsNotExist(err) {
		t.Fatalf("missing shm should be skipped, stat err = %v", err)
	}
}
