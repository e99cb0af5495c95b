// Package offline implements the durable local staging store.
//
// Answers and violation reports captured while the network is down are
// staged in SQLite keyed by test ID, then reconciled with the server in
// capture order once connectivity returns. Online writes are mirrored
// locally anyway so a crash or reload can recover the session. Staged
// answers always win over server-side values for the same key: the
// offline window cannot have produced newer server-side edits for the
// student's own answers.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the staging store.
const schema = `
CREATE TABLE IF NOT EXISTS answers (
    test_id     TEXT NOT NULL,
    key         TEXT NOT NULL,
    payload     TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    captured_at INTEGER NOT NULL,
    synced      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (test_id, key)
);

CREATE TABLE IF NOT EXISTS violations (
    id          TEXT PRIMARY KEY,
    test_id     TEXT NOT NULL,
    payload     TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    captured_at INTEGER NOT NULL,
    synced      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_answers_pending ON answers(test_id, synced, seq);
CREATE INDEX IF NOT EXISTS idx_violations_pending ON violations(test_id, synced, seq);

CREATE TABLE IF NOT EXISTS timer_snapshots (
    test_id       TEXT PRIMARY KEY,
    remaining_ms  INTEGER NOT NULL,
    saved_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS seq_counter (
    id  INTEGER PRIMARY KEY CHECK (id = 1),
    val INTEGER NOT NULL
);
INSERT OR IGNORE INTO seq_counter (id, val) VALUES (1, 0);
`

// Record is one staged entry awaiting sync.
type Record struct {
	Key        string
	Payload    string
	Seq        int64
	CapturedAt time.Time
	Synced     bool
}

// Forwarder submits a staged record to the server. Implemented by the
// API client.
type Forwarder interface {
	ForwardAnswer(ctx context.Context, testID, key, payload string) error
	ForwardViolation(ctx context.Context, testID, payload string) error
}

// ErrOffline is returned by forwarders when the network is unavailable.
// The store treats it like any other forward failure: the record stays
// staged.
var ErrOffline = errors.New("offline: network unavailable")

// Store is the durable staging area for one exam client.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	forward Forwarder

	mu     sync.Mutex
	online bool
}

// Open opens or creates the staging database. forward may be nil for
// read-only recovery use.
func Open(path string, forward Forwarder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:      db,
		logger:  logger.With("component", "offline_store"),
		forward: forward,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetOnline updates the connectivity state. A transition to online
// triggers an automatic flush.
func (s *Store) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if online && !was {
		s.logger.Info("connectivity restored, flushing staged records")
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("flush after reconnect failed", "error", err)
		}
	}
}

// Online reports the current connectivity state.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// WriteAnswer stages an answer locally and, when online, forwards it to
// the server immediately. Writing the same key twice overwrites the
// staged record (last write wins). The local mirror is written even for
// successful online forwards, for crash recovery.
func (s *Store) WriteAnswer(ctx context.Context, testID, key, payload string) error {
	synced := false
	if s.Online() && s.forward != nil {
		if err := s.forward.ForwardAnswer(ctx, testID, key, payload); err != nil {
			s.logger.Debug("answer forward failed, staging", "key", key, "error", err)
		} else {
			synced = true
		}
	}

	seq, err := s.nextSeq()
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO answers (test_id, key, payload, seq, captured_at, synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id, key) DO UPDATE SET
			payload     = excluded.payload,
			seq         = excluded.seq,
			captured_at = excluded.captured_at,
			synced      = excluded.synced`,
		testID, key, payload, seq, time.Now().UnixMilli(), boolToInt(synced),
	)
	if err != nil {
		return fmt.Errorf("stage answer: %w", err)
	}
	return nil
}

// StageViolation stages a violation report that could not be delivered.
func (s *Store) StageViolation(testID, id, payload string) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO violations (id, test_id, payload, seq, captured_at, synced)
		VALUES (?, ?, ?, ?, ?, 0)`,
		id, testID, payload, seq, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("stage violation: %w", err)
	}
	return nil
}

// Flush submits every unsynced record in capture order and marks each
// synced on success. A record whose forward fails stays pending and is
// retried on the next flush; records are never dropped silently.
func (s *Store) Flush(ctx context.Context) error {
	if s.forward == nil {
		return nil
	}

	if err := s.flushAnswers(ctx); err != nil {
		return err
	}
	return s.flushViolations(ctx)
}

func (s *Store) flushAnswers(ctx context.Context) error {
	rows, err := s.db.Query(`
		SELECT test_id, key, payload, seq FROM answers
		WHERE synced = 0 ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query pending answers: %w", err)
	}

	type pending struct {
		testID, key, payload string
		seq                  int64
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.testID, &p.key, &p.payload, &p.seq); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending answer: %w", err)
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending answers: %w", err)
	}

	for _, p := range todo {
		if err := s.forward.ForwardAnswer(ctx, p.testID, p.key, p.payload); err != nil {
			s.logger.Debug("answer flush failed, keeping pending",
				"key", p.key, "error", err)
			continue
		}
		// Only mark synced if the row was not overwritten by a newer
		// write while the forward was in flight.
		if _, err := s.db.Exec(`
			UPDATE answers SET synced = 1
			WHERE test_id = ? AND key = ? AND seq = ?`,
			p.testID, p.key, p.seq); err != nil {
			return fmt.Errorf("mark answer synced: %w", err)
		}
	}
	return nil
}

func (s *Store) flushViolations(ctx context.Context) error {
	rows, err := s.db.Query(`
		SELECT id, test_id, payload FROM violations
		WHERE synced = 0 ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query pending violations: %w", err)
	}

	type pending struct {
		id, testID, payload string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.testID, &p.payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending violation: %w", err)
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending violations: %w", err)
	}

	for _, p := range todo {
		if err := s.forward.ForwardViolation(ctx, p.testID, p.payload); err != nil {
			s.logger.Debug("violation flush failed, keeping pending",
				"id", p.id, "error", err)
			continue
		}
		if err := s.MarkViolationSynced(p.id); err != nil {
			return err
		}
	}
	return nil
}

// MarkViolationSynced records that the server accepted a staged
// violation, so reconnect flushes never re-post it.
func (s *Store) MarkViolationSynced(id string) error {
	if _, err := s.db.Exec(`UPDATE violations SET synced = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark violation synced: %w", err)
	}
	return nil
}

// Answers returns all staged answers for a test in capture order,
// synced or not. Used to merge local state into the submission payload.
func (s *Store) Answers(testID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT key, payload FROM answers
		WHERE test_id = ? ORDER BY seq ASC`, testID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out[key] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

// PendingAnswers returns unsynced answers for a test in capture order.
func (s *Store) PendingAnswers(testID string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT key, payload, seq, captured_at, synced FROM answers
		WHERE test_id = ? AND synced = 0 ORDER BY seq ASC`, testID)
	if err != nil {
		return nil, fmt.Errorf("query pending answers: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// PendingCount returns the number of unsynced records for a test.
func (s *Store) PendingCount(testID string) (int, error) {
	var n, m int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM answers WHERE test_id = ? AND synced = 0`, testID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending answers: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM violations WHERE test_id = ? AND synced = 0`, testID).Scan(&m)
	if err != nil {
		return 0, fmt.Errorf("count pending violations: %w", err)
	}
	return n + m, nil
}

// StagedViolations returns all staged violation payloads for a test in
// capture order.
func (s *Store) StagedViolations(testID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT payload FROM violations
		WHERE test_id = ? ORDER BY seq ASC`, testID)
	if err != nil {
		return nil, fmt.Errorf("query staged violations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan staged violation: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged violations: %w", err)
	}
	return out, nil
}

// SaveTimerSnapshot persists the last-known remaining time for crash
// recovery.
func (s *Store) SaveTimerSnapshot(testID string, remaining time.Duration) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO timer_snapshots (test_id, remaining_ms, saved_at)
		VALUES (?, ?, ?)`,
		testID, remaining.Milliseconds(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save timer snapshot: %w", err)
	}
	return nil
}

// TimerSnapshot returns the saved remaining time and when it was saved.
// Returns (0, zero time, nil) when no snapshot exists.
func (s *Store) TimerSnapshot(testID string) (time.Duration, time.Time, error) {
	var remainingMs, savedAt int64
	err := s.db.QueryRow(`
		SELECT remaining_ms, saved_at FROM timer_snapshots WHERE test_id = ?`,
		testID).Scan(&remainingMs, &savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, fmt.Errorf("load timer snapshot: %w", err)
	}
	return time.Duration(remainingMs) * time.Millisecond, time.UnixMilli(savedAt), nil
}

// ClearTest removes everything staged for a test. Called after a
// successful final submission.
func (s *Store) ClearTest(testID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM answers WHERE test_id = ?`,
		`DELETE FROM violations WHERE test_id = ?`,
		`DELETE FROM timer_snapshots WHERE test_id = ?`,
	} {
		if _, err := tx.Exec(q, testID); err != nil {
			return fmt.Errorf("clear test data: %w", err)
		}
	}
	return tx.Commit()
}

// nextSeq increments and returns the global capture-order counter. A
// monotonic counter rather than timestamps, so rapid successive writes
// keep a total order.
func (s *Store) nextSeq() (int64, error) {
	var seq int64
	err := s.db.QueryRow(`
		UPDATE seq_counter SET val = val + 1 WHERE id = 1 RETURNING val`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance seq counter: %w", err)
	}
	return seq, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var capturedAt int64
		var synced int
		if err := rows.Scan(&r.Key, &r.Payload, &r.Seq, &capturedAt, &synced); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CapturedAt = time.UnixMilli(capturedAt)
		r.Synced = synced != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
