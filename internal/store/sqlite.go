package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/vigild/internal/clinical"
	"github.com/fyrsmithlabs/vigild/internal/crisis"
	"github.com/fyrsmithlabs/vigild/internal/longitudinal"
)

//go:embed migrations.sql
var migrations string

// SQLite is the device store. Structured records that are only ever read
// back whole (check-ins, longitudinal state) live as JSON payloads with
// the queryable columns promoted; crisis rows are fully columnar because
// recovery scans them on every start.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens the database at path, creating the file and its
// directory as needed, and applies the embedded migrations. WAL keeps
// readers off the writer's lock; busy_timeout rides out brief contention
// between the daemon's writers.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveCheckIn(ctx context.Context, c clinical.CheckIn) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal check-in: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO check_ins (id, user_ref, final_tier, provenance, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserRef, string(c.Resolution.FinalTier), string(c.Resolution.Provenance),
		string(payload), c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save check-in %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) CheckIns(ctx context.Context, userRef string, limit int) ([]clinical.CheckIn, error) {
	query := `SELECT payload FROM check_ins WHERE user_ref = ? ORDER BY created_at DESC`
	args := []any{userRef}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query check-ins: %w", err)
	}
	defer rows.Close()

	var out []clinical.CheckIn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan check-in: %w", err)
		}
		var c clinical.CheckIn
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("decode check-in: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) LongitudinalState(ctx context.Context, userRef string) (*longitudinal.State, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM longitudinal_state WHERE user_ref = ?`, userRef).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query longitudinal state: %w", err)
	}

	var st longitudinal.State
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("decode longitudinal state: %w", err)
	}
	return &st, nil
}

func (s *SQLite) SaveLongitudinalState(ctx context.Context, st longitudinal.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal longitudinal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO longitudinal_state (user_ref, payload, updated_at) VALUES (?, ?, ?)`,
		st.UserRef, string(payload), st.LastUpdated.UnixNano())
	if err != nil {
		return fmt.Errorf("save longitudinal state for %s: %w", st.UserRef, err)
	}
	return nil
}

func (s *SQLite) CrisisSession(ctx context.Context, userRef string) (*crisis.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_ref, status, entered_at, started_at, window_ns, loops
		 FROM crisis_sessions WHERE user_ref = ?`, userRef)

	sess, err := scanCrisisSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query crisis session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) ListCrisisSessions(ctx context.Context) ([]crisis.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_ref, status, entered_at, started_at, window_ns, loops
		 FROM crisis_sessions ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query crisis sessions: %w", err)
	}
	defer rows.Close()

	var out []crisis.Session
	for rows.Next() {
		sess, err := scanCrisisSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crisis session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveCrisisSession(ctx context.Context, sess crisis.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO crisis_sessions (user_ref, id, status, entered_at, started_at, window_ns, loops)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.UserRef, sess.ID, string(sess.Status),
		sess.EnteredAt.UnixNano(), sess.StartedAt.UnixNano(), int64(sess.Window), sess.Loops)
	if err != nil {
		return fmt.Errorf("save crisis session for %s: %w", sess.UserRef, err)
	}
	return nil
}

func (s *SQLite) DeleteCrisisSession(ctx context.Context, userRef string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crisis_sessions WHERE user_ref = ?`, userRef)
	if err != nil {
		return fmt.Errorf("delete crisis session for %s: %w", userRef, err)
	}
	return nil
}

func (s *SQLite) AppendCrisisResolution(ctx context.Context, r crisis.Resolution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO crisis_resolutions (id, user_ref, started_at, resolved_at, loops, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserRef, r.StartedAt.UnixNano(), r.ResolvedAt.UnixNano(), r.Loops, string(r.Outcome))
	if err != nil {
		return fmt.Errorf("append crisis resolution %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) CrisisResolutions(ctx context.Context, userRef string, limit int) ([]crisis.Resolution, error) {
	query := `SELECT id, user_ref, started_at, resolved_at, loops, outcome
		 FROM crisis_resolutions WHERE user_ref = ? ORDER BY resolved_at DESC`
	args := []any{userRef}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query crisis resolutions: %w", err)
	}
	defer rows.Close()

	var out []crisis.Resolution
	for rows.Next() {
		var (
			r          crisis.Resolution
			outcome    string
			startedAt  int64
			resolvedAt int64
		)
		if err := rows.Scan(&r.ID, &r.UserRef, &startedAt, &resolvedAt, &r.Loops, &outcome); err != nil {
			return nil, fmt.Errorf("scan crisis resolution: %w", err)
		}
		r.Outcome = crisis.Status(outcome)
		r.StartedAt = timeFromNanos(startedAt)
		r.ResolvedAt = timeFromNanos(resolvedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendPendingWrite(ctx context.Context, w PendingWrite) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_writes (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.Kind, string(w.Payload), w.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append pending write: %w", err)
	}
	return nil
}

func (s *SQLite) TakePendingWrites(ctx context.Context) ([]PendingWrite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pending writes: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, kind, payload, created_at FROM pending_writes ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending writes: %w", err)
	}

	var out []PendingWrite
	for rows.Next() {
		var (
			w         PendingWrite
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&w.ID, &w.Kind, &payload, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		w.Payload = []byte(payload)
		w.CreatedAt = timeFromNanos(createdAt)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending writes: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes`); err != nil {
		return nil, fmt.Errorf("clear pending writes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pending writes: %w", err)
	}
	return out, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrisisSession(r rowScanner) (*crisis.Session, error) {
	var (
		sess      crisis.Session
		status    string
		enteredAt int64
		startedAt int64
		windowNS  int64
	)
	if err := r.Scan(&sess.ID, &sess.UserRef, &status, &enteredAt, &startedAt, &windowNS, &sess.Loops); err != nil {
		return nil, err
	}
	sess.Status = crisis.Status(status)
	sess.EnteredAt = timeFromNanos(enteredAt)
	sess.StartedAt = timeFromNanos(startedAt)
	sess.Window = time.Duration(windowNS)
	return &sess, nil
}

func timeFromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
