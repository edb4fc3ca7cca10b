package registry

// Package registry is the server side of the recovery pipeline: it stores cases in SQLite,
// applies lifecycle transitions, serves the recovery HTTP API and runs the background expirer
// and packager.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"device-recovery/internal/recovery"
)

var (
	// ErrNotFound is returned when no case matches an id or recovery code.
	ErrNotFound = errors.New("case not found")
	// ErrCodeConflict is returned by Create when the recovery code is already taken.
	ErrCodeConflict = errors.New("recovery code already in use")
)

// Event is one row of a case's audit trail.
type Event struct {
	ID     int64           `json:"id"`
	At     time.Time       `json:"at"`
	Event  string          `json:"event"`
	From   recovery.Status `json:"from_status"`
	To     recovery.Status `json:"to_status"`
	Detail string          `json:"detail,omitempty"`
}

// Change describes one committed mutation.
type Change struct {
	Case   *recovery.Case
	From   recovery.Status
	Event  string
	Detail string
}

// Changed reports whether the mutation moved the case to a new status.
func (c *Change) Changed() bool {
	return c.Case != nil && c.From != c.Case.Status
}

// MutateFunc changes a loaded case. It returns the audit event name and detail; an empty
// event name records no audit row unless the status changed.
type MutateFunc func(c *recovery.Case) (event, detail string, err error)

// Store wraps the SQL database connection.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes transactions; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		recovery_code TEXT NOT NULL UNIQUE,
		client_number TEXT NOT NULL,
		device_type TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		device_serial TEXT NOT NULL DEFAULT '',
		device_descriptor TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_cases_status_expires ON cases(status, expires_at);

	CREATE TABLE IF NOT EXISTS case_statistics (
		case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
		data_type TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (case_id, data_type)
	);

	CREATE TABLE IF NOT EXISTS case_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
		at INTEGER NOT NULL,
		event TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(case_id, id);
	`
	_, err := s.db.Exec(query)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectCase = `
	SELECT id, recovery_code, client_number, device_type, status, progress_percent,
		current_step, device_serial, device_descriptor, failure_reason,
		created_at, updated_at, expires_at, completed_at
	FROM cases`

// Create inserts a new case and its creation event.
func (s *Store) Create(ctx context.Context, c *recovery.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO cases (id, recovery_code, client_number, device_type, status, progress_percent,
		current_step, device_serial, device_descriptor, failure_reason,
		created_at, updated_at, expires_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RecoveryCode, c.ClientNumber, string(c.DeviceType), string(c.Status), c.ProgressPercent,
		c.CurrentStep, c.DeviceSerial, nullJSON(c.DeviceDescriptor), c.FailureReason,
		unixNano(c.CreatedAt), unixNano(c.UpdatedAt), unixNano(c.ExpiresAt), nullTime(c.CompletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: cases.recovery_code") {
			return ErrCodeConflict
		}
		return err
	}
	if err := saveStatistics(ctx, tx, c); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, c.ID, c.CreatedAt, "created", "", c.Status, c.ClientNumber); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByCode returns the case with the given recovery code.
func (s *Store) GetByCode(ctx context.Context, code string) (*recovery.Case, error) {
	return loadCase(ctx, s.db, "recovery_code", code)
}

// GetByID returns the case with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*recovery.Case, error) {
	return loadCase(ctx, s.db, "id", id)
}

// Events returns the audit trail of a case, oldest first.
func (s *Store) Events(ctx context.Context, caseID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, at, event, from_status, to_status, detail
	FROM case_events
	WHERE case_id = ?
	ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			at       int64
			from, to string
		)
		if err := rows.Scan(&e.ID, &at, &e.Event, &from, &to, &e.Detail); err != nil {
			return nil, err
		}
		e.At = fromUnixNano(at)
		e.From = recovery.Status(from)
		e.To = recovery.Status(to)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MutateByCode loads the case with the given recovery code, applies fn and saves the result
// in one transaction.
func (s *Store) MutateByCode(ctx context.Context, code string, fn MutateFunc) (*Change, error) {
	return s.mutate(ctx, "recovery_code", code, fn)
}

// MutateByID is MutateByCode keyed by case id.
func (s *Store) MutateByID(ctx context.Context, id string, fn MutateFunc) (*Change, error) {
	return s.mutate(ctx, "id", id, fn)
}

// mutate commits fn's changes. When fn fails after the case expired, the expiry is still
// committed and returned together with fn's error.
func (s *Store) mutate(ctx context.Context, column, value string, fn MutateFunc) (*Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := loadCase(ctx, tx, column, value)
	if err != nil {
		return nil, err
	}
	ch := &Change{Case: c, From: c.Status}

	event, detail, fnErr := fn(c)
	if fnErr != nil {
		if c.Status != recovery.StatusExpired || ch.From == recovery.StatusExpired {
			return nil, fnErr
		}
		event, detail = string(recovery.EventExpired), ""
	}
	if event == "" && ch.Changed() {
		event = string(c.Status)
	}
	ch.Event, ch.Detail = event, detail

	if err := saveCase(ctx, tx, c); err != nil {
		return nil, err
	}
	if event != "" {
		if err := insertEvent(ctx, tx, c.ID, c.UpdatedAt, event, ch.From, c.Status, detail); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ch, fnErr
}

// ListOverdue returns ids of non-terminal cases whose expires_at is before now.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id FROM cases
	WHERE status NOT IN (?, ?, ?) AND expires_at > 0 AND expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?`,
		string(recovery.StatusCompleted), string(recovery.StatusFailed), string(recovery.StatusExpired),
		unixNano(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByStatus returns up to limit cases in status, least recently updated first.
func (s *Store) ListByStatus(ctx context.Context, status recovery.Status, limit int) ([]*recovery.Case, error) {
	rows, err := s.db.QueryContext(ctx, selectCase+`
	WHERE status = ?
	ORDER BY updated_at ASC
	LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	var cases []*recovery.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cases = append(cases, c)
	}
	// Close before loading statistics: the store holds a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range cases {
		if c.Statistics, err = loadStatistics(ctx, s.db, c.ID); err != nil {
			return nil, err
		}
	}
	return cases, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (*recovery.Case, error) {
	var (
		c                         recovery.Case
		deviceType, status        string
		descriptor                sql.NullString
		created, updated, expires int64
		completed                 sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.RecoveryCode, &c.ClientNumber, &deviceType, &status, &c.ProgressPercent,
		&c.CurrentStep, &c.DeviceSerial, &descriptor, &c.FailureReason,
		&created, &updated, &expires, &completed)
	if err != nil {
		return nil, err
	}
	c.DeviceType = recovery.DeviceType(deviceType)
	c.Status = recovery.Status(status)
	if descriptor.Valid && descriptor.String != "" {
		c.DeviceDescriptor = json.RawMessage(descriptor.String)
	}
	c.CreatedAt = fromUnixNano(created)
	c.UpdatedAt = fromUnixNano(updated)
	c.ExpiresAt = fromUnixNano(expires)
	if completed.Valid {
		t := fromUnixNano(completed.Int64)
		c.CompletedAt = &t
	}
	return &c, nil
}

func loadCase(ctx context.Context, q queryer, column, value string) (*recovery.Case, error) {
	c, err := scanCase(q.QueryRowContext(ctx, selectCase+" WHERE "+column+" = ?", value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Statistics, err = loadStatistics(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func loadStatistics(ctx context.Context, q queryer, caseID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT data_type, count FROM case_statistics WHERE case_id = ?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats[name] = count
	}
	return stats, rows.Err()
}

func saveCase(ctx context.Context, q queryer, c *recovery.Case) error {
	_, err := q.ExecContext(ctx, `
	UPDATE cases SET
		status = ?, progress_percent = ?, current_step = ?, device_serial = ?,
		device_descriptor = ?, failure_reason = ?, updated_at = ?, expires_at = ?, completed_at = ?
	WHERE id = ?`,
		string(c.Status), c.ProgressPercent, c.CurrentStep, c.DeviceSerial,
		nullJSON(c.DeviceDescriptor), c.FailureReason, unixNano(c.UpdatedAt), unixNano(c.ExpiresAt),
		nullTime(c.CompletedAt), c.ID)
	if err != nil {
		return err
	}
	return saveStatistics(ctx, q, c)
}

// saveStatistics upserts every category count of c.
func saveStatistics(ctx context.Context, q queryer, c *recovery.Case) error {
	for name, count := range c.Statistics {
		_, err := q.ExecContext(ctx, `
		INSERT INTO case_statistics (case_id, data_type, count)
		VALUES (?, ?, ?)
		ON CONFLICT(case_id, data_type) DO UPDATE SET count = excluded.count`,
			c.ID, name, count)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertEvent(ctx context.Context, q queryer, caseID string, at time.Time, event string, from, to recovery.Status, detail string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO case_events (case_id, at, event, from_status, to_status, detail)
	VALUES (?, ?, ?, ?, ?, ?)`,
		caseID, unixNano(at), event, string(from), string(to), detail)
	return err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
