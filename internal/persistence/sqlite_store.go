package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore implements jobs.Store and catalog.Store on a single-connection
// SQLite database. Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which makes the claim statement atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	const dir = "migrations/sqlite"
	entries, err := sqliteMigrations.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := sqliteMigrations.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_jobs.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Insert(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO jobs (type, status, input, output, error, created_by, attempts, created_at, updated_at, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+jobColumns,
		string(job.Type),
		string(job.Status),
		string(job.Input),
		nullableText(job.Output),
		nullableString(job.Error),
		job.CreatedBy,
		job.Attempts,
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
		toMillis(job.EnqueuedAt),
	)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, at time.Time) (*jobs.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = 'processing', updated_at = ?, attempts = attempts + 1
		 WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued' ORDER BY enqueued_at ASC, id ASC LIMIT 1
		 ) AND status = 'queued'
		 RETURNING `+jobColumns,
		toMillis(at),
	)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) Transition(ctx context.Context, id int64, from jobs.Status, u jobs.Update) (*jobs.Job, error) {
	var enqueuedAt any
	if u.Status == jobs.StatusQueued {
		enqueuedAt = toMillis(u.At)
	}
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = ?, output = ?, error = ?, updated_at = ?, enqueued_at = COALESCE(?, enqueued_at)
		 WHERE id = ? AND status = ?
		 RETURNING `+jobColumns,
		string(u.Status),
		nullableText(u.Output),
		nullableString(u.Error),
		toMillis(u.At),
		enqueuedAt,
		id,
		string(from),
	)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrMismatch(ctx, id)
	}
	return job, err
}

func (s *SQLiteStore) missOrMismatch(ctx context.Context, id int64) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return jobs.ErrNotFound
	}
	return jobs.ErrStatusMismatch
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) newWhere() *whereBuilder {
	return &whereBuilder{timeArg: func(t time.Time) any { return toMillis(t) }}
}

func (s *SQLiteStore) List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	b := s.newWhere()
	query := `SELECT ` + jobColumns + ` FROM jobs` + b.build(f) + orderClause(f) + limitClause(f)
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) Count(ctx context.Context, f jobs.Filter) ([]jobs.Count, error) {
	b := s.newWhere()
	query := `SELECT status, type, COUNT(*) FROM jobs` + b.build(f) + ` GROUP BY status, type ORDER BY status, type`
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.Count, 0)
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, err
		}
		ret = append(ret, jobs.Count{Status: jobs.Status(status), Type: jobs.Type(typ), N: n})
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) FailStale(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`UPDATE jobs
		 SET status = 'failed', output = NULL, error = ?, updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?
		 RETURNING `+jobColumns,
		reason,
		toMillis(at),
		toMillis(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (s *SQLiteStore) DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE status IN ('done', 'failed') AND created_at < ?`,
		toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*jobs.Job, error) {
	var (
		job                              jobs.Job
		typ, status, input               string
		output, errMsg                   sql.NullString
		createdAt, updatedAt, enqueuedAt int64
	)
	if err := row.Scan(
		&job.ID,
		&typ,
		&status,
		&input,
		&output,
		&errMsg,
		&job.CreatedBy,
		&job.Attempts,
		&createdAt,
		&updatedAt,
		&enqueuedAt,
	); err != nil {
		return nil, err
	}
	job.Type = jobs.Type(typ)
	job.Status = jobs.Status(status)
	job.Input = []byte(input)
	if output.Valid {
		job.Output = []byte(output.String)
	}
	if errMsg.Valid {
		msg := errMsg.String
		job.Error = &msg
	}
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.EnqueuedAt = fromMillis(enqueuedAt)
	return &job, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableText(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
