package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConns:          25,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute * 30,
		HealthCheckPeriod: time.Minute,
	}
}

// PostgresStore implements jobs.Store and catalog.Store on PostgreSQL.
// Claims use FOR UPDATE SKIP LOCKED so any number of workers may poll.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, cfg *PoolConfig) (*PostgresStore, error) {
	if err := RunPostgresMigrations(databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if cfg != nil {
		if cfg.MaxConns > 0 {
			config.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			config.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			config.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			config.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		if cfg.HealthCheckPeriod > 0 {
			config.HealthCheckPeriod = cfg.HealthCheckPeriod
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RunPostgresMigrations applies the embedded migrations. ErrNoChange is not an error.
func RunPostgresMigrations(databaseURL string) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats() *pgxpool.Stat {
	if s.pool == nil {
		return nil
	}
	return s.pool.Stat()
}

func (s *PostgresStore) newWhere() *whereBuilder {
	return &whereBuilder{dollar: true, timeArg: func(t time.Time) any { return t.UTC() }}
}

func (s *PostgresStore) Insert(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	row := s.pool.QueryRow(
		ctx,
		`INSERT INTO jobs (type, status, input, output, error, created_by, attempts, created_at, updated_at, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+jobColumns,
		string(job.Type),
		string(job.Status),
		[]byte(job.Input),
		[]byte(job.Output),
		job.Error,
		job.CreatedBy,
		job.Attempts,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		job.EnqueuedAt.UTC(),
	)
	return scanPostgresJob(row)
}

func (s *PostgresStore) ClaimNext(ctx context.Context, at time.Time) (*jobs.Job, error) {
	row := s.pool.QueryRow(
		ctx,
		`UPDATE jobs
		 SET status = 'processing', updated_at = $1, attempts = attempts + 1
		 WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued'
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		at.UTC(),
	)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) Transition(ctx context.Context, id int64, from jobs.Status, u jobs.Update) (*jobs.Job, error) {
	var enqueuedAt *time.Time
	if u.Status == jobs.StatusQueued {
		at := u.At.UTC()
		enqueuedAt = &at
	}
	row := s.pool.QueryRow(
		ctx,
		`UPDATE jobs
		 SET status = $1, output = $2, error = $3, updated_at = $4, enqueued_at = COALESCE($5::timestamptz, enqueued_at)
		 WHERE id = $6 AND status = $7
		 RETURNING `+jobColumns,
		string(u.Status),
		[]byte(u.Output),
		u.Error,
		u.At.UTC(),
		enqueuedAt,
		id,
		string(from),
	)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, jobs.ErrNotFound
		}
		return nil, jobs.ErrStatusMismatch
	}
	return job, err
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	b := s.newWhere()
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs`+b.build(f)+orderClause(f)+limitClause(f), b.args...)
	if err != nil {
		return nil, err
	}
	return collectPostgresJobs(rows)
}

func (s *PostgresStore) Count(ctx context.Context, f jobs.Filter) ([]jobs.Count, error) {
	b := s.newWhere()
	rows, err := s.pool.Query(ctx, `SELECT status, type, COUNT(*) FROM jobs`+b.build(f)+` GROUP BY status, type ORDER BY status, type`, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]jobs.Count, 0)
	for rows.Next() {
		var status, typ string
		var n int64
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, err
		}
		ret = append(ret, jobs.Count{Status: jobs.Status(status), Type: jobs.Type(typ), N: int(n)})
	}
	return ret, rows.Err()
}

func (s *PostgresStore) FailStale(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]*jobs.Job, error) {
	rows, err := s.pool.Query(
		ctx,
		`UPDATE jobs
		 SET status = 'failed', output = NULL, error = $1, updated_at = $2
		 WHERE status = 'processing' AND updated_at < $3
		 RETURNING `+jobColumns,
		reason,
		at.UTC(),
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	ret, err := collectPostgresJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (s *PostgresStore) DeleteTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE status IN ('done', 'failed') AND created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectPostgresJobs(rows pgx.Rows) ([]*jobs.Job, error) {
	defer rows.Close()
	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
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

func scanPostgresJob(row rowScanner) (*jobs.Job, error) {
	var (
		job         jobs.Job
		typ, status string
	)
	if err := row.Scan(
		&job.ID,
		&typ,
		&status,
		&job.Input,
		&job.Output,
		&job.Error,
		&job.CreatedBy,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.EnqueuedAt,
	); err != nil {
		return nil, err
	}
	job.Type = jobs.Type(typ)
	job.Status = jobs.Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	return &job, nil
}

func (s *PostgresStore) CreateIngestFile(ctx context.Context, f *catalog.IngestFile) (int64, error) {
	var id int64
	err := s.pool.QueryRow(
		ctx,
		`INSERT INTO ingest_files (owner, source, storage_path, mime_type, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()))
		 RETURNING id`,
		f.Owner,
		f.Source,
		f.StoragePath,
		f.MimeType,
		[]byte(f.Meta),
		optionalTime(f.CreatedAt),
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) CreateMediaAsset(ctx context.Context, a *catalog.MediaAsset) (int64, error) {
	var id int64
	err := s.pool.QueryRow(
		ctx,
		`INSERT INTO media_assets (
			type, storage_path, mime_type, owner, width_px, height_px, duration_seconds, page_count,
			alt_text, source_url, captions_path, transcript_path, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13::timestamptz, now()))
		RETURNING id`,
		string(a.Type),
		a.StoragePath,
		a.MimeType,
		a.Owner,
		a.WidthPx,
		a.HeightPx,
		a.DurationSeconds,
		a.PageCount,
		a.AltText,
		a.SourceURL,
		a.CaptionsPath,
		a.TranscriptPath,
		optionalTime(a.CreatedAt),
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) GetMediaAssets(ctx context.Context, ids []int64) ([]catalog.MediaAsset, error) {
	if len(ids) == 0 {
		return []catalog.MediaAsset{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+mediaAssetColumns+` FROM media_assets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]catalog.MediaAsset, len(ids))
	for rows.Next() {
		a, err := scanPostgresMediaAsset(rows)
		if err != nil {
			return nil, err
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderAssets(ids, byID)
}

func (s *PostgresStore) EnsureDeck(ctx context.Context, owner, title, description string) (int64, error) {
	var id int64
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.pool.QueryRow(
		ctx,
		`INSERT INTO decks (owner, title, description, visibility)
		 VALUES ($1, $2, $3, 'private')
		 ON CONFLICT (owner, title) DO UPDATE SET title = EXCLUDED.title
		 RETURNING id`,
		owner,
		title,
		description,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) CreateCard(ctx context.Context, c *catalog.Card, mediaAssetIDs ...int64) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(
			ctx,
			`INSERT INTO cards (deck_id, title, prompt_text, answer_text, bloom_level, difficulty, language_code, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::timestamptz, now()))
			 RETURNING id`,
			c.DeckID,
			c.Title,
			c.PromptText,
			c.AnswerText,
			c.BloomLevel,
			c.Difficulty,
			c.LanguageCode,
			c.IsActive,
			optionalTime(c.CreatedAt),
		).Scan(&id); err != nil {
			return err
		}
		for _, assetID := range mediaAssetIDs {
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO card_media (card_id, media_asset_id, role) VALUES ($1, $2, $3)`,
				id,
				assetID,
				catalog.RolePrimary,
			); err != nil {
				return fmt.Errorf("link media asset %d: %w", assetID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, since time.Time, recent int) (catalog.Summary, error) {
	since = since.UTC()
	ret := catalog.Summary{MediaByType: make(map[catalog.MediaType]int)}

	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM media_assets WHERE created_at >= $1 GROUP BY type`, since)
	if err != nil {
		return ret, err
	}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return ret, err
		}
		ret.MediaByType[catalog.MediaType(typ)] = int(n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ret, err
	}

	var active, draft, decks, files int64
	if err := s.pool.QueryRow(
		ctx,
		`SELECT
			(SELECT COUNT(*) FROM cards WHERE created_at >= $1 AND is_active),
			(SELECT COUNT(*) FROM cards WHERE created_at >= $1 AND NOT is_active),
			(SELECT COUNT(*) FROM decks WHERE created_at >= $1),
			(SELECT COUNT(*) FROM ingest_files WHERE created_at >= $1)`,
		since,
	).Scan(&active, &draft, &decks, &files); err != nil {
		return ret, err
	}
	ret.ActiveCards, ret.DraftCards = int(active), int(draft)
	ret.DecksCreated, ret.IngestedFiles = int(decks), int(files)

	if recent <= 0 {
		return ret, nil
	}
	mediaRows, err := s.pool.Query(ctx, `SELECT `+mediaAssetColumns+` FROM media_assets WHERE created_at >= $1 ORDER BY id DESC LIMIT $2`, since, recent)
	if err != nil {
		return ret, err
	}
	for mediaRows.Next() {
		a, err := scanPostgresMediaAsset(mediaRows)
		if err != nil {
			mediaRows.Close()
			return ret, err
		}
		ret.RecentMedia = append(ret.RecentMedia, a)
	}
	mediaRows.Close()

	cardRows, err := s.pool.Query(ctx, `SELECT `+cardColumns+` FROM cards WHERE created_at >= $1 ORDER BY id DESC LIMIT $2`, since, recent)
	if err != nil {
		return ret, err
	}
	defer cardRows.Close()
	for cardRows.Next() {
		var c catalog.Card
		var difficulty int32
		if err := cardRows.Scan(&c.ID, &c.DeckID, &c.Title, &c.PromptText, &c.AnswerText, &c.BloomLevel,
			&difficulty, &c.LanguageCode, &c.IsActive, &c.CreatedAt); err != nil {
			return ret, err
		}
		c.Difficulty = int(difficulty)
		c.CreatedAt = c.CreatedAt.UTC()
		ret.RecentCards = append(ret.RecentCards, c)
	}
	return ret, cardRows.Err()
}

func scanPostgresMediaAsset(row rowScanner) (catalog.MediaAsset, error) {
	var (
		a                   catalog.MediaAsset
		typ                 string
		width, height, page *int32
	)
	if err := row.Scan(&a.ID, &typ, &a.StoragePath, &a.MimeType, &a.Owner, &width, &height, &a.DurationSeconds, &page,
		&a.AltText, &a.SourceURL, &a.CaptionsPath, &a.TranscriptPath, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Type = catalog.MediaType(typ)
	a.WidthPx = widen(width)
	a.HeightPx = widen(height)
	a.PageCount = widen(page)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func widen(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
