package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/catalog"
)

const mediaAssetColumns = `id, type, storage_path, mime_type, owner, width_px, height_px, duration_seconds, page_count,
	alt_text, source_url, captions_path, transcript_path, created_at`

const cardColumns = `id, deck_id, title, prompt_text, answer_text, bloom_level, difficulty, language_code, is_active, created_at`

func (s *SQLiteStore) CreateIngestFile(ctx context.Context, f *catalog.IngestFile) (int64, error) {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingest_files (owner, source, storage_path, mime_type, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.Owner,
		f.Source,
		f.StoragePath,
		f.MimeType,
		nullableText(f.Meta),
		toMillis(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CreateMediaAsset(ctx context.Context, a *catalog.MediaAsset) (int64, error) {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO media_assets (
			type, storage_path, mime_type, owner, width_px, height_px, duration_seconds, page_count,
			alt_text, source_url, captions_path, transcript_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Type),
		a.StoragePath,
		a.MimeType,
		a.Owner,
		nullableInt(a.WidthPx),
		nullableInt(a.HeightPx),
		nullableFloat(a.DurationSeconds),
		nullableInt(a.PageCount),
		a.AltText,
		a.SourceURL,
		a.CaptionsPath,
		a.TranscriptPath,
		toMillis(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetMediaAssets(ctx context.Context, ids []int64) ([]catalog.MediaAsset, error) {
	if len(ids) == 0 {
		return []catalog.MediaAsset{}, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+mediaAssetColumns+` FROM media_assets WHERE id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]catalog.MediaAsset, len(ids))
	for rows.Next() {
		a, err := scanSQLiteMediaAsset(rows)
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

func (s *SQLiteStore) EnsureDeck(ctx context.Context, owner, title, description string) (int64, error) {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decks (owner, title, description, visibility, created_at)
		 VALUES (?, ?, ?, 'private', ?)
		 ON CONFLICT(owner, title) DO NOTHING`,
		owner,
		title,
		description,
		toMillis(time.Now()),
	); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM decks WHERE owner = ? AND title = ?`, owner, title).Scan(&id)
	return id, err
}

func (s *SQLiteStore) CreateCard(ctx context.Context, c *catalog.Card, mediaAssetIDs ...int64) (id int64, err error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO cards (deck_id, title, prompt_text, answer_text, bloom_level, difficulty, language_code, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DeckID,
		c.Title,
		c.PromptText,
		c.AnswerText,
		c.BloomLevel,
		c.Difficulty,
		c.LanguageCode,
		boolToInt(c.IsActive),
		toMillis(createdAt),
	)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, assetID := range mediaAssetIDs {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO card_media (card_id, media_asset_id, role) VALUES (?, ?, ?)`,
			id,
			assetID,
			catalog.RolePrimary,
		); err != nil {
			return 0, fmt.Errorf("link media asset %d: %w", assetID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) Summarize(ctx context.Context, since time.Time, recent int) (catalog.Summary, error) {
	sinceMs := toMillis(since)
	ret := catalog.Summary{MediaByType: make(map[catalog.MediaType]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM media_assets WHERE created_at >= ? GROUP BY type`, sinceMs)
	if err != nil {
		return ret, err
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return ret, err
		}
		ret.MediaByType[catalog.MediaType(typ)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ret, err
	}

	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN is_active = 0 THEN 1 ELSE 0 END), 0)
		 FROM cards WHERE created_at >= ?`,
		sinceMs,
	).Scan(&ret.ActiveCards, &ret.DraftCards); err != nil {
		return ret, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decks WHERE created_at >= ?`, sinceMs).Scan(&ret.DecksCreated); err != nil {
		return ret, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_files WHERE created_at >= ?`, sinceMs).Scan(&ret.IngestedFiles); err != nil {
		return ret, err
	}

	if recent <= 0 {
		return ret, nil
	}
	mediaRows, err := s.db.QueryContext(ctx, `SELECT `+mediaAssetColumns+` FROM media_assets WHERE created_at >= ? ORDER BY id DESC LIMIT ?`, sinceMs, recent)
	if err != nil {
		return ret, err
	}
	for mediaRows.Next() {
		a, err := scanSQLiteMediaAsset(mediaRows)
		if err != nil {
			mediaRows.Close()
			return ret, err
		}
		ret.RecentMedia = append(ret.RecentMedia, a)
	}
	mediaRows.Close()

	cardRows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE created_at >= ? ORDER BY id DESC LIMIT ?`, sinceMs, recent)
	if err != nil {
		return ret, err
	}
	defer cardRows.Close()
	for cardRows.Next() {
		var c catalog.Card
		var active int
		var createdAt int64
		if err := cardRows.Scan(&c.ID, &c.DeckID, &c.Title, &c.PromptText, &c.AnswerText, &c.BloomLevel,
			&c.Difficulty, &c.LanguageCode, &active, &createdAt); err != nil {
			return ret, err
		}
		c.IsActive = active == 1
		c.CreatedAt = fromMillis(createdAt)
		ret.RecentCards = append(ret.RecentCards, c)
	}
	return ret, cardRows.Err()
}

func scanSQLiteMediaAsset(row rowScanner) (catalog.MediaAsset, error) {
	var (
		a                   catalog.MediaAsset
		typ                 string
		width, height, page sql.NullInt64
		duration            sql.NullFloat64
		createdAt           int64
	)
	if err := row.Scan(&a.ID, &typ, &a.StoragePath, &a.MimeType, &a.Owner, &width, &height, &duration, &page,
		&a.AltText, &a.SourceURL, &a.CaptionsPath, &a.TranscriptPath, &createdAt); err != nil {
		return a, err
	}
	a.Type = catalog.MediaType(typ)
	a.WidthPx = intPtr(width)
	a.HeightPx = intPtr(height)
	a.PageCount = intPtr(page)
	if duration.Valid {
		d := duration.Float64
		a.DurationSeconds = &d
	}
	a.CreatedAt = fromMillis(createdAt)
	return a, nil
}

func orderAssets(ids []int64, byID map[int64]catalog.MediaAsset) ([]catalog.MediaAsset, error) {
	ret := make([]catalog.MediaAsset, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("media asset %d: %w", id, catalog.ErrNotFound)
		}
		ret = append(ret, a)
	}
	return ret, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
