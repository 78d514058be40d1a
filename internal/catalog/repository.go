package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/heimdex/heimdex-editor/internal/media"
)

type Repository interface {
	GetProbe(ctx context.Context, path, fingerprint string) (*media.ProbeResult, error)
	PutProbe(ctx context.Context, path, fingerprint string, result *media.ProbeResult) error
	PruneProbes(ctx context.Context, olderThan time.Time) (int64, error)

	CreateExport(ctx context.Context, rec *ExportRecord) error
	GetExport(ctx context.Context, id string) (*ExportRecord, error)
	ListExports(ctx context.Context, limit int) ([]*ExportRecord, error)
	UpdateExportProgress(ctx context.Context, id string, progress float64) error
	FinishExport(ctx context.Context, rec *ExportRecord) error
	DeleteExport(ctx context.Context, id string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetProbe returns nil, nil on a cache miss.
func (r *SQLiteRepository) GetProbe(ctx context.Context, path, fingerprint string) (*media.ProbeResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT duration_seconds, width, height, frame_rate, has_audio
		FROM probe_cache WHERE path = ? AND fingerprint = ?
	`, path, fingerprint)

	var res media.ProbeResult
	var hasAudio int
	err := row.Scan(&res.DurationSeconds, &res.Width, &res.Height, &res.FrameRate, &hasAudio)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.HasAudio = hasAudio == 1
	return &res, nil
}

func (r *SQLiteRepository) PutProbe(ctx context.Context, path, fingerprint string, res *media.ProbeResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO probe_cache (path, fingerprint, duration_seconds, width, height, frame_rate, has_audio, probed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, fingerprint) DO UPDATE SET
			duration_seconds = excluded.duration_seconds,
			width = excluded.width,
			height = excluded.height,
			frame_rate = excluded.frame_rate,
			has_audio = excluded.has_audio,
			probed_at = excluded.probed_at
	`, path, fingerprint, res.DurationSeconds, res.Width, res.Height, res.FrameRate,
		boolToInt(res.HasAudio), time.Now().UTC().Format(time.RFC3339))
	return err
}

// PruneProbes drops cache rows probed before olderThan.
func (r *SQLiteRepository) PruneProbes(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM probe_cache WHERE probed_at < ?",
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, status, filename, mime_type, output_path, clip_count, duration_seconds, progress, size_bytes, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Status, e.Filename, e.MimeType, nullString(e.OutputPath), e.ClipCount,
		e.DurationSeconds, e.Progress, e.SizeBytes, nullString(e.Error),
		e.CreatedAt.UTC().Format(time.RFC3339), e.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

const exportColumns = `id, status, filename, mime_type, output_path, clip_count, duration_seconds, progress, size_bytes, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*ExportRecord, error) {
	var e ExportRecord
	var outputPath, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.Status, &e.Filename, &e.MimeType, &outputPath, &e.ClipCount,
		&e.DurationSeconds, &e.Progress, &e.SizeBytes, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.OutputPath = outputPath.String
	e.Error = errMsg.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

// GetExport returns nil, nil when the export does not exist.
func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*ExportRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM exports ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []*ExportRecord
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, progress float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// FinishExport records the terminal state of an export.
func (r *SQLiteRepository) FinishExport(ctx context.Context, e *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, filename = ?, mime_type = ?, output_path = ?,
			duration_seconds = ?, progress = ?, size_bytes = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, e.Status, e.Filename, e.MimeType, nullString(e.OutputPath), e.DurationSeconds,
		e.Progress, e.SizeBytes, nullString(e.Error), time.Now().UTC().Format(time.RFC3339), e.ID)
	return err
}

func (r *SQLiteRepository) DeleteExport(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM exports WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
