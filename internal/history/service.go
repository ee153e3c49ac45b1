// Package history persists task records and source sessions, and restores
// the queue after a restart.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/crypto"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("history record not found")

// Service provides task history persistence.
type Service struct {
	db      *sql.DB
	secrets *crypto.SecretStore
	logger  zerolog.Logger
}

// NewService creates a new history service. secrets may be nil; sessions are
// then stored unencrypted (tests only).
func NewService(db *sql.DB, secrets *crypto.SecretStore, logger zerolog.Logger) *Service {
	return &Service{
		db:      db,
		secrets: secrets,
		logger:  logger.With().Str("component", "history").Logger(),
	}
}

const upsertSQL = `
INSERT INTO tasks (
    id, url, title, status, source, cover_url, artist, parody, content_type,
    tags, added_at, completed_at, file_path, error_message, logs,
    total_images, downloaded_images, progress_percent
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    status = excluded.status,
    cover_url = excluded.cover_url,
    artist = excluded.artist,
    parody = excluded.parody,
    content_type = excluded.content_type,
    tags = excluded.tags,
    completed_at = excluded.completed_at,
    file_path = excluded.file_path,
    error_message = excluded.error_message,
    logs = excluded.logs,
    total_images = excluded.total_images,
    downloaded_images = excluded.downloaded_images,
    progress_percent = excluded.progress_percent`

// Upsert inserts or updates the persisted record for a task.
func (s *Service) Upsert(ctx context.Context, rec Record) error {
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	logsJSON, err := json.Marshal(rec.Logs)
	if err != nil {
		return err
	}

	var completedAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, upsertSQL,
		rec.ID, rec.URL, rec.Title, rec.Status, rec.Source, rec.CoverURL,
		rec.Artist, rec.Parody, rec.ContentType, string(tagsJSON), rec.AddedAt,
		completedAt, rec.FilePath, rec.ErrorMessage, string(logsJSON),
		rec.TotalImages, rec.DownloadedImages, rec.ProgressPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to persist task record: %w", err)
	}
	return nil
}

const selectColumns = `
    id, url, title, status, source, cover_url, artist, parody, content_type,
    tags, added_at, completed_at, file_path, error_message, logs,
    total_images, downloaded_images, progress_percent, hidden_from_queue`

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT"+selectColumns+" FROM tasks WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM tasks ORDER BY added_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// HasCompleted reports whether a URL already has a completed record; used by
// the duplicate check at task acceptance.
func (s *Service) HasCompleted(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE url = ? AND status = 'completed'", url).Scan(&n)
	return n > 0, err
}

// HasContentType reports whether a content type already appears among
// completed records; used by the strict-import policy.
func (s *Service) HasContentType(ctx context.Context, contentType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE content_type = ? AND status = 'completed'", contentType).Scan(&n)
	return n > 0, err
}

// ListInterrupted returns records whose persisted status was an in-flight
// state; interrupted work is never silently treated as complete.
func (s *Service) ListInterrupted(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+` FROM tasks
		 WHERE status IN ('downloading', 'parsing', 'zipping', 'verification', 'pending')
		   AND hidden_from_queue = 0
		 ORDER BY added_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Delete removes one record.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	return err
}

// SetHidden flags a record as removed from the visible queue while keeping
// its history entry.
func (s *Service) SetHidden(ctx context.Context, id string, hidden bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET hidden_from_queue = ? WHERE id = ?", boolToInt(hidden), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupOld removes the oldest terminal records beyond maxItems. Returns the
// number of records removed.
func (s *Service) CleanupOld(ctx context.Context, maxItems int) (int, error) {
	if maxItems <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id IN (
			SELECT id FROM tasks
			WHERE status IN ('completed', 'failed', 'cancelled')
			ORDER BY added_at DESC
			LIMIT -1 OFFSET ?
		)`, maxItems)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("history cleanup")
	}
	return int(n), nil
}

// SaveSession stores a source's session cookies, encrypted at rest.
func (s *Service) SaveSession(ctx context.Context, src, cookieHeader string) error {
	stored := cookieHeader
	if s.secrets != nil {
		var err error
		stored, err = s.secrets.Encrypt(cookieHeader)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_sessions (source, cookie_header, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
		    cookie_header = excluded.cookie_header,
		    updated_at = excluded.updated_at`,
		src, stored, time.Now())
	return err
}

// Sessions returns all stored source sessions, decrypted.
func (s *Service) Sessions(ctx context.Context) ([]SourceSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source, cookie_header, updated_at FROM source_sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SourceSession
	for rows.Next() {
		var sess SourceSession
		if err := rows.Scan(&sess.Source, &sess.CookieHeader, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if s.secrets != nil {
			plain, err := s.secrets.Decrypt(sess.CookieHeader)
			if err != nil {
				s.logger.Warn().Err(err).Str("source", sess.Source).Msg("failed to decrypt stored session, skipping")
				continue
			}
			sess.CookieHeader = plain
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var tagsJSON, logsJSON string
	var completedAt sql.NullTime
	var hidden int

	err := row.Scan(
		&rec.ID, &rec.URL, &rec.Title, &rec.Status, &rec.Source, &rec.CoverURL,
		&rec.Artist, &rec.Parody, &rec.ContentType, &tagsJSON, &rec.AddedAt,
		&completedAt, &rec.FilePath, &rec.ErrorMessage, &logsJSON,
		&rec.TotalImages, &rec.DownloadedImages, &rec.ProgressPercent, &hidden,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	rec.HiddenFromQueue = hidden != 0
	// Malformed JSON in these columns degrades to empty, not an error.
	_ = json.Unmarshal([]byte(tagsJSON), &rec.Tags)
	_ = json.Unmarshal([]byte(logsJSON), &rec.Logs)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
