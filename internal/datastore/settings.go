package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/book-expert/audiobook-service/internal/core"
)

// SettingsRepository handles database operations for the per-book
// generation settings lock record.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Put stores the settings record for a book, replacing any existing one.
// The commit service only calls this for a book's first chapter, so in
// practice the record never changes after it is written.
func (r *SettingsRepository) Put(ctx context.Context, bookID, ownerID string, settings core.GenerationSettings) error {
	query := `
		INSERT INTO generation_settings (
			book_id, owner_id, provider, model, voice, native_speed, post_speed, output_format
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (book_id, owner_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			voice = EXCLUDED.voice,
			native_speed = EXCLUDED.native_speed,
			post_speed = EXCLUDED.post_speed,
			output_format = EXCLUDED.output_format
	`

	_, err := r.db.ExecContext(ctx, query,
		bookID, ownerID, settings.Provider, settings.Model, settings.Voice,
		settings.NativeSpeed, settings.PostSpeed, string(settings.OutputFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to put settings of book %s: %w", bookID, err)
	}

	return nil
}

// Get retrieves the settings record of a book. A missing record for a book
// that has chapters is the recognized legacy "unknown settings" state; the
// caller decides how to surface it.
func (r *SettingsRepository) Get(ctx context.Context, bookID, ownerID string) (*core.GenerationSettings, error) {
	query := `
		SELECT provider, model, voice, native_speed, post_speed, output_format
		FROM generation_settings
		WHERE book_id = $1 AND owner_id = $2
	`

	var (
		settings  core.GenerationSettings
		formatStr string
	)

	row := r.db.QueryRowContext(ctx, query, bookID, ownerID)

	err := row.Scan(
		&settings.Provider, &settings.Model, &settings.Voice,
		&settings.NativeSpeed, &settings.PostSpeed, &formatStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: settings of book %s", core.ErrNotFound, bookID)
		}

		return nil, fmt.Errorf("failed to get settings of book %s: %w", bookID, err)
	}

	settings.OutputFormat = core.AudioFormat(formatStr)

	return &settings, nil
}

// Delete removes the settings record of a book.
func (r *SettingsRepository) Delete(ctx context.Context, bookID, ownerID string) error {
	query := `DELETE FROM generation_settings WHERE book_id = $1 AND owner_id = $2`

	_, err := r.db.ExecContext(ctx, query, bookID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete settings of book %s: %w", bookID, err)
	}

	return nil
}
