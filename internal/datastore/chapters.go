package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/audiobook-service/internal/core"
)

// ChapterRepository handles database operations for chapters.
type ChapterRepository struct {
	db *sql.DB
}

// NewChapterRepository creates a new ChapterRepository.
func NewChapterRepository(db *sql.DB) *ChapterRepository {
	return &ChapterRepository{db: db}
}

// Upsert inserts a chapter row or replaces its payload on (book, owner, idx)
// conflict. The newest commit wins, matching the overwrite semantics of the
// blob store.
func (r *ChapterRepository) Upsert(ctx context.Context, chapter *core.Chapter) error {
	if chapter.Index < 0 {
		return fmt.Errorf("%w: chapter index must be non-negative", core.ErrValidation)
	}

	query := `
		INSERT INTO chapters (
			book_id, owner_id, idx, title, duration_seconds, format, file_name, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (book_id, owner_id, idx) DO UPDATE SET
			title = EXCLUDED.title,
			duration_seconds = EXCLUDED.duration_seconds,
			format = EXCLUDED.format,
			file_name = EXCLUDED.file_name,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		chapter.BookID, chapter.OwnerID, chapter.Index, chapter.Title,
		chapter.DurationSeconds, string(chapter.Format), chapter.FileName,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chapter %d of book %s: %w",
			chapter.Index, chapter.BookID, err)
	}

	return nil
}

// Get retrieves one chapter row.
func (r *ChapterRepository) Get(ctx context.Context, bookID, ownerID string, index int) (*core.Chapter, error) {
	query := `
		SELECT book_id, owner_id, idx, title, duration_seconds, format, file_name
		FROM chapters
		WHERE book_id = $1 AND owner_id = $2 AND idx = $3
	`

	var (
		chapter   core.Chapter
		formatStr string
	)

	row := r.db.QueryRowContext(ctx, query, bookID, ownerID, index)

	err := row.Scan(
		&chapter.BookID, &chapter.OwnerID, &chapter.Index, &chapter.Title,
		&chapter.DurationSeconds, &formatStr, &chapter.FileName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chapter %d of book %s", core.ErrNotFound, index, bookID)
		}

		return nil, fmt.Errorf("failed to get chapter %d of book %s: %w", index, bookID, err)
	}

	chapter.Format = core.AudioFormat(formatStr)

	return &chapter, nil
}

// ListByBook retrieves all chapters of a book ordered by index.
func (r *ChapterRepository) ListByBook(ctx context.Context, bookID, ownerID string) ([]core.Chapter, error) {
	query := `
		SELECT book_id, owner_id, idx, title, duration_seconds, format, file_name
		FROM chapters
		WHERE book_id = $1 AND owner_id = $2
		ORDER BY idx
	`

	rows, err := r.db.QueryContext(ctx, query, bookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapters of book %s: %w", bookID, err)
	}
	defer rows.Close()

	chapters := []core.Chapter{}

	for rows.Next() {
		var (
			chapter   core.Chapter
			formatStr string
		)

		scanErr := rows.Scan(
			&chapter.BookID, &chapter.OwnerID, &chapter.Index, &chapter.Title,
			&chapter.DurationSeconds, &formatStr, &chapter.FileName,
		)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan chapter row of book %s: %w", bookID, scanErr)
		}

		chapter.Format = core.AudioFormat(formatStr)
		chapters = append(chapters, chapter)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chapter rows of book %s: %w", bookID, err)
	}

	return chapters, nil
}

// Delete removes one chapter row.
func (r *ChapterRepository) Delete(ctx context.Context, bookID, ownerID string, index int) error {
	query := `DELETE FROM chapters WHERE book_id = $1 AND owner_id = $2 AND idx = $3`

	_, err := r.db.ExecContext(ctx, query, bookID, ownerID, index)
	if err != nil {
		return fmt.Errorf("failed to delete chapter %d of book %s: %w", index, bookID, err)
	}

	return nil
}

// DeleteByBook removes every chapter row of a book.
func (r *ChapterRepository) DeleteByBook(ctx context.Context, bookID, ownerID string) error {
	query := `DELETE FROM chapters WHERE book_id = $1 AND owner_id = $2`

	_, err := r.db.ExecContext(ctx, query, bookID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete chapters of book %s: %w", bookID, err)
	}

	return nil
}
