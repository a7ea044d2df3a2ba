// Package datastore implements the relational repositories for books,
// chapters, and generation settings on PostgreSQL.
//
// Expected schema (managed outside this service):
//
//	books(id TEXT, owner_id TEXT, title TEXT, created_at TIMESTAMPTZ,
//	      PRIMARY KEY (id, owner_id))
//	chapters(book_id TEXT, owner_id TEXT, idx INT, title TEXT,
//	         duration_seconds DOUBLE PRECISION, format TEXT, file_name TEXT,
//	         updated_at TIMESTAMPTZ, PRIMARY KEY (book_id, owner_id, idx))
//	generation_settings(book_id TEXT, owner_id TEXT, provider TEXT,
//	         model TEXT, voice TEXT, native_speed DOUBLE PRECISION,
//	         post_speed DOUBLE PRECISION, output_format TEXT,
//	         PRIMARY KEY (book_id, owner_id))
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/book-expert/audiobook-service/internal/core"
)

// BookRepository handles database operations for books.
type BookRepository struct {
	db *sql.DB
}

// NewBookRepository creates a new BookRepository.
func NewBookRepository(db *sql.DB) *BookRepository {
	return &BookRepository{db: db}
}

// Upsert inserts a book row or refreshes its title on conflict.
func (r *BookRepository) Upsert(ctx context.Context, book *core.Book) error {
	if book.ID == "" || book.OwnerID == "" {
		return fmt.Errorf("%w: book id and owner id are required", core.ErrValidation)
	}

	query := `
		INSERT INTO books (id, owner_id, title, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, owner_id) DO UPDATE SET title = EXCLUDED.title
	`

	_, err := r.db.ExecContext(ctx, query, book.ID, book.OwnerID, book.Title, book.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert book %s: %w", book.ID, err)
	}

	return nil
}

// Get retrieves a book by its composite key.
func (r *BookRepository) Get(ctx context.Context, bookID, ownerID string) (*core.Book, error) {
	query := `
		SELECT id, owner_id, title, created_at
		FROM books
		WHERE id = $1 AND owner_id = $2
	`

	var book core.Book

	row := r.db.QueryRowContext(ctx, query, bookID, ownerID)

	err := row.Scan(&book.ID, &book.OwnerID, &book.Title, &book.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: book %s", core.ErrNotFound, bookID)
		}

		return nil, fmt.Errorf("failed to get book %s: %w", bookID, err)
	}

	return &book, nil
}

// Delete removes a book row. Chapter and settings rows are removed by their
// own repositories during a reset.
func (r *BookRepository) Delete(ctx context.Context, bookID, ownerID string) error {
	query := `DELETE FROM books WHERE id = $1 AND owner_id = $2`

	_, err := r.db.ExecContext(ctx, query, bookID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete book %s: %w", bookID, err)
	}

	return nil
}
