// Package chapters implements the chapter commit service: it accepts one
// generated audio chapter, transcodes and validates it, stores it under its
// canonical key, invalidates the combined artifact, and upserts the chapter
// row. Deletion, reset, and book status live here as well.
package chapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/chapterkey"
	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
)

// ErrEmptyAudio is returned when a commit carries no audio payload.
var ErrEmptyAudio = errors.New("raw audio cannot be empty")

// Service wires the blob store, the row store, and the transcoder into the
// commit pipeline for one namespace.
type Service struct {
	store      core.ObjectStore
	books      core.BookRepository
	chapters   core.ChapterRepository
	settings   core.SettingsRepository
	transcoder core.Transcoder
	namespace  string
	log        *logger.Logger
}

// NewService creates a chapter service.
func NewService(
	store core.ObjectStore,
	books core.BookRepository,
	chapters core.ChapterRepository,
	settings core.SettingsRepository,
	transcoder core.Transcoder,
	namespace string,
	log *logger.Logger,
) *Service {
	return &Service{
		store:      store,
		books:      books,
		chapters:   chapters,
		settings:   settings,
		transcoder: transcoder,
		namespace:  namespace,
		log:        log,
	}
}

// ResolveLock reports the settings-lock state of a book. A book is locked
// the moment any chapter exists for it; a locked book without a persisted
// settings record is the legacy "unknown settings" state.
func (s *Service) ResolveLock(ctx context.Context, bookID, ownerID string) (core.SettingsLock, error) {
	existing, err := s.chapters.ListByBook(ctx, bookID, ownerID)
	if err != nil {
		return core.SettingsLock{}, fmt.Errorf("failed to list chapters of book %s: %w", bookID, err)
	}

	if len(existing) == 0 {
		return core.SettingsLock{Locked: false, Known: false, Settings: core.GenerationSettings{}}, nil
	}

	persisted, err := s.settings.Get(ctx, bookID, ownerID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.SettingsLock{Locked: true, Known: false, Settings: core.GenerationSettings{}}, nil
		}

		return core.SettingsLock{}, err
	}

	return core.SettingsLock{Locked: true, Known: true, Settings: *persisted}, nil
}

// Commit makes one generated chapter durable. The raw audio is always the
// intermediate WAV codec; it is transcoded into the book's locked output
// format, validated, written under its canonical key, and recorded in the
// row store. Any cached combined artifact becomes stale and is deleted.
func (s *Service) Commit(ctx context.Context, req core.CommitRequest) (*core.Chapter, error) {
	if req.Index < 0 {
		return nil, fmt.Errorf("%w: chapter index must be non-negative", core.ErrValidation)
	}

	if len(req.RawAudio) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrValidation, ErrEmptyAudio)
	}

	prefix, err := objectstore.BookPrefix(s.namespace, req.OwnerID, req.BookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrValidation, err)
	}

	settings, lock, err := s.resolveCommitSettings(ctx, req)
	if err != nil {
		return nil, err
	}

	book := &core.Book{
		ID:        req.BookID,
		OwnerID:   req.OwnerID,
		Title:     req.BookTitle,
		CreatedAt: time.Now().UTC(),
	}

	err = s.books.Upsert(ctx, book)
	if err != nil {
		return nil, err
	}

	if !lock.Locked {
		err = s.settings.Put(ctx, req.BookID, req.OwnerID, settings)
		if err != nil {
			return nil, err
		}
	}

	data, duration, err := s.transcodeChapter(ctx, req, settings)
	if err != nil {
		return nil, err
	}

	fileName, err := chapterkey.Encode(req.Index, req.Title, settings.OutputFormat)
	if err != nil {
		return nil, err
	}

	// The newest encode wins: an explicit overwrite, no conditional guard.
	err = s.store.Put(ctx, objectstore.ChapterKey(prefix, fileName), data, settings.OutputFormat.ContentType())
	if err != nil {
		return nil, err
	}

	err = s.removeSupersededEncodings(ctx, prefix, req.Index, fileName)
	if err != nil {
		return nil, err
	}

	err = s.invalidateCombined(ctx, prefix)
	if err != nil {
		return nil, err
	}

	chapter := &core.Chapter{
		BookID:          req.BookID,
		OwnerID:         req.OwnerID,
		Index:           req.Index,
		Title:           req.Title,
		DurationSeconds: duration,
		Format:          settings.OutputFormat,
		FileName:        fileName,
	}

	err = s.chapters.Upsert(ctx, chapter)
	if err != nil {
		return nil, err
	}

	s.log.Info("Committed chapter %d of book %s as %s (%.2fs)",
		req.Index, req.BookID, fileName, duration)

	return chapter, nil
}

// resolveCommitSettings enforces the settings lock. The first commit's
// settings become the lock; a locked book rejects mismatching settings with
// the locked settings attached. A legacy book (chapters but no record)
// accepts the request's settings without persisting them as the lock.
func (s *Service) resolveCommitSettings(ctx context.Context, req core.CommitRequest) (core.GenerationSettings, core.SettingsLock, error) {
	lock, err := s.ResolveLock(ctx, req.BookID, req.OwnerID)
	if err != nil {
		return core.GenerationSettings{}, core.SettingsLock{}, err
	}

	if lock.Locked && lock.Known && !lock.Settings.Equal(req.Settings) {
		return core.GenerationSettings{}, core.SettingsLock{}, &core.SettingsConflictError{Locked: lock.Settings}
	}

	settings := req.Settings
	if lock.Locked && lock.Known {
		settings = lock.Settings
	}

	if _, err := core.ParseAudioFormat(string(settings.OutputFormat)); err != nil {
		return core.GenerationSettings{}, core.SettingsLock{}, err
	}

	return settings, lock, nil
}

// transcodeChapter converts the raw WAV into the output format through a
// scratch pair of temp files and validates the result's duration. A
// zero-duration output is a fatal commit failure; nothing is persisted.
func (s *Service) transcodeChapter(ctx context.Context, req core.CommitRequest, settings core.GenerationSettings) ([]byte, float64, error) {
	inputFile, err := os.CreateTemp("", "chapter-input-*.wav")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp file for chapter input: %w", err)
	}

	inputPath := inputFile.Name()
	defer s.removeTempFile(inputPath)

	_, err = inputFile.Write(req.RawAudio)
	closeErr := inputFile.Close()

	if err != nil {
		return nil, 0, fmt.Errorf("failed to write chapter input: %w", err)
	}

	if closeErr != nil {
		return nil, 0, fmt.Errorf("failed to close chapter input: %w", closeErr)
	}

	outputPath := inputPath + "." + string(settings.OutputFormat)
	defer s.removeTempFile(outputPath)

	err = s.transcoder.Transcode(ctx, inputPath, outputPath, settings.OutputFormat, settings.PostSpeed, req.Title)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to transcode chapter %d of book %s: %w",
			req.Index, req.BookID, err)
	}

	duration, err := s.transcoder.ProbeDuration(ctx, outputPath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: unreadable duration for chapter %d of book %s: %s",
			core.ErrValidation, req.Index, req.BookID, err)
	}

	if duration <= 0 {
		return nil, 0, fmt.Errorf("%w: non-positive duration %.3f for chapter %d of book %s",
			core.ErrValidation, duration, req.Index, req.BookID)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read transcoded chapter: %w", err)
	}

	return data, duration, nil
}

// removeSupersededEncodings deletes any stored object sharing the chapter's
// index under a different file name. At most one canonical object may exist
// per index.
func (s *Service) removeSupersededEncodings(ctx context.Context, prefix string, index int, canonicalName string) error {
	chapterPrefix := objectstore.ChapterPrefix(prefix)

	infos, err := s.store.List(ctx, chapterPrefix)
	if err != nil {
		return err
	}

	for _, info := range infos {
		fileName := info.Key[len(chapterPrefix):]
		if fileName == canonicalName {
			continue
		}

		decoded := chapterkey.Decode(fileName)
		if decoded == nil || decoded.Index != index {
			continue
		}

		deleteErr := s.store.Delete(ctx, info.Key)
		if deleteErr != nil {
			return deleteErr
		}

		s.log.Info("Removed superseded encoding %s for chapter %d", fileName, index)
	}

	return nil
}

// invalidateCombined deletes the combined artifact and its signature for
// every supported output format. Any successful chapter write makes the
// cached combined file stale.
func (s *Service) invalidateCombined(ctx context.Context, prefix string) error {
	for _, format := range core.SupportedFormats() {
		err := s.store.Delete(ctx, objectstore.CombinedKey(prefix, format))
		if err != nil {
			return err
		}

		err = s.store.Delete(ctx, objectstore.SignatureKey(prefix, format))
		if err != nil {
			return err
		}
	}

	return nil
}

// Status returns the book, its ordered chapters, the settings-lock state,
// and the total duration of all committed chapters.
func (s *Service) Status(ctx context.Context, bookID, ownerID string) (*core.BookStatus, error) {
	book, err := s.books.Get(ctx, bookID, ownerID)
	if err != nil {
		return nil, err
	}

	listed, err := s.chapters.ListByBook(ctx, bookID, ownerID)
	if err != nil {
		return nil, err
	}

	lock, err := s.ResolveLock(ctx, bookID, ownerID)
	if err != nil {
		return nil, err
	}

	var total float64
	for _, chapter := range listed {
		total += chapter.DurationSeconds
	}

	return &core.BookStatus{
		Book:                 *book,
		Chapters:             listed,
		Lock:                 lock,
		TotalDurationSeconds: total,
	}, nil
}

// DeleteChapter removes one chapter's stored object and row, then
// invalidates the combined artifact. Deleting the last chapter releases the
// settings lock by dropping the persisted settings record.
func (s *Service) DeleteChapter(ctx context.Context, bookID, ownerID string, index int) error {
	chapter, err := s.chapters.Get(ctx, bookID, ownerID, index)
	if err != nil {
		return err
	}

	prefix, err := objectstore.BookPrefix(s.namespace, ownerID, bookID)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrValidation, err)
	}

	err = s.store.Delete(ctx, objectstore.ChapterKey(prefix, chapter.FileName))
	if err != nil {
		return err
	}

	err = s.chapters.Delete(ctx, bookID, ownerID, index)
	if err != nil {
		return err
	}

	err = s.invalidateCombined(ctx, prefix)
	if err != nil {
		return err
	}

	remaining, err := s.chapters.ListByBook(ctx, bookID, ownerID)
	if err != nil {
		return err
	}

	if len(remaining) == 0 {
		err = s.settings.Delete(ctx, bookID, ownerID)
		if err != nil {
			return err
		}

		s.log.Info("Released settings lock for empty book %s", bookID)
	}

	s.log.Info("Deleted chapter %d of book %s", index, bookID)

	return nil
}

// Reset removes every stored object and every row for a book, returning it
// to a blank, unlocked state.
func (s *Service) Reset(ctx context.Context, bookID, ownerID string) error {
	prefix, err := objectstore.BookPrefix(s.namespace, ownerID, bookID)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrValidation, err)
	}

	removed, err := s.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return err
	}

	err = s.chapters.DeleteByBook(ctx, bookID, ownerID)
	if err != nil {
		return err
	}

	err = s.settings.Delete(ctx, bookID, ownerID)
	if err != nil {
		return err
	}

	err = s.books.Delete(ctx, bookID, ownerID)
	if err != nil {
		return err
	}

	s.log.Info("Reset book %s: removed %d stored objects", bookID, removed)

	return nil
}

func (s *Service) removeTempFile(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Failed to remove temp file '%s': %v", path, err)
	}
}
