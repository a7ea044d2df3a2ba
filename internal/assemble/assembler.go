// Package assemble builds the combined full-book artifact: it canonicalizes
// the stored chapter listing, concatenates the chapters in index order with
// chapter markers, and caches the result next to a signature of the inputs
// so an unchanged book is served without re-assembly.
package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/chapterkey"
	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/transcode"
)

const signatureContentType = "application/json"

// Assembler produces combined full-book artifacts from stored chapters.
type Assembler struct {
	store      core.ObjectStore
	chapters   core.ChapterRepository
	transcoder core.Transcoder
	namespace  string
	log        *logger.Logger

	mu     sync.Mutex
	leases map[string]*sync.Mutex
}

// New creates an assembler.
func New(
	store core.ObjectStore,
	chapters core.ChapterRepository,
	transcoder core.Transcoder,
	namespace string,
	log *logger.Logger,
) *Assembler {
	return &Assembler{
		store:      store,
		chapters:   chapters,
		transcoder: transcoder,
		namespace:  namespace,
		log:        log,
		leases:     make(map[string]*sync.Mutex),
	}
}

// Assemble returns the combined artifact for a book in the requested
// format, building it if the cached copy is missing or stale. Concurrent
// requests for the same book serialize on a per-book lease; requests for
// different books proceed independently.
func (a *Assembler) Assemble(ctx context.Context, bookID, ownerID string, format core.AudioFormat) ([]byte, error) {
	if _, err := core.ParseAudioFormat(string(format)); err != nil {
		return nil, err
	}

	prefix, err := objectstore.BookPrefix(a.namespace, ownerID, bookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrValidation, err)
	}

	entries, err := a.canonicalChapters(ctx, prefix)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: book %s has no committed chapters", core.ErrNoChapters, bookID)
	}

	err = a.checkFormats(entries, format, bookID)
	if err != nil {
		return nil, err
	}

	signature, err := buildSignature(entries)
	if err != nil {
		return nil, err
	}

	cached, err := a.cachedArtifact(ctx, prefix, format, signature)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		a.log.Info("Serving cached combined artifact for book %s", bookID)

		return cached, nil
	}

	lease := a.lease(prefix)
	lease.Lock()
	defer lease.Unlock()

	// Re-check under the lease: a concurrent assembly may have finished
	// while this request waited.
	cached, err = a.cachedArtifact(ctx, prefix, format, signature)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		return cached, nil
	}

	artifact, err := a.build(ctx, bookID, ownerID, prefix, entries, format)
	if err != nil {
		return nil, err
	}

	err = a.store.Put(ctx, objectstore.CombinedKey(prefix, format), artifact, format.ContentType())
	if err != nil {
		return nil, err
	}

	err = a.store.Put(ctx, objectstore.SignatureKey(prefix, format), signature, signatureContentType)
	if err != nil {
		return nil, err
	}

	a.log.Info("Assembled book %s: %d chapters, %d bytes", bookID, len(entries), len(artifact))

	return artifact, nil
}

// canonicalChapters lists the stored chapter objects, deletes stale
// alternates left behind by interrupted commits, and returns the surviving
// entries ordered by index.
func (a *Assembler) canonicalChapters(ctx context.Context, prefix string) ([]chapterkey.Entry, error) {
	chapterPrefix := objectstore.ChapterPrefix(prefix)

	infos, err := a.store.List(ctx, chapterPrefix)
	if err != nil {
		return nil, err
	}

	fileNames := make([]string, 0, len(infos))
	for _, info := range infos {
		fileNames = append(fileNames, info.Key[len(chapterPrefix):])
	}

	entries, stale := chapterkey.Canonicalize(fileNames)

	for _, fileName := range stale {
		deleteErr := a.store.Delete(ctx, chapterPrefix+fileName)
		if deleteErr != nil {
			return nil, deleteErr
		}

		a.log.Warn("Removed stale chapter object %s during assembly", fileName)
	}

	return entries, nil
}

// checkFormats rejects a listing that mixes container formats, and a
// request whose format differs from the chapters' format. Transmuxing at
// assembly time is not supported; the chapters are the source of truth.
func (a *Assembler) checkFormats(entries []chapterkey.Entry, requested core.AudioFormat, bookID string) error {
	for _, entry := range entries {
		if entry.Format != entries[0].Format {
			return fmt.Errorf("%w: book %s mixes %s and %s chapters",
				core.ErrMixedFormats, bookID, entries[0].Format, entry.Format)
		}
	}

	if entries[0].Format != requested {
		return fmt.Errorf("%w: book %s is stored as %s, requested %s",
			core.ErrMixedFormats, bookID, entries[0].Format, requested)
	}

	return nil
}

// cachedArtifact returns the stored combined artifact when its signature
// matches the current chapter listing, nil when absent or stale.
func (a *Assembler) cachedArtifact(ctx context.Context, prefix string, format core.AudioFormat, signature []byte) ([]byte, error) {
	stored, err := a.store.Get(ctx, objectstore.SignatureKey(prefix, format))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if !bytes.Equal(stored, signature) {
		return nil, nil
	}

	artifact, err := a.store.Get(ctx, objectstore.CombinedKey(prefix, format))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return artifact, nil
}

// build downloads the chapters into a scratch directory, concatenates them
// with chapter markers, and validates the result. Stream copy is attempted
// first; incompatible stream parameters fall back to a full re-encode.
func (a *Assembler) build(
	ctx context.Context,
	bookID, ownerID, prefix string,
	entries []chapterkey.Entry,
	format core.AudioFormat,
) ([]byte, error) {
	workDir, err := os.MkdirTemp("", "assemble-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create assembly workspace: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(workDir)
		if removeErr != nil {
			a.log.Warn("Failed to remove assembly workspace '%s': %v", workDir, removeErr)
		}
	}()

	inputs, markers, err := a.stageChapters(ctx, bookID, ownerID, prefix, entries, workDir)
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(workDir, "full."+string(format))
	metadataPath := filepath.Join(workDir, "chapters.ffmetadata")

	err = os.WriteFile(metadataPath, []byte(transcode.ChapterMetadata(markers)), 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to write chapter metadata: %w", err)
	}

	err = a.transcoder.Concat(ctx, inputs, metadataPath, outputPath, format, core.ConcatStreamCopy)
	if err != nil {
		a.log.Warn("Stream-copy concatenation of book %s failed, re-encoding: %v", bookID, err)

		err = a.transcoder.Concat(ctx, inputs, metadataPath, outputPath, format, core.ConcatReencode)
		if err != nil {
			return nil, fmt.Errorf("%w: book %s: %s", core.ErrAssemblyFailed, bookID, err)
		}
	}

	duration, err := a.transcoder.ProbeDuration(ctx, outputPath)
	if err != nil || duration <= 0 {
		return nil, fmt.Errorf("%w: book %s produced an unreadable artifact: %v",
			core.ErrAssemblyFailed, bookID, err)
	}

	artifact, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read combined artifact: %w", err)
	}

	return artifact, nil
}

// stageChapters downloads every chapter into the workspace and computes the
// chapter-marker timeline. Durations come from ffprobe on the downloaded
// file, falling back to the recorded chapter row when probing fails.
func (a *Assembler) stageChapters(
	ctx context.Context,
	bookID, ownerID, prefix string,
	entries []chapterkey.Entry,
	workDir string,
) ([]string, []transcode.ChapterMarker, error) {
	chapterPrefix := objectstore.ChapterPrefix(prefix)

	inputs := make([]string, 0, len(entries))
	markers := make([]transcode.ChapterMarker, 0, len(entries))

	var cursorMS int64

	for _, entry := range entries {
		err := ctx.Err()
		if err != nil {
			return nil, nil, err
		}

		data, err := a.store.Get(ctx, chapterPrefix+entry.FileName)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: chapter object %s of book %s: %s",
				core.ErrAssemblyFailed, entry.FileName, bookID, err)
		}

		localPath := filepath.Join(workDir, entry.FileName)

		err = os.WriteFile(localPath, data, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stage chapter %s: %w", entry.FileName, err)
		}

		durationMS, err := a.chapterDurationMS(ctx, bookID, ownerID, entry, localPath)
		if err != nil {
			return nil, nil, err
		}

		markers = append(markers, transcode.ChapterMarker{
			Title:   entry.Title,
			StartMS: cursorMS,
			EndMS:   cursorMS + durationMS,
		})

		cursorMS += durationMS

		inputs = append(inputs, localPath)
	}

	return inputs, markers, nil
}

// chapterDurationMS probes the staged file, falling back to the recorded
// row duration when the probe fails.
func (a *Assembler) chapterDurationMS(ctx context.Context, bookID, ownerID string, entry chapterkey.Entry, localPath string) (int64, error) {
	duration, err := a.transcoder.ProbeDuration(ctx, localPath)
	if err == nil && duration > 0 {
		return int64(duration * 1000), nil
	}

	a.log.Warn("Probe of staged chapter %s failed, using recorded duration: %v", entry.FileName, err)

	row, rowErr := a.chapters.Get(ctx, bookID, ownerID, entry.Index)
	if rowErr != nil {
		return 0, fmt.Errorf("%w: no usable duration for chapter %s of book %s",
			core.ErrAssemblyFailed, entry.FileName, bookID)
	}

	return int64(row.DurationSeconds * 1000), nil
}

// buildSignature serializes the ordered chapter listing. Two listings with
// identical indexes and file names produce byte-identical signatures.
func buildSignature(entries []chapterkey.Entry) ([]byte, error) {
	signatures := make([]core.ChapterSignature, 0, len(entries))
	for _, entry := range entries {
		signatures = append(signatures, core.ChapterSignature{
			Index:    entry.Index,
			FileName: entry.FileName,
		})
	}

	data, err := json.Marshal(signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize assembly signature: %w", err)
	}

	return data, nil
}

// lease returns the per-book mutex, creating it on first use.
func (a *Assembler) lease(prefix string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.leases[prefix]
	if !ok {
		lease = &sync.Mutex{}
		a.leases[prefix] = lease
	}

	return lease
}
