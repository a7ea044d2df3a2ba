package core

import (
	"context"
	"time"
)

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the interface to the key-value blob store holding chapter
// audio and combined artifacts.
type ObjectStore interface {
	// Put writes an object, overwriting any existing one.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PutIfAbsent writes an object only if the key does not exist yet,
	// failing with ErrPreconditionFailed otherwise.
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads an object, failing with ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Head returns metadata without reading the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// List returns every object under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the prefix and reports how
	// many were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// BookRepository persists book rows keyed by (id, owner_id).
type BookRepository interface {
	Upsert(ctx context.Context, book *Book) error
	Get(ctx context.Context, bookID, ownerID string) (*Book, error)
	Delete(ctx context.Context, bookID, ownerID string) error
}

// ChapterRepository persists chapter rows keyed by (book_id, owner_id, idx).
type ChapterRepository interface {
	Upsert(ctx context.Context, chapter *Chapter) error
	Get(ctx context.Context, bookID, ownerID string, index int) (*Chapter, error)
	ListByBook(ctx context.Context, bookID, ownerID string) ([]Chapter, error)
	Delete(ctx context.Context, bookID, ownerID string, index int) error
	DeleteByBook(ctx context.Context, bookID, ownerID string) error
}

// SettingsRepository persists the settings lock record per book.
type SettingsRepository interface {
	Put(ctx context.Context, bookID, ownerID string, settings GenerationSettings) error
	Get(ctx context.Context, bookID, ownerID string) (*GenerationSettings, error)
	Delete(ctx context.Context, bookID, ownerID string) error
}

// SpeechRequest is one synthesis call to the external TTS provider.
type SpeechRequest struct {
	Text     string
	Provider string
	Model    string
	Voice    string
	Speed    float64
}

// SpeechSynthesizer converts text to raw audio in the fixed intermediate
// codec (WAV). Quota failures surface as ErrQuotaExhausted.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// Transcoder is the external media transcoder invoked as a subprocess.
type Transcoder interface {
	// Transcode converts inputPath into outputPath in the given container
	// format, applying a post-processing tempo change (1.0 means none) and
	// embedding title as stream metadata.
	Transcode(ctx context.Context, inputPath, outputPath string, format AudioFormat, tempo float64, title string) error
	// ProbeDuration returns the duration of a media file in seconds.
	ProbeDuration(ctx context.Context, path string) (float64, error)
	// Concat joins the ordered inputs into outputPath, injecting chapter
	// markers from the metadata file.
	Concat(ctx context.Context, inputs []string, metadataPath, outputPath string, format AudioFormat, strategy ConcatStrategy) error
}

// CommitRequest is one generated chapter handed to the commit service.
type CommitRequest struct {
	BookID    string
	OwnerID   string
	BookTitle string
	Index     int
	Title     string
	RawAudio  []byte
	Settings  GenerationSettings
}

// ChapterCommitter accepts one generated audio chapter and makes it durable.
type ChapterCommitter interface {
	Commit(ctx context.Context, req CommitRequest) (*Chapter, error)
}

// ContentUnit is one page or section of a source document. Units whose
// trimmed text is empty are skipped and do not consume a chapter index.
type ContentUnit struct {
	Title string
	Text  string
}

// ContentSource enumerates content units in document order. Document
// parsing lives outside this service; implementations typically read
// pre-extracted text from the object store.
type ContentSource interface {
	Units(ctx context.Context) ([]ContentUnit, error)
}
