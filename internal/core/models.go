// Package core defines the domain model, service interfaces, and error
// taxonomy for the audiobook service.
package core

import (
	"fmt"
	"time"
)

// AudioFormat identifies a supported audio container format.
type AudioFormat string

// Supported container formats for stored chapters and combined artifacts.
const (
	FormatM4A AudioFormat = "m4a"
	FormatMP3 AudioFormat = "mp3"
)

// SupportedFormats returns every container format the service can produce.
func SupportedFormats() []AudioFormat {
	return []AudioFormat{FormatM4A, FormatMP3}
}

// ParseAudioFormat validates a caller-supplied format string.
func ParseAudioFormat(s string) (AudioFormat, error) {
	switch AudioFormat(s) {
	case FormatM4A:
		return FormatM4A, nil
	case FormatMP3:
		return FormatMP3, nil
	default:
		return "", fmt.Errorf("%w: unsupported audio format %q", ErrValidation, s)
	}
}

// ContentType returns the MIME type for the format.
func (f AudioFormat) ContentType() string {
	if f == FormatMP3 {
		return "audio/mpeg"
	}

	return "audio/mp4"
}

// Book is one audiobook owned by a single user (or the deterministic
// unclaimed placeholder for a namespace).
type Book struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Chapter is one committed, durably stored audio segment of a book.
// Index is 0-based and not required to be contiguous.
type Chapter struct {
	BookID          string      `json:"book_id"`
	OwnerID         string      `json:"owner_id"`
	Index           int         `json:"index"`
	Title           string      `json:"title"`
	DurationSeconds float64     `json:"duration_seconds"`
	Format          AudioFormat `json:"format"`
	FileName        string      `json:"file_name"`
}

// GenerationSettings is the configuration fixed by a book's first committed
// chapter. NativeSpeed is applied by the TTS provider, PostSpeed by the
// transcoder after synthesis.
type GenerationSettings struct {
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	Voice        string      `json:"voice"`
	NativeSpeed  float64     `json:"native_speed"`
	PostSpeed    float64     `json:"post_speed"`
	OutputFormat AudioFormat `json:"output_format"`
}

// Equal compares settings field by field. Any mismatch is a conflict.
func (s GenerationSettings) Equal(other GenerationSettings) bool {
	return s.Provider == other.Provider &&
		s.Model == other.Model &&
		s.Voice == other.Voice &&
		s.NativeSpeed == other.NativeSpeed &&
		s.PostSpeed == other.PostSpeed &&
		s.OutputFormat == other.OutputFormat
}

// SettingsLock describes the lock state of a book's generation settings.
// A book with chapters but no persisted settings record is a recognized
// legacy state: Locked is true but Known is false, and callers must not
// infer historical settings.
type SettingsLock struct {
	Locked   bool               `json:"locked"`
	Known    bool               `json:"known"`
	Settings GenerationSettings `json:"settings,omitempty"`
}

// BookStatus is the driver-facing view of one book.
type BookStatus struct {
	Book                 Book         `json:"book"`
	Chapters             []Chapter    `json:"chapters"`
	Lock                 SettingsLock `json:"settings_lock"`
	TotalDurationSeconds float64      `json:"total_duration_seconds"`
}

// ChapterSignature is one entry of a combined artifact's signature: the
// ordered list of these detects staleness of the cached artifact.
type ChapterSignature struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName"`
}

// ConcatStrategy selects how chapters are concatenated into one artifact.
// Stream copy is drastically faster but fails when inputs carry incompatible
// stream parameters; re-encoding always works at the cost of a full decode.
type ConcatStrategy int

const (
	ConcatStreamCopy ConcatStrategy = iota
	ConcatReencode
)
