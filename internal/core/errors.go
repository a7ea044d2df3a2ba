package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every service package. Callers branch on these
// with errors.Is; concrete causes are wrapped underneath.
var (
	// ErrNotFound marks a missing blob or row. Callers should reconcile
	// state (for example drop a stale row referencing a missing blob)
	// rather than fail hard.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed marks an if-absent write that lost to an
	// existing object. For content-addressed blobs this is success.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrValidation marks rejected input: zero-duration audio, an
	// unsupported format, a negative chapter index.
	ErrValidation = errors.New("validation failed")

	// ErrSettingsConflict marks a generation request whose settings differ
	// from a book's locked settings. The caller must reset to change them.
	ErrSettingsConflict = errors.New("generation settings conflict")

	// ErrNoChapters marks an assembly request for a book with no committed
	// chapters.
	ErrNoChapters = errors.New("book has no chapters")

	// ErrMixedFormats marks a chapter set spanning more than one container
	// format. The caller must reset before mixing formats.
	ErrMixedFormats = errors.New("chapters span more than one audio format")

	// ErrQuotaExhausted marks a provider-reported quota or rate-limit
	// failure. It is never retried.
	ErrQuotaExhausted = errors.New("tts provider quota exhausted")

	// ErrAssemblyFailed marks a fatal failure while building the combined
	// artifact.
	ErrAssemblyFailed = errors.New("assembly failed")
)

// SettingsConflictError carries the locked settings so the caller can
// display them. It unwraps to ErrSettingsConflict.
type SettingsConflictError struct {
	Locked GenerationSettings
}

func (e *SettingsConflictError) Error() string {
	return fmt.Sprintf(
		"generation settings conflict: book is locked to provider=%s model=%s voice=%s",
		e.Locked.Provider, e.Locked.Model, e.Locked.Voice,
	)
}

func (e *SettingsConflictError) Unwrap() error {
	return ErrSettingsConflict
}
