// Package generate drives resumable audiobook generation: it walks a
// content source in document order, synthesizes each unit through the TTS
// provider, and commits every finished chapter immediately so an
// interrupted run can resume from the last durable chapter.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/audiobook-service/internal/core"
)

// Run outcome statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 2 * time.Second
)

// Request describes one generation run.
type Request struct {
	BookID    string
	OwnerID   string
	BookTitle string
	Settings  core.GenerationSettings
	Source    core.ContentSource
	// Progress, when set, receives a snapshot after every processed unit.
	Progress func(Progress)
}

// Progress is a point-in-time snapshot of a running generation.
type Progress struct {
	UnitsTotal     int
	UnitsProcessed int
	ChaptersDone   int
	// TextProcessed is the cumulative character count of all consumed
	// units, including skipped and failed ones. It only grows.
	TextProcessed int
	// TextTotal is the summed character count of every unit's trimmed
	// text, fixed at the start of the run. TextProcessed over TextTotal
	// is the run's completion fraction.
	TextTotal int
}

// Percent returns completion as a percentage of processed text length over
// total text length. An empty document reports 100.
func (p Progress) Percent() float64 {
	if p.TextTotal == 0 {
		return 100
	}

	return float64(p.TextProcessed) / float64(p.TextTotal) * 100
}

// UnitResult records the outcome of one content unit.
type UnitResult struct {
	Index   int
	Title   string
	Skipped bool
	Resumed bool
	Err     error
}

// Result summarizes a finished run.
type Result struct {
	BookID    string
	Status    string
	Units     []UnitResult
	Chapters  int
	Failures  int
	StartedAt time.Time
	Duration  time.Duration
}

// Orchestrator runs generation against a synthesizer and a committer.
type Orchestrator struct {
	synthesizer core.SpeechSynthesizer
	committer   core.ChapterCommitter
	chapters    core.ChapterRepository
	log         *logger.Logger
	maxAttempts int
	baseBackoff time.Duration
}

// NewOrchestrator creates a generation orchestrator with default retry
// behavior: three synthesis attempts per unit with exponential backoff.
func NewOrchestrator(
	synthesizer core.SpeechSynthesizer,
	committer core.ChapterCommitter,
	chapters core.ChapterRepository,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		synthesizer: synthesizer,
		committer:   committer,
		chapters:    chapters,
		log:         log,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithRetry overrides the synthesis retry budget. Intended for tests and
// for operators tuning flaky providers.
func (o *Orchestrator) WithRetry(maxAttempts int, baseBackoff time.Duration) *Orchestrator {
	if maxAttempts > 0 {
		o.maxAttempts = maxAttempts
	}

	if baseBackoff > 0 {
		o.baseBackoff = baseBackoff
	}

	return o
}

// Run generates the whole book. Units are processed strictly in document
// order; each synthesized chapter is committed before the next unit starts.
// Units whose chapter already exists are skipped, which makes a rerun of an
// interrupted book resume where it stopped. A quota failure aborts the run,
// preserving everything committed so far.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	startedAt := time.Now()

	if req.BookID == "" {
		req.BookID = uuid.NewString()
	}

	result := &Result{
		BookID:    req.BookID,
		StartedAt: startedAt,
	}

	units, err := req.Source.Units(ctx)
	if err != nil {
		result.Status = StatusFailed
		result.Duration = time.Since(startedAt)

		return result, fmt.Errorf("failed to enumerate content units: %w", err)
	}

	committed, err := o.committedIndexes(ctx, req.BookID, req.OwnerID)
	if err != nil {
		result.Status = StatusFailed
		result.Duration = time.Since(startedAt)

		return result, err
	}

	result.Chapters = len(committed)

	progress := Progress{
		UnitsTotal:   len(units),
		ChaptersDone: len(committed),
		TextTotal:    totalTextLength(units),
	}

	runErr := o.processUnits(ctx, req, units, committed, result, &progress)

	result.Duration = time.Since(startedAt)
	result.Status = o.finalStatus(ctx, runErr, result)

	o.log.Info("Generation of book %s finished with status %s: %d chapters, %d failures, %v",
		req.BookID, result.Status, result.Chapters, result.Failures, result.Duration)

	return result, runErr
}

// processUnits walks the units sequentially. The chapter index advances only
// for units that carry text; blank units are skipped without consuming an
// index so reruns of the same document produce identical numbering.
func (o *Orchestrator) processUnits(
	ctx context.Context,
	req Request,
	units []core.ContentUnit,
	committed map[int]bool,
	result *Result,
	progress *Progress,
) error {
	index := 0

	for _, unit := range units {
		err := ctx.Err()
		if err != nil {
			return err
		}

		text := strings.TrimSpace(unit.Text)
		if text == "" {
			result.Units = append(result.Units, UnitResult{Index: -1, Title: unit.Title, Skipped: true})
			o.advance(req, progress, 0)

			continue
		}

		unitResult := o.processUnit(ctx, req, unit, text, index, committed)
		result.Units = append(result.Units, unitResult)

		switch {
		case unitResult.Err != nil:
			result.Failures++

			if errors.Is(unitResult.Err, core.ErrQuotaExhausted) ||
				errors.Is(unitResult.Err, context.Canceled) ||
				errors.Is(unitResult.Err, context.DeadlineExceeded) ||
				o.isCommitFailure(unitResult.Err) {
				o.advance(req, progress, len(text))

				return unitResult.Err
			}
		case !unitResult.Resumed:
			result.Chapters++
			progress.ChaptersDone++
		}

		o.advance(req, progress, len(text))

		index++
	}

	return nil
}

// processUnit synthesizes and commits one chapter. A unit whose chapter is
// already durable is reported as resumed and costs no provider call.
func (o *Orchestrator) processUnit(
	ctx context.Context,
	req Request,
	unit core.ContentUnit,
	text string,
	index int,
	committed map[int]bool,
) UnitResult {
	title := unit.Title
	if title == "" {
		title = fmt.Sprintf("Chapter %d", index+1)
	}

	unitResult := UnitResult{Index: index, Title: title}

	if committed[index] {
		unitResult.Resumed = true

		o.log.Info("Chapter %d of book %s already committed, skipping synthesis", index, req.BookID)

		return unitResult
	}

	audio, err := o.synthesizeWithRetry(ctx, core.SpeechRequest{
		Text:     text,
		Provider: req.Settings.Provider,
		Model:    req.Settings.Model,
		Voice:    req.Settings.Voice,
		Speed:    req.Settings.NativeSpeed,
	})
	if err != nil {
		unitResult.Err = fmt.Errorf("synthesis of chapter %d failed: %w", index, err)

		o.log.Error("Synthesis of chapter %d of book %s failed: %v", index, req.BookID, err)

		return unitResult
	}

	_, err = o.committer.Commit(ctx, core.CommitRequest{
		BookID:    req.BookID,
		OwnerID:   req.OwnerID,
		BookTitle: req.BookTitle,
		Index:     index,
		Title:     title,
		RawAudio:  audio,
		Settings:  req.Settings,
	})
	if err != nil {
		unitResult.Err = &commitError{index: index, err: err}

		o.log.Error("Commit of chapter %d of book %s failed: %v", index, req.BookID, err)
	}

	return unitResult
}

// synthesizeWithRetry retries transient provider failures with exponential
// backoff. Context errors and quota exhaustion are never retried: the former
// cannot recover and the latter will not recover within the run.
func (o *Orchestrator) synthesizeWithRetry(ctx context.Context, req core.SpeechRequest) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		audio, err := o.synthesizer.Synthesize(ctx, req)
		if err == nil {
			return audio, nil
		}

		lastErr = err

		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, core.ErrQuotaExhausted) {
			return nil, err
		}

		if attempt == o.maxAttempts {
			break
		}

		backoff := o.baseBackoff * time.Duration(1<<(attempt-1))

		o.log.Warn("Synthesis attempt %d/%d failed, retrying in %v: %v",
			attempt, o.maxAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("synthesis failed after %d attempts: %w", o.maxAttempts, lastErr)
}

// totalTextLength sums the trimmed text length of every unit, the
// denominator of the run's completion percentage.
func totalTextLength(units []core.ContentUnit) int {
	total := 0
	for _, unit := range units {
		total += len(strings.TrimSpace(unit.Text))
	}

	return total
}

// committedIndexes returns the set of chapter indexes already durable for
// the book.
func (o *Orchestrator) committedIndexes(ctx context.Context, bookID, ownerID string) (map[int]bool, error) {
	existing, err := o.chapters.ListByBook(ctx, bookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list committed chapters of book %s: %w", bookID, err)
	}

	committed := make(map[int]bool, len(existing))
	for _, chapter := range existing {
		committed[chapter.Index] = true
	}

	return committed, nil
}

// finalStatus maps the run's terminal condition to a status. A cancelled run
// that produced at least one chapter is "cancelled" (resumable); one with
// nothing durable is a plain failure.
func (o *Orchestrator) finalStatus(ctx context.Context, runErr error, result *Result) string {
	cancelled := errors.Is(runErr, context.Canceled) ||
		errors.Is(runErr, context.DeadlineExceeded) ||
		ctx.Err() != nil

	switch {
	case cancelled && result.Chapters > 0:
		return StatusCancelled
	case cancelled:
		return StatusFailed
	case (runErr != nil || result.Failures > 0) && result.Chapters > 0:
		return StatusPartial
	case runErr != nil || result.Failures > 0:
		return StatusFailed
	default:
		return StatusCompleted
	}
}

func (o *Orchestrator) isCommitFailure(err error) bool {
	var commitErr *commitError

	return errors.As(err, &commitErr)
}

func (o *Orchestrator) advance(req Request, progress *Progress, textLen int) {
	progress.UnitsProcessed++
	progress.TextProcessed += textLen

	if req.Progress != nil {
		req.Progress(*progress)
	}
}

// commitError marks a commit-stage failure. Unlike synthesis failures,
// which are recorded per unit and allow the run to continue, a commit
// failure means the durable state is unreliable and the run stops.
type commitError struct {
	index int
	err   error
}

func (e *commitError) Error() string {
	return fmt.Sprintf("commit of chapter %d failed: %v", e.index, e.err)
}

func (e *commitError) Unwrap() error {
	return e.err
}
