// Package generate_test tests the generation orchestrator against scripted
// synthesizer and committer fakes.
package generate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/generate"
)

const (
	testBookID  = "book-1"
	testOwnerID = "owner-1"
)

var errProviderDown = errors.New("provider down")

type sliceSource struct {
	units []core.ContentUnit
}

func (s *sliceSource) Units(_ context.Context) ([]core.ContentUnit, error) {
	return s.units, nil
}

// scriptedSynthesizer returns errs[i] for the i-th call, then audio.
type scriptedSynthesizer struct {
	mu    sync.Mutex
	errs  []error
	calls []core.SpeechRequest
}

func (s *scriptedSynthesizer) Synthesize(_ context.Context, req core.SpeechRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := len(s.calls)
	s.calls = append(s.calls, req)

	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}

	return []byte("wav:" + req.Text), nil
}

type recordingCommitter struct {
	mu      sync.Mutex
	commits []core.CommitRequest
	failOn  map[int]error
}

func (c *recordingCommitter) Commit(_ context.Context, req core.CommitRequest) (*core.Chapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.failOn[req.Index]; ok {
		return nil, err
	}

	c.commits = append(c.commits, req)

	return &core.Chapter{
		BookID:   req.BookID,
		OwnerID:  req.OwnerID,
		Index:    req.Index,
		Title:    req.Title,
		Format:   req.Settings.OutputFormat,
		FileName: fmt.Sprintf("%04d_x.%s", req.Index+1, req.Settings.OutputFormat),
	}, nil
}

type staticChapters struct {
	existing []core.Chapter
}

func (r *staticChapters) Upsert(_ context.Context, _ *core.Chapter) error { return nil }

func (r *staticChapters) Get(_ context.Context, _, _ string, _ int) (*core.Chapter, error) {
	return nil, core.ErrNotFound
}

func (r *staticChapters) ListByBook(_ context.Context, _, _ string) ([]core.Chapter, error) {
	return r.existing, nil
}

func (r *staticChapters) Delete(_ context.Context, _, _ string, _ int) error { return nil }

func (r *staticChapters) DeleteByBook(_ context.Context, _, _ string) error { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	return log
}

func testSettings() core.GenerationSettings {
	return core.GenerationSettings{
		Provider:     "acme",
		Model:        "tts-1",
		Voice:        "narrator",
		NativeSpeed:  1.0,
		PostSpeed:    1.0,
		OutputFormat: core.FormatM4A,
	}
}

func newOrchestrator(
	t *testing.T,
	synth *scriptedSynthesizer,
	committer *recordingCommitter,
	chapters *staticChapters,
) *generate.Orchestrator {
	t.Helper()

	return generate.NewOrchestrator(synth, committer, chapters, testLogger(t)).
		WithRetry(3, time.Millisecond)
}

func request(units []core.ContentUnit) generate.Request {
	return generate.Request{
		BookID:    testBookID,
		OwnerID:   testOwnerID,
		BookTitle: "A Book",
		Settings:  testSettings(),
		Source:    &sliceSource{units: units},
	}
}

func TestRun_CompletesAllUnits(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "Intro", Text: "first"},
		{Title: "", Text: "second"},
	}))
	require.NoError(t, err)
	assert.Equal(t, generate.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Chapters)

	require.Len(t, committer.commits, 2)
	assert.Equal(t, "Intro", committer.commits[0].Title)
	assert.Equal(t, "Chapter 2", committer.commits[1].Title, "untitled units get a positional title")
	assert.Equal(t, 1, committer.commits[1].Index)
}

func TestRun_BlankUnitsConsumeNoIndex(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "content"},
		{Title: "Blank", Text: "   \n\t "},
		{Title: "Two", Text: "more content"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Chapters)

	require.Len(t, committer.commits, 2)
	assert.Equal(t, 0, committer.commits[0].Index)
	assert.Equal(t, 1, committer.commits[1].Index, "blank unit must not consume an index")

	require.Len(t, result.Units, 3)
	assert.True(t, result.Units[1].Skipped)
}

func TestRun_ResumesFromCommittedChapters(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	chapters := &staticChapters{existing: []core.Chapter{
		{BookID: testBookID, OwnerID: testOwnerID, Index: 0},
		{BookID: testBookID, OwnerID: testOwnerID, Index: 1},
	}}
	orch := newOrchestrator(t, synth, committer, chapters)

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "a"},
		{Title: "Two", Text: "b"},
		{Title: "Three", Text: "c"},
	}))
	require.NoError(t, err)
	assert.Equal(t, generate.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Chapters)

	require.Len(t, synth.calls, 1, "committed chapters must not be re-synthesized")
	assert.Equal(t, "c", synth.calls[0].Text)

	require.Len(t, committer.commits, 1)
	assert.Equal(t, 2, committer.commits[0].Index)
	assert.True(t, result.Units[0].Resumed)
	assert.True(t, result.Units[1].Resumed)
}

func TestRun_RetriesTransientSynthesisFailures(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{errs: []error{errProviderDown, errProviderDown, nil}}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "a"},
	}))
	require.NoError(t, err)
	assert.Equal(t, generate.StatusCompleted, result.Status)
	assert.Len(t, synth.calls, 3)
	assert.Len(t, committer.commits, 1)
}

func TestRun_ExhaustedRetriesContinueToNextUnit(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{errs: []error{
		errProviderDown, errProviderDown, errProviderDown, // unit 0 exhausts all attempts
		nil, // unit 1 succeeds
	}}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "a"},
		{Title: "Two", Text: "b"},
	}))
	require.NoError(t, err)
	assert.Equal(t, generate.StatusPartial, result.Status)
	assert.Equal(t, 1, result.Chapters)
	assert.Equal(t, 1, result.Failures)

	require.Len(t, result.Units, 2)
	require.Error(t, result.Units[0].Err)
	assert.ErrorIs(t, result.Units[0].Err, errProviderDown)

	require.Len(t, committer.commits, 1)
	assert.Equal(t, 1, committer.commits[0].Index, "failed unit still consumes its index")
}

func TestRun_QuotaExhaustionAbortsWithoutRetry(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{errs: []error{
		nil,
		core.ErrQuotaExhausted,
	}}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "a"},
		{Title: "Two", Text: "b"},
		{Title: "Three", Text: "c"},
	}))
	require.ErrorIs(t, err, core.ErrQuotaExhausted)
	assert.Equal(t, generate.StatusPartial, result.Status)
	assert.Equal(t, 1, result.Chapters)

	assert.Len(t, synth.calls, 2, "quota exhaustion must not be retried")
	assert.Len(t, committer.commits, 1, "committed work survives the abort")
}

func TestRun_CommitFailureIsFatal(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{failOn: map[int]error{0: errors.New("db down")}}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(context.Background(), request([]core.ContentUnit{
		{Title: "One", Text: "a"},
		{Title: "Two", Text: "b"},
	}))
	require.Error(t, err)
	assert.Equal(t, generate.StatusFailed, result.Status)
	assert.Len(t, synth.calls, 1, "run must stop after a commit failure")
}

func TestRun_CancellationWithChaptersIsCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	req := request([]core.ContentUnit{
		{Title: "One", Text: "a"},
		{Title: "Two", Text: "b"},
		{Title: "Three", Text: "c"},
	})
	req.Progress = func(p generate.Progress) {
		if p.ChaptersDone == 1 {
			cancel()
		}
	}

	result, err := orch.Run(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, generate.StatusCancelled, result.Status)
	assert.Equal(t, 1, result.Chapters)
}

func TestRun_CancellationWithNothingDurableIsFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	result, err := orch.Run(ctx, request([]core.ContentUnit{
		{Title: "One", Text: "a"},
	}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, generate.StatusFailed, result.Status)
	assert.Zero(t, result.Chapters)
}

func TestRun_ProgressIsMonotonicByTextLength(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	var snapshots []generate.Progress

	req := request([]core.ContentUnit{
		{Title: "One", Text: "aaaa"},
		{Title: "Blank", Text: " "},
		{Title: "Two", Text: "bb"},
	})
	req.Progress = func(p generate.Progress) {
		snapshots = append(snapshots, p)
	}

	_, err := orch.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, snapshots, 3)

	previous := -1
	for _, snapshot := range snapshots {
		assert.GreaterOrEqual(t, snapshot.TextProcessed, previous)
		assert.Equal(t, 6, snapshot.TextTotal, "total text length is fixed for the whole run")
		previous = snapshot.TextProcessed
	}

	assert.Equal(t, 6, snapshots[2].TextProcessed)
	assert.Equal(t, 3, snapshots[2].UnitsProcessed)
	assert.InEpsilon(t, 100.0, snapshots[2].Percent(), 0.001)
}

func TestProgress_PercentIsProcessedOverTotalTextLength(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	var snapshots []generate.Progress

	req := request([]core.ContentUnit{
		{Title: "One", Text: "aaa"},
		{Title: "Two", Text: "b"},
	})
	req.Progress = func(p generate.Progress) {
		snapshots = append(snapshots, p)
	}

	_, err := orch.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, snapshots, 2)
	assert.Equal(t, 4, snapshots[0].TextTotal)
	assert.InEpsilon(t, 75.0, snapshots[0].Percent(), 0.001)
	assert.InEpsilon(t, 100.0, snapshots[1].Percent(), 0.001)

	assert.InEpsilon(t, 100.0, generate.Progress{}.Percent(), 0.001,
		"an empty document counts as fully processed")
}

func TestRun_GeneratesBookIDWhenAbsent(t *testing.T) {
	t.Parallel()

	synth := &scriptedSynthesizer{}
	committer := &recordingCommitter{}
	orch := newOrchestrator(t, synth, committer, &staticChapters{})

	req := request([]core.ContentUnit{{Title: "One", Text: "a"}})
	req.BookID = ""

	result, err := orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.BookID)
	require.Len(t, committer.commits, 1)
	assert.Equal(t, result.BookID, committer.commits[0].BookID)
}
