// Package assemble_test tests full-book assembly against an in-memory blob
// store and a scripted transcoder.
package assemble_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/assemble"
	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	testNamespace = "test-ns"
	testBookID    = "book-1"
	testOwnerID   = "owner-1"

	chapterPrefix = "books/test-ns/owner-1/book-1/chapters/"
	combinedKey   = "books/test-ns/owner-1/book-1/combined/full.m4a"
	signatureKey  = combinedKey + ".sig"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (s *memoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	s.puts++

	return nil
}

func (s *memoryStore) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	_, exists := s.objects[key]
	s.mu.Unlock()

	if exists {
		return fmt.Errorf("%w: %s", core.ErrPreconditionFailed, key)
	}

	return s.Put(ctx, key, data, contentType)
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}

	return data, nil
}

func (s *memoryStore) Head(_ context.Context, key string) (core.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return core.ObjectInfo{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}

	return core.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := []core.ObjectInfo{}

	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, core.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	return infos, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)

	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)

			removed++
		}
	}

	return removed, nil
}

func (s *memoryStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[key]

	return ok
}

type emptyChapters struct{}

func (emptyChapters) Upsert(_ context.Context, _ *core.Chapter) error { return nil }

func (emptyChapters) Get(_ context.Context, _, _ string, _ int) (*core.Chapter, error) {
	return nil, core.ErrNotFound
}

func (emptyChapters) ListByBook(_ context.Context, _, _ string) ([]core.Chapter, error) {
	return nil, nil
}

func (emptyChapters) Delete(_ context.Context, _, _ string, _ int) error { return nil }

func (emptyChapters) DeleteByBook(_ context.Context, _, _ string) error { return nil }

// scriptedTranscoder concatenates staged files byte-wise. Setting
// failStreamCopy forces the re-encode fallback path.
type scriptedTranscoder struct {
	mu             sync.Mutex
	failStreamCopy bool
	concats        []core.ConcatStrategy
}

func (f *scriptedTranscoder) Transcode(_ context.Context, _, _ string, _ core.AudioFormat, _ float64, _ string) error {
	return nil
}

func (f *scriptedTranscoder) ProbeDuration(_ context.Context, _ string) (float64, error) {
	return 10.0, nil
}

func (f *scriptedTranscoder) Concat(_ context.Context, inputs []string, _, outputPath string, _ core.AudioFormat, strategy core.ConcatStrategy) error {
	f.mu.Lock()
	f.concats = append(f.concats, strategy)
	failCopy := f.failStreamCopy
	f.mu.Unlock()

	if failCopy && strategy == core.ConcatStreamCopy {
		return errors.New("incompatible stream parameters")
	}

	var combined []byte

	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return err
		}

		combined = append(combined, data...)
	}

	return os.WriteFile(outputPath, combined, 0o600)
}

func newAssembler(t *testing.T, store *memoryStore, transcoder *scriptedTranscoder) *assemble.Assembler {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	return assemble.New(store, emptyChapters{}, transcoder, testNamespace, log)
}

func putChapter(t *testing.T, store *memoryStore, fileName, content string) {
	t.Helper()

	require.NoError(t, store.Put(context.Background(), chapterPrefix+fileName, []byte(content), "audio/mp4"))
}

func TestAssemble_ConcatenatesInIndexOrder(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0002_Two.m4a", "BBB")
	putChapter(t, store, "0001_One.m4a", "AAA")
	putChapter(t, store, "0003_Three.m4a", "CCC")

	transcoder := &scriptedTranscoder{}
	assembler := newAssembler(t, store, transcoder)

	artifact, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(artifact))

	assert.True(t, store.has(combinedKey))
	assert.True(t, store.has(signatureKey))

	signature, err := store.Get(context.Background(), signatureKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"index":0,"fileName":"0001_One.m4a"},
		{"index":1,"fileName":"0002_Two.m4a"},
		{"index":2,"fileName":"0003_Three.m4a"}
	]`, string(signature))
}

func TestAssemble_NoChapters(t *testing.T) {
	t.Parallel()

	assembler := newAssembler(t, newMemoryStore(), &scriptedTranscoder{})

	_, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.ErrorIs(t, err, core.ErrNoChapters)
}

func TestAssemble_MixedFormatsRejected(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")
	putChapter(t, store, "0002_Two.mp3", "BBB")

	assembler := newAssembler(t, store, &scriptedTranscoder{})

	_, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.ErrorIs(t, err, core.ErrMixedFormats)
}

func TestAssemble_FormatMismatchRejected(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")

	assembler := newAssembler(t, store, &scriptedTranscoder{})

	_, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatMP3)
	require.ErrorIs(t, err, core.ErrMixedFormats)
}

func TestAssemble_ServesCacheWithoutReassembly(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")

	transcoder := &scriptedTranscoder{}
	assembler := newAssembler(t, store, transcoder)
	ctx := context.Background()

	first, err := assembler.Assemble(ctx, testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)

	second, err := assembler.Assemble(ctx, testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Len(t, transcoder.concats, 1, "unchanged book must be served from cache")
}

func TestAssemble_RebuildsAfterChapterChange(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")

	transcoder := &scriptedTranscoder{}
	assembler := newAssembler(t, store, transcoder)
	ctx := context.Background()

	_, err := assembler.Assemble(ctx, testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)

	putChapter(t, store, "0002_Two.m4a", "BBB")

	artifact, err := assembler.Assemble(ctx, testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(artifact))

	assert.Len(t, transcoder.concats, 2, "a changed listing must trigger re-assembly")
}

func TestAssemble_RemovesStaleAlternates(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_Old.m4a", "OLD")
	putChapter(t, store, "0001_old.m4a", "NEW")

	transcoder := &scriptedTranscoder{}
	assembler := newAssembler(t, store, transcoder)

	artifact, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, "NEW", string(artifact), "the lexicographically greatest name wins")

	assert.False(t, store.has(chapterPrefix+"0001_Old.m4a"), "losing alternate must be deleted")
	assert.True(t, store.has(chapterPrefix+"0001_old.m4a"))
}

func TestAssemble_FallsBackToReencode(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")
	putChapter(t, store, "0002_Two.m4a", "BBB")

	transcoder := &scriptedTranscoder{failStreamCopy: true}
	assembler := newAssembler(t, store, transcoder)

	artifact, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(artifact))

	require.Len(t, transcoder.concats, 2)
	assert.Equal(t, core.ConcatStreamCopy, transcoder.concats[0])
	assert.Equal(t, core.ConcatReencode, transcoder.concats[1])
}

func TestAssemble_NonChapterObjectsAreIgnored(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	putChapter(t, store, "0001_One.m4a", "AAA")
	putChapter(t, store, "notes.txt", "not audio")

	assembler := newAssembler(t, store, &scriptedTranscoder{})

	artifact, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.FormatM4A)
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(artifact))
	assert.True(t, store.has(chapterPrefix+"notes.txt"), "undecodable names are ignored, not deleted")
}

func TestAssemble_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	assembler := newAssembler(t, newMemoryStore(), &scriptedTranscoder{})

	_, err := assembler.Assemble(context.Background(), testBookID, testOwnerID, core.AudioFormat("ogg"))
	require.ErrorIs(t, err, core.ErrValidation)
}
