// Command audiobook-client drives the audiobook service from the command
// line: it uploads a directory of text files as content units, publishes a
// generation request, waits for completion, and can download the combined
// artifact over the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/worker"
)

// Flag descriptions.
const (
	flagBookDesc     = "Book identifier (generated when empty)"
	flagTitleDesc    = "Book title"
	flagOwnerDesc    = "Owner identifier (defaults to the unclaimed owner)"
	flagDirDesc      = "Directory of .txt files, one content unit each, in name order"
	flagFormatDesc   = "Output format: m4a or mp3"
	flagVoiceDesc    = "TTS voice"
	flagProviderDesc = "TTS provider"
	flagModelDesc    = "TTS model"
	flagSpeedDesc    = "Native synthesis speed"
	flagTempoDesc    = "Post-processing tempo (0.5-3.0)"
	flagNATSDesc     = "NATS server URL"
	flagBucketDesc   = "Object store bucket holding text units"
	flagSubjectDesc  = "Generation request subject"
	flagServerDesc   = "HTTP API base URL (used by -download)"
	flagDownloadDesc = "Download the combined artifact to this path after generation"
	flagTimeoutDesc  = "Overall timeout for the generation run"
)

type appFlags struct {
	book     string
	title    string
	owner    string
	dir      string
	format   string
	voice    string
	provider string
	model    string
	speed    float64
	tempo    float64
	natsURL  string
	bucket   string
	subject  string
	server   string
	download string
	timeout  time.Duration
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.book, "book", "", flagBookDesc)
	flag.StringVar(&flags.title, "title", "", flagTitleDesc)
	flag.StringVar(&flags.owner, "owner", "", flagOwnerDesc)
	flag.StringVar(&flags.dir, "dir", "", flagDirDesc)
	flag.StringVar(&flags.format, "format", string(core.FormatM4A), flagFormatDesc)
	flag.StringVar(&flags.voice, "voice", "narrator", flagVoiceDesc)
	flag.StringVar(&flags.provider, "provider", "", flagProviderDesc)
	flag.StringVar(&flags.model, "model", "", flagModelDesc)
	flag.Float64Var(&flags.speed, "speed", 1.0, flagSpeedDesc)
	flag.Float64Var(&flags.tempo, "tempo", 1.0, flagTempoDesc)
	flag.StringVar(&flags.natsURL, "nats", nats.DefaultURL, flagNATSDesc)
	flag.StringVar(&flags.bucket, "bucket", "AUDIOBOOK_FILES", flagBucketDesc)
	flag.StringVar(&flags.subject, "subject", "audiobook.generate", flagSubjectDesc)
	flag.StringVar(&flags.server, "server", "http://127.0.0.1:8080", flagServerDesc)
	flag.StringVar(&flags.download, "download", "", flagDownloadDesc)
	flag.DurationVar(&flags.timeout, "timeout", 2*time.Hour, flagTimeoutDesc)
	flag.Parse()

	return flags
}

func run() error {
	flags := parseFlags()

	if flags.dir == "" {
		flag.Usage()

		return errors.New("-dir is required")
	}

	format, err := core.ParseAudioFormat(flags.format)
	if err != nil {
		return err
	}

	if flags.book == "" {
		flags.book = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	natsConnection, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, flags.bucket)
	if err != nil {
		return err
	}

	textKeys, titles, err := uploadUnits(ctx, store, flags.dir, flags.book)
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded %d content units for book %s\n", len(textKeys), flags.book)

	reply, err := requestGeneration(ctx, natsConnection, flags, format, textKeys, titles)
	if err != nil {
		return err
	}

	fmt.Printf("Generation %s: %d chapters, %d failures\n", reply.Status, reply.Chapters, reply.Failures)

	if reply.Error != "" {
		return fmt.Errorf("generation reported: %s", reply.Error)
	}

	if flags.download != "" {
		return downloadArtifact(ctx, flags, format)
	}

	return nil
}

// uploadUnits stores each .txt file under a per-book text prefix, in file
// name order.
func uploadUnits(ctx context.Context, store *objectstore.Store, dir, bookID string) ([]string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read directory '%s': %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}

		names = append(names, entry.Name())
	}

	if len(names) == 0 {
		return nil, nil, fmt.Errorf("no .txt files in '%s'", dir)
	}

	sort.Strings(names)

	keys := make([]string, 0, len(names))
	titles := make([]string, 0, len(names))

	for i, name := range names {
		data, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr != nil {
			return nil, nil, fmt.Errorf("failed to read '%s': %w", name, readErr)
		}

		key := fmt.Sprintf("texts/%s/%04d.txt", bookID, i+1)

		putErr := store.Put(ctx, key, data, "text/plain")
		if putErr != nil {
			return nil, nil, putErr
		}

		keys = append(keys, key)
		titles = append(titles, strings.TrimSuffix(name, ".txt"))
	}

	return keys, titles, nil
}

func requestGeneration(
	ctx context.Context,
	natsConnection *nats.Conn,
	flags appFlags,
	format core.AudioFormat,
	textKeys, titles []string,
) (*worker.GenerationCompletedEvent, error) {
	request := &worker.GenerationRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     flags.owner,
			TenantID:   "",
		},
		BookID:    flags.book,
		BookTitle: flags.title,
		OwnerID:   flags.owner,
		TextKeys:  textKeys,
		Titles:    titles,
		Settings: core.GenerationSettings{
			Provider:     flags.provider,
			Model:        flags.model,
			Voice:        flags.voice,
			NativeSpeed:  flags.speed,
			PostSpeed:    flags.tempo,
			OutputFormat: format,
		},
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	msg, err := natsConnection.RequestWithContext(ctx, flags.subject, data)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	var reply worker.GenerationCompletedEvent

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal completion event: %w", err)
	}

	return &reply, nil
}

func downloadArtifact(ctx context.Context, flags appFlags, format core.AudioFormat) error {
	url := fmt.Sprintf("%s/v1/books/%s/download?format=%s", flags.server, flags.book, format)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	if flags.owner != "" {
		req.Header.Set("X-Owner-ID", flags.owner)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("download failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := os.Create(flags.download)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", flags.download, err)
	}

	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to write artifact: %w", copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s': %w", flags.download, closeErr)
	}

	fmt.Printf("Downloaded %s\n", flags.download)

	return nil
}
