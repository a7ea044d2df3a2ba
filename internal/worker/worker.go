// Package worker provides the NATS worker that runs audiobook generation
// jobs. A generation request names a book and a list of text object keys;
// the worker synthesizes and commits every chapter, publishing progress on
// the way and a completion event at the end.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/generate"
)

// ErrNoTextKeys indicates a generation request without any source text.
var ErrNoTextKeys = errors.New("generation request carries no text keys")

// GenerationRequestedEvent asks the worker to generate a book. TextKeys are
// object-store keys of pre-extracted text units in document order.
type GenerationRequestedEvent struct {
	Header    events.EventHeader      `json:"header"`
	BookID    string                  `json:"book_id"`
	BookTitle string                  `json:"book_title"`
	OwnerID   string                  `json:"owner_id"`
	TextKeys  []string                `json:"text_keys"`
	Titles    []string                `json:"titles,omitempty"`
	Settings  core.GenerationSettings `json:"settings"`
}

// GenerationProgressEvent is published after every processed unit.
type GenerationProgressEvent struct {
	Header         events.EventHeader `json:"header"`
	BookID         string             `json:"book_id"`
	UnitsTotal     int                `json:"units_total"`
	UnitsProcessed int                `json:"units_processed"`
	ChaptersDone   int                `json:"chapters_done"`
	TextProcessed  int                `json:"text_processed"`
	TextTotal      int                `json:"text_total"`
	Percent        float64            `json:"percent"`
}

// GenerationCompletedEvent is the terminal reply of one generation run.
type GenerationCompletedEvent struct {
	Header   events.EventHeader `json:"header"`
	BookID   string             `json:"book_id"`
	Status   string             `json:"status"`
	Chapters int                `json:"chapters"`
	Failures int                `json:"failures"`
	Error    string             `json:"error,omitempty"`
}

// Generator runs one generation request. Satisfied by generate.Orchestrator.
type Generator interface {
	Run(ctx context.Context, req generate.Request) (*generate.Result, error)
}

// NatsWorker listens for generation requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	progressSubj   string
	store          core.ObjectStore
	generator      Generator
	jobTimeout     time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a worker. jobTimeout bounds one whole generation
// run; zero selects a generous default since books take a while.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	progressSubject string,
	store core.ObjectStore,
	generator Generator,
	jobTimeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Hour
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		progressSubj:   progressSubject,
		store:          store,
		generator:      generator,
		jobTimeout:     jobTimeout,
		log:            log,
	}
}

// Run starts the worker and blocks until the context is cancelled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse generation request: %v", err)

		return
	}

	result, runErr := w.runGeneration(ctx, event)

	reply := &GenerationCompletedEvent{
		Header: event.Header,
		BookID: event.BookID,
		Status: generate.StatusFailed,
	}

	if result != nil {
		reply.BookID = result.BookID
		reply.Status = result.Status
		reply.Chapters = result.Chapters
		reply.Failures = result.Failures
	}

	if runErr != nil {
		reply.Error = runErr.Error()

		w.log.Error("Generation for workflow %s failed: %v", event.Header.WorkflowID, runErr)
	}

	err = w.publishReply(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish completion for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// runGeneration executes the orchestrator against an object-store content
// source built from the request's text keys.
func (w *NatsWorker) runGeneration(ctx context.Context, event *GenerationRequestedEvent) (*generate.Result, error) {
	if len(event.TextKeys) == 0 {
		return nil, ErrNoTextKeys
	}

	source := &objectStoreSource{
		store:  w.store,
		keys:   event.TextKeys,
		titles: event.Titles,
	}

	return w.generator.Run(ctx, generate.Request{
		BookID:    event.BookID,
		OwnerID:   event.OwnerID,
		BookTitle: event.BookTitle,
		Settings:  event.Settings,
		Source:    source,
		Progress:  w.progressPublisher(event),
	})
}

// progressPublisher emits progress events on the progress subject. Progress
// is advisory; publish failures are logged and ignored.
func (w *NatsWorker) progressPublisher(event *GenerationRequestedEvent) func(generate.Progress) {
	if w.progressSubj == "" {
		return nil
	}

	return func(p generate.Progress) {
		data, err := json.Marshal(&GenerationProgressEvent{
			Header:         event.Header,
			BookID:         event.BookID,
			UnitsTotal:     p.UnitsTotal,
			UnitsProcessed: p.UnitsProcessed,
			ChaptersDone:   p.ChaptersDone,
			TextProcessed:  p.TextProcessed,
			TextTotal:      p.TextTotal,
			Percent:        p.Percent(),
		})
		if err != nil {
			w.log.Error("Failed to marshal progress event: %v", err)

			return
		}

		publishErr := w.natsConnection.Publish(w.progressSubj, data)
		if publishErr != nil {
			w.log.Warn("Failed to publish progress for workflow %s: %v",
				event.Header.WorkflowID, publishErr)
		}
	}
}

func (w *NatsWorker) publishReply(msg *nats.Msg, reply *GenerationCompletedEvent) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	err = msg.Respond(data)
	if err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*GenerationRequestedEvent, error) {
	var event GenerationRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation request: %w", err)
	}

	return &event, nil
}

// objectStoreSource reads pre-extracted text units from the object store.
type objectStoreSource struct {
	store  core.ObjectStore
	keys   []string
	titles []string
}

func (s *objectStoreSource) Units(ctx context.Context) ([]core.ContentUnit, error) {
	units := make([]core.ContentUnit, 0, len(s.keys))

	for i, key := range s.keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to download text unit '%s': %w", key, err)
		}

		title := ""
		if i < len(s.titles) {
			title = s.titles[i]
		}

		units = append(units, core.ContentUnit{
			Title: title,
			Text:  strings.ToValidUTF8(string(data), ""),
		})
	}

	return units, nil
}
