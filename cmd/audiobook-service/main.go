// main package for the audiobook-service
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/audiobook-service/internal/api"
	"github.com/book-expert/audiobook-service/internal/assemble"
	"github.com/book-expert/audiobook-service/internal/chapters"
	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/datastore"
	"github.com/book-expert/audiobook-service/internal/generate"
	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/transcode"
	"github.com/book-expert/audiobook-service/internal/ttsclient"
	"github.com/book-expert/audiobook-service/internal/worker"
)

const shutdownGrace = 15 * time.Second

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "audiobook-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		return fmt.Errorf("failed to ping postgres: %w", pingErr)
	}

	books := datastore.NewBookRepository(db)
	chapterRows := datastore.NewChapterRepository(db)
	settings := datastore.NewSettingsRepository(db)

	transcoder := transcode.New(cfg.FFmpeg.Bitrate, log)
	synthesizer := ttsclient.New(cfg.TTS.BaseURL, cfg.TTS.APIKey, cfg.TTS.TTSTimeout())

	chapterService := chapters.NewService(
		store, books, chapterRows, settings, transcoder, cfg.Storage.Namespace, log,
	)
	assembler := assemble.New(store, chapterRows, transcoder, cfg.Storage.Namespace, log)
	orchestrator := generate.NewOrchestrator(synthesizer, chapterService, chapterRows, log)

	generationWorker := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.GenerationSubject,
		cfg.NATS.ProgressSubject,
		store,
		orchestrator,
		cfg.NATS.JobTimeout(),
		log,
	)

	health := func(ctx context.Context) error {
		pingErr := db.PingContext(ctx)
		if pingErr != nil {
			return fmt.Errorf("postgres unreachable: %w", pingErr)
		}

		if !natsConnection.IsConnected() {
			return errors.New("nats disconnected")
		}

		return nil
	}

	apiServer := api.NewServer(chapterService, assembler, cfg.Storage.Namespace, health, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddress,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.System("Audiobook service initialized. HTTP on %s, jobs on subject %s.",
		cfg.HTTP.ListenAddress, cfg.NATS.GenerationSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return generationWorker.Run(groupCtx)
	})

	group.Go(func() error {
		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", serveErr)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			return fmt.Errorf("http shutdown failed: %w", shutdownErr)
		}

		return nil
	})

	return group.Wait()
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
