// Package api exposes the book and chapter operations over HTTP. Routing
// uses chi; every handler resolves the owner from the X-Owner-ID header,
// falling back to the namespace's deterministic unclaimed owner so
// single-user deployments need no identity layer.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	ownerHeader     = "X-Owner-ID"
	maxCommitBody   = 256 << 20 // raw chapter audio, base64-inflated
	downloadNameFmt = "attachment; filename=%q"
)

// ChapterService is the subset of the chapter commit service the API uses.
type ChapterService interface {
	Commit(ctx context.Context, req core.CommitRequest) (*core.Chapter, error)
	Status(ctx context.Context, bookID, ownerID string) (*core.BookStatus, error)
	DeleteChapter(ctx context.Context, bookID, ownerID string, index int) error
	Reset(ctx context.Context, bookID, ownerID string) error
}

// BookAssembler builds the combined full-book artifact.
type BookAssembler interface {
	Assemble(ctx context.Context, bookID, ownerID string, format core.AudioFormat) ([]byte, error)
}

// Server holds the HTTP handlers.
type Server struct {
	chapters  ChapterService
	assembler BookAssembler
	namespace string
	health    func(ctx context.Context) error
	log       *logger.Logger
}

// NewServer creates the HTTP surface. The health function reports readiness
// of the backing stores; nil means always healthy.
func NewServer(
	chapters ChapterService,
	assembler BookAssembler,
	namespace string,
	health func(ctx context.Context) error,
	log *logger.Logger,
) *Server {
	return &Server{
		chapters:  chapters,
		assembler: assembler,
		namespace: namespace,
		health:    health,
		log:       log,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)

	router.Route("/v1/books/{bookID}", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Delete("/", s.handleReset)
		r.Get("/download", s.handleDownload)
		r.Post("/chapters/{index}", s.handleCommit)
		r.Delete("/chapters/{index}", s.handleDeleteChapter)
	})

	return router
}

// ownerID resolves the acting owner. Absent identity yields the
// deterministic unclaimed owner of this namespace, so anonymous books can
// later be claimed by a real account.
func (s *Server) ownerID(r *http.Request) string {
	if owner := r.Header.Get(ownerHeader); owner != "" {
		return owner
	}

	return "unclaimed-" + s.namespace
}

// commitPayload is the JSON body of a chapter commit.
type commitPayload struct {
	BookTitle   string                  `json:"book_title"`
	Title       string                  `json:"title"`
	AudioBase64 string                  `json:"audio_base64"`
	Settings    core.GenerationSettings `json:"settings"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: chapter index must be an integer", core.ErrValidation))

		return
	}

	var payload commitPayload

	err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommitBody)).Decode(&payload)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %s", core.ErrValidation, err))

		return
	}

	audio, err := base64.StdEncoding.DecodeString(payload.AudioBase64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: audio_base64 is not valid base64", core.ErrValidation))

		return
	}

	chapter, err := s.chapters.Commit(r.Context(), core.CommitRequest{
		BookID:    bookID,
		OwnerID:   s.ownerID(r),
		BookTitle: payload.BookTitle,
		Index:     index,
		Title:     payload.Title,
		RawAudio:  audio,
		Settings:  payload.Settings,
	})
	if err != nil {
		s.log.Error("Commit of chapter %d of book %s failed: %v", index, bookID, err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, chapter)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")

	status, err := s.chapters.Status(r.Context(), bookID, s.ownerID(r))
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.log.Error("Status of book %s failed: %v", bookID, err)
		}

		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")

	format, err := core.ParseAudioFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)

		return
	}

	artifact, err := s.assembler.Assemble(r.Context(), bookID, s.ownerID(r), format)
	if err != nil {
		if !errors.Is(err, core.ErrNoChapters) {
			s.log.Error("Assembly of book %s failed: %v", bookID, err)
		}

		writeError(w, err)

		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(downloadNameFmt, bookID+"."+string(format)))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact)))
	_, _ = w.Write(artifact)
}

func (s *Server) handleDeleteChapter(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: chapter index must be an integer", core.ErrValidation))

		return
	}

	err = s.chapters.DeleteChapter(r.Context(), bookID, s.ownerID(r), index)
	if err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "bookID")

	err := s.chapters.Reset(r.Context(), bookID, s.ownerID(r))
	if err != nil {
		s.log.Error("Reset of book %s failed: %v", bookID, err)
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		err := s.health(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
