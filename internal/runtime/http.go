package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/health"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to disk.
const multipartMemory = 32 << 20

// Server serves the transcription API for one bound model.
type Server struct {
	stt       *stt.Service
	model     engine.Model
	reporter  *health.Reporter
	maxUpload int64
	metrics   http.Handler
	ready     func() bool
	logger    *slog.Logger
}

// ServerOptions wires a Server. Metrics and Ready are optional.
type ServerOptions struct {
	STT            *stt.Service
	Model          engine.Model
	Reporter       *health.Reporter
	MaxUploadBytes int64
	Metrics        http.Handler
	Ready          func() bool
	Logger         *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		stt:       opts.STT,
		model:     opts.Model,
		reporter:  opts.Reporter,
		maxUpload: opts.MaxUploadBytes,
		metrics:   opts.Metrics,
		ready:     ready,
		logger:    logger.With(slog.String("component", "http")),
	}
}

// Routes returns the chi router with every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/docs", s.handleDocs(r))
	r.Get("/healthz", s.handleLive)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/audio/transcriptions", s.handleTranscribe)
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      "Loqa STT API",
		"docs":         "/docs",
		"health_check": "/v1/health",
		"transcribe":   "/v1/audio/transcriptions",
	})
}

func (s *Server) handleDocs(router chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var routes []string
		_ = chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+strings.TrimSuffix(route, "/*"))
			return nil
		})
		sort.Strings(routes)
		writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Status())
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	req := stt.Request{
		Audio:      file,
		Filename:   header.Filename,
		Language:   r.FormValue("language"),
		ModelAlias: r.FormValue("model_name"),
	}
	resp, err := s.stt.Transcribe(r.Context(), req, s.reporter.RuntimeConfig(), s.model)
	if err != nil {
		s.logger.Error("transcription request failed",
			slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		var inferenceErr *stt.InferenceError
		if errors.As(err, &inferenceErr) {
			writeError(w, http.StatusInternalServerError, inferenceErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "transcription failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
