// Package stt turns an uploaded audio payload into a transcription response.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/device"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Request is one uploaded audio file.
type Request struct {
	Audio      io.Reader
	Filename   string
	Language   string
	ModelAlias string
}

// Segment is the public, versioned segment shape.
type Segment struct {
	ID          int     `json:"id"`
	Seek        int     `json:"seek"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Tokens      []int   `json:"tokens"`
	Temperature float64 `json:"temperature"`
}

// Response is the transcription result returned to callers.
type Response struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// InferenceError wraps a failure raised by the engine while transcribing.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return "inference failed: " + e.Err.Error() }

func (e *InferenceError) Unwrap() error { return e.Err }

// Publisher receives finished transcripts. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Service struct {
	cfg       config.STTConfig
	logger    *slog.Logger
	publisher Publisher
	tracer    trace.Tracer

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	audioLen metric.Float64Histogram
}

// NewService builds a Service. publisher may be nil.
func NewService(cfg config.STTConfig, publisher Publisher, logger *slog.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "stt")),
		publisher: publisher,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-stt/stt"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-stt/stt")
	var err error
	s.requests, err = meter.Int64Counter("stt.transcriptions",
		metric.WithDescription("Transcription requests by outcome"))
	if err != nil {
		return err
	}
	s.latency, err = meter.Float64Histogram("stt.transcription.duration",
		metric.WithDescription("Engine transcription latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.audioLen, err = meter.Float64Histogram("stt.audio.duration",
		metric.WithDescription("Length of uploaded WAV audio"),
		metric.WithUnit("s"))
	return err
}

// Language returns the language passed to the engine for a caller hint.
func (s *Service) Language(requested string) string {
	if s.cfg.HonorRequestLanguage && strings.TrimSpace(requested) != "" {
		return strings.TrimSpace(requested)
	}
	return s.cfg.Language
}

// Transcribe persists the upload to a temp file, runs model under rc and maps
// the result. The temp file is removed on every return path.
func (s *Service) Transcribe(ctx context.Context, req Request, rc device.RuntimeConfig, model engine.Model) (Response, error) {
	sessionID := uuid.NewString()
	language := s.Language(req.Language)
	logger := s.logger.With(slog.String("session_id", sessionID))

	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.device", string(rc.Device())),
		attribute.Bool("stt.fp16", rc.ReducedPrecision()),
		attribute.String("stt.language", language),
	))
	defer span.End()

	if req.Language != "" && language != req.Language {
		logger.Debug("ignoring requested language", slog.String("requested", req.Language), slog.String("language", language))
	}
	if req.ModelAlias != "" && req.ModelAlias != s.cfg.DefaultModelAlias {
		logger.Debug("ignoring requested model", slog.String("requested", req.ModelAlias), slog.String("model", model.Name()))
	}

	path, err := s.persist(req)
	if path != "" {
		defer s.remove(path)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist upload")
		s.record(ctx, "error", 0)
		return Response{}, err
	}

	audioSeconds := s.inspect(ctx, path)

	start := time.Now()
	result, err := model.Transcribe(ctx, path, engine.Options{
		Language:         language,
		ReducedPrecision: rc.ReducedPrecision(),
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference")
		s.record(ctx, "error", elapsed)
		logger.Warn("transcription failed", slog.String("error", err.Error()))
		return Response{}, &InferenceError{Err: err}
	}
	s.record(ctx, "ok", elapsed)

	resp := MapResult(result)
	logger.Debug("transcription complete",
		slog.String("text", resp.Text),
		slog.String("language", resp.Language),
		slog.Any("segments", segmentSpans(resp.Segments)),
		slog.Duration("elapsed", elapsed))

	s.publish(logger, protocol.Transcript{
		SessionID:        sessionID,
		Text:             resp.Text,
		Language:         resp.Language,
		Segments:         len(resp.Segments),
		Device:           string(rc.Device()),
		ReducedPrecision: rc.ReducedPrecision(),
		AudioSeconds:     audioSeconds,
		Timestamp:        time.Now().UTC(),
	})
	return resp, nil
}

// MapResult converts engine output into the public schema. Segment order is
// preserved, ids are renumbered from zero and decoding data is reset.
func MapResult(result engine.Result) Response {
	segments := make([]Segment, 0, len(result.Segments))
	for i, seg := range result.Segments {
		segments = append(segments, Segment{
			ID:          i,
			Seek:        seg.Seek,
			Start:       seg.Start,
			End:         seg.End,
			Text:        seg.Text,
			Tokens:      []int{},
			Temperature: 0.0,
		})
	}
	return Response{
		Text:     result.Text,
		Segments: segments,
		Language: result.Language,
	}
}

func (s *Service) persist(req Request) (string, error) {
	if req.Audio == nil {
		return "", errors.New("no audio provided")
	}
	file, err := os.CreateTemp(s.cfg.TempDir, "loqa_stt_*"+extension(req.Filename))
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	if _, err := io.Copy(file, req.Audio); err != nil {
		file.Close()
		return path, fmt.Errorf("write upload: %w", err)
	}
	if err := file.Close(); err != nil {
		return path, fmt.Errorf("close upload: %w", err)
	}
	return path, nil
}

func (s *Service) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// inspect measures WAV uploads. Other containers are left to the engine.
func (s *Service) inspect(ctx context.Context, path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	info, err := audio.Inspect(f)
	if err != nil {
		return 0
	}
	seconds := info.Duration.Seconds()
	if s.audioLen != nil {
		s.audioLen.Record(ctx, seconds)
	}
	return seconds
}

func (s *Service) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.latency != nil && elapsed > 0 {
		s.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (s *Service) publish(logger *slog.Logger, msg protocol.Transcript) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// uploadExt limits the client-chosen suffix used in temp file names.
var uploadExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if !uploadExt.MatchString(ext) {
		return ".wav"
	}
	return ext
}

type segmentSpan struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func segmentSpans(segments []Segment) []segmentSpan {
	spans := make([]segmentSpan, len(segments))
	for i, seg := range segments {
		spans[i] = segmentSpan{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return spans
}
