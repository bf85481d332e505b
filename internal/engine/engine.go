// Package engine abstracts the speech recognition runtime.
//
// Supported backends:
//   - mock: in-process, decodes WAV and reports silence (default)
//   - exec: shells out to a worker process that hosts the real model
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/device"
)

// Options tune a single transcription call.
type Options struct {
	Language         string
	ReducedPrecision bool
}

// Segment is a timed piece of engine output. Tokens and temperature are the
// engine's own decoding data.
type Segment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
}

// Result is the raw engine output for one audio file.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Model is a loaded speech model. BindSubmodule returns a new Model and
// leaves the receiver on its current placement.
type Model interface {
	Name() string
	Submodules() []string
	Placement() device.Placement
	BindSubmodule(ctx context.Context, name string, dev device.Device) (Model, error)
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// Backend loads models and answers device questions for one engine runtime.
type Backend interface {
	device.Prober
	device.SmokeTester
	Name() string
	Version() string
	// Load returns the named model with every submodule on the CPU.
	Load(ctx context.Context, name string) (Model, error)
}

// New creates a Backend based on the config mode setting.
func New(cfg config.EngineConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Mode {
	case "exec":
		return NewExec(cfg.Command, cfg.Submodules, logger)
	case "mock", "":
		return NewMock(MockOptions{
			Capability:    device.Capability{Available: cfg.MockAvailable, Built: cfg.MockBuilt || cfg.MockAvailable},
			SmokeFail:     cfg.MockSmokeFail,
			FailSubmodule: cfg.MockFailSubmodule,
			Submodules:    cfg.Submodules,
		}), nil
	default:
		return nil, fmt.Errorf("engine: unknown mode %q (supported: mock, exec)", cfg.Mode)
	}
}
