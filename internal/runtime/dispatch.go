package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/device"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch is the inference setup fixed at startup and shared by every request.
type Dispatch struct {
	Backend    engine.Backend
	Model      engine.Model
	Config     device.RuntimeConfig
	Capability device.Capability
	Fallback   *device.BindingError
	Elapsed    time.Duration
}

// Prepare probes the accelerator, loads the model and binds it. Only a failure
// to load the model is returned; device problems end on the CPU.
func Prepare(ctx context.Context, cfg config.EngineConfig, backend engine.Backend, logger *slog.Logger) (Dispatch, error) {
	logger = logger.With(slog.String("component", "dispatch"))
	tracer := otel.Tracer("github.com/loqalabs/loqa-stt/runtime")
	ctx, span := tracer.Start(ctx, "dispatch.prepare", trace.WithAttributes(
		attribute.String("engine.backend", backend.Name()),
		attribute.String("engine.model", cfg.Model),
	))
	defer span.End()
	start := time.Now()

	capability := device.Probe(ctx, backend, logger)

	model, err := backend.Load(ctx, cfg.Model)
	if err != nil {
		span.RecordError(err)
		return Dispatch{}, fmt.Errorf("load model %q: %w", cfg.Model, err)
	}

	binding := device.Bind(ctx, model, capability, backend, device.BindOptions{
		Accelerator:      device.Device(cfg.Accelerator),
		ReducedPrecision: cfg.ReducedPrecision,
		Logger:           logger,
	})

	d := Dispatch{
		Backend:    backend,
		Model:      binding.Model,
		Config:     binding.Config,
		Capability: capability,
		Fallback:   binding.Fallback,
		Elapsed:    time.Since(start),
	}

	span.SetAttributes(
		attribute.String("device", string(d.Config.Device())),
		attribute.Bool("fp16", d.Config.ReducedPrecision()),
	)
	if d.Fallback != nil {
		span.RecordError(d.Fallback)
		recordFallback(ctx, d.Fallback)
	}

	logger.Info("inference dispatch ready",
		slog.String("backend", backend.Name()),
		slog.String("engine_version", backend.Version()),
		slog.String("model", model.Name()),
		slog.String("device", string(d.Config.Device())),
		slog.Bool("fp16", d.Config.ReducedPrecision()),
		slog.Duration("elapsed", d.Elapsed))
	return d, nil
}

func recordFallback(ctx context.Context, err *device.BindingError) {
	counter, cErr := otel.Meter("github.com/loqalabs/loqa-stt/runtime").Int64Counter("stt.bind.fallbacks",
		metric.WithDescription("Accelerator bindings that fell back to the CPU"))
	if cErr != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", err.Stage)))
}
