package device

import (
	"context"
	"fmt"
	"log/slog"
)

// Binding stages reported in BindingError.
const (
	StageSmokeTest = "smoke-test"
	StageSubmodule = "submodule"
)

// BindingError reports why the accelerator could not be used.
type BindingError struct {
	Stage     string
	Submodule string
	Device    Device
	Err       error
}

func (e *BindingError) Error() string {
	if e.Submodule != "" {
		return fmt.Sprintf("bind %s to %s: %v", e.Submodule, e.Device, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Stage, e.Device, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

// SmokeTester materializes a trivial value on a device to prove it works.
type SmokeTester interface {
	SmokeTest(ctx context.Context, dev Device) error
}

// Bindable is a model whose submodules can be moved one at a time.
// BindSubmodule must return a new value and leave the receiver untouched.
type Bindable[M any] interface {
	Submodules() []string
	BindSubmodule(ctx context.Context, name string, dev Device) (M, error)
}

// BindOptions configures Bind.
type BindOptions struct {
	Accelerator      Device
	ReducedPrecision bool
	Logger           *slog.Logger
}

// Binding is the outcome of Bind. Model and Config are always usable;
// Fallback is the error that forced the CPU path, if any.
type Binding[M any] struct {
	Model    M
	Config   RuntimeConfig
	Fallback *BindingError
}

// Bind selects the device for model. When the accelerator is unavailable or
// any step fails, the untouched input model is returned with CPUConfig.
func Bind[M Bindable[M]](ctx context.Context, model M, capability Capability, smoke SmokeTester, opts BindOptions) Binding[M] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dev := opts.Accelerator

	if !capability.Available || dev == "" || dev == CPU {
		logger.Info("using cpu", slog.String("reason", capability.Reason()))
		return Binding[M]{Model: model, Config: CPUConfig()}
	}

	if err := smoke.SmokeTest(ctx, dev); err != nil {
		return fallback(logger, model, &BindingError{Stage: StageSmokeTest, Device: dev, Err: err})
	}

	staged := model
	for _, name := range model.Submodules() {
		if err := ctx.Err(); err != nil {
			return fallback(logger, model, &BindingError{Stage: StageSubmodule, Submodule: name, Device: dev, Err: err})
		}
		logger.Info("binding submodule", slog.String("submodule", name), slog.String("device", string(dev)))
		next, err := staged.BindSubmodule(ctx, name, dev)
		if err != nil {
			return fallback(logger, model, &BindingError{Stage: StageSubmodule, Submodule: name, Device: dev, Err: err})
		}
		staged = next
	}

	cfg := AcceleratorConfig(dev, opts.ReducedPrecision)
	logger.Info("model bound to accelerator",
		slog.String("device", string(cfg.Device())),
		slog.Bool("reduced_precision", cfg.ReducedPrecision()))
	return Binding[M]{Model: staged, Config: cfg}
}

func fallback[M any](logger *slog.Logger, original M, err *BindingError) Binding[M] {
	logger.Warn("accelerator binding failed, falling back to cpu",
		slog.String("stage", err.Stage),
		slog.String("error", err.Error()))
	return Binding[M]{Model: original, Config: CPUConfig(), Fallback: err}
}
