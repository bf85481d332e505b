package device

import (
	"context"
	"fmt"
	"log/slog"
)

// Prober asks the engine runtime about accelerator support.
type Prober interface {
	Probe(ctx context.Context) (Capability, error)
}

// Probe queries p and never fails: errors and panics degrade to an
// unavailable accelerator. An available accelerator is always reported as built.
func Probe(ctx context.Context, p Prober, logger *slog.Logger) (capability Capability) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("accelerator probe panicked", slog.String("panic", fmt.Sprint(r)))
			capability = Capability{}
		}
	}()

	c, err := p.Probe(ctx)
	if err != nil {
		logger.Warn("accelerator probe failed", slog.String("error", err.Error()))
		return Capability{Built: c.Built}
	}
	if c.Available {
		c.Built = true
	}

	logger.Info("accelerator probe complete",
		slog.Bool("available", c.Available),
		slog.Bool("built", c.Built),
		slog.String("reason", c.Reason()))
	return c
}
