package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/device"
	"github.com/loqalabs/loqa-stt/internal/engine"
)

// CheckDevice runs the startup dispatch once and exercises the bound model on
// a short silent clip, printing a report to w. It returns true when the
// accelerator was bound. A failed test transcription is returned as an error.
func CheckDevice(ctx context.Context, cfg config.Config, backend engine.Backend, w io.Writer, logger *slog.Logger) (bool, error) {
	fmt.Fprintf(w, "Checking %s accelerator with the %s engine...\n", cfg.Engine.Accelerator, backend.Name())

	d, err := Prepare(ctx, cfg.Engine, backend, logger)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(w, "Engine version:  %s\n", backend.Version())
	fmt.Fprintf(w, "Built with support: %v\n", d.Capability.Built)
	fmt.Fprintf(w, "Available:       %v\n", d.Capability.Available)
	if !d.Capability.Available {
		fmt.Fprintf(w, "FAIL %s\n", d.Capability.Reason())
		fmt.Fprintln(w, "Skipping accelerator exercise since it is not available.")
	} else if d.Fallback != nil {
		fmt.Fprintf(w, "FAIL %s\n", d.Fallback.Error())
	} else {
		fmt.Fprintln(w, "OK   accelerator is available and every submodule is bound")
	}

	for _, name := range d.Model.Placement().Names() {
		fmt.Fprintf(w, "  %-10s -> %s\n", name, d.Model.Placement()[name])
	}
	fmt.Fprintf(w, "Runtime device:  %s (fp16=%v)\n", d.Config.Device(), d.Config.ReducedPrecision())

	clip, err := os.CreateTemp(cfg.STT.TempDir, "loqa_check_*.wav")
	if err != nil {
		return false, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(clip.Name())
	err = audio.WriteWAV(clip, audio.Silence(time.Second, 16000, 1), 16000, 1)
	clip.Close()
	if err != nil {
		return false, err
	}

	start := time.Now()
	if _, err := d.Model.Transcribe(ctx, clip.Name(), engine.Options{
		Language:         cfg.STT.Language,
		ReducedPrecision: d.Config.ReducedPrecision(),
	}); err != nil {
		fmt.Fprintf(w, "FAIL test transcription: %v\n", err)
		return false, fmt.Errorf("test transcription: %w", err)
	}
	fmt.Fprintf(w, "OK   test transcription finished in %s\n", time.Since(start).Round(time.Millisecond))

	return d.Config.Device() != device.CPU, nil
}
