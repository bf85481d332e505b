package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/loqalabs/loqa-stt/internal/device"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd        []string
	submodules []string
	logger     *slog.Logger
	version    atomic.Pointer[string]
}

type execProbe struct {
	Available bool   `json:"available"`
	Built     bool   `json:"built"`
	Version   string `json:"version"`
}

// NewExec returns a backend that drives a worker process. The worker is
// invoked once per operation with a subcommand (probe, smoke, load, bind,
// transcribe) and answers JSON on stdout where a result is expected.
func NewExec(command string, submodules []string, logger *slog.Logger) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if len(submodules) == 0 {
		return nil, fmt.Errorf("engine submodules are empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &execBackend{
		cmd:        args,
		submodules: append([]string(nil), submodules...),
		logger:     logger.With(slog.String("component", "engine-exec")),
	}, nil
}

func (b *execBackend) Name() string { return "exec" }

// Version is the worker's self-reported version, known after the first Probe.
func (b *execBackend) Version() string {
	if v := b.version.Load(); v != nil {
		return *v
	}
	return "unknown"
}

func (b *execBackend) Probe(ctx context.Context) (device.Capability, error) {
	out, err := b.run(ctx, "probe")
	if err != nil {
		return device.Capability{}, err
	}
	var resp execProbe
	if err := json.Unmarshal(out, &resp); err != nil {
		return device.Capability{}, fmt.Errorf("decode probe response: %w", err)
	}
	if resp.Version != "" {
		v := resp.Version
		b.version.Store(&v)
	}
	return device.Capability{Available: resp.Available, Built: resp.Built}, nil
}

func (b *execBackend) SmokeTest(ctx context.Context, dev device.Device) error {
	_, err := b.run(ctx, "smoke", "--device", string(dev))
	return err
}

func (b *execBackend) Load(ctx context.Context, name string) (Model, error) {
	if _, err := b.run(ctx, "load", "--model", name); err != nil {
		return nil, err
	}
	return &execModel{
		backend:    b,
		name:       name,
		submodules: b.submodules,
		placement:  device.Uniform(b.submodules, device.CPU),
	}, nil
}

func (b *execBackend) run(ctx context.Context, sub string, extra ...string) ([]byte, error) {
	args := append([]string{}, b.cmd[1:]...)
	args = append(args, sub)
	args = append(args, extra...)

	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	b.logger.Debug("running engine worker", slog.String("subcommand", sub))
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine %s failed: %w: %s", sub, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type execModel struct {
	backend    *execBackend
	name       string
	submodules []string
	placement  device.Placement
}

func (m *execModel) Name() string                { return m.name }
func (m *execModel) Submodules() []string        { return m.submodules }
func (m *execModel) Placement() device.Placement { return m.placement.Clone() }

func (m *execModel) BindSubmodule(ctx context.Context, name string, dev device.Device) (Model, error) {
	if _, ok := m.placement[name]; !ok {
		return nil, fmt.Errorf("unknown submodule %q", name)
	}
	if _, err := m.backend.run(ctx, "bind", "--model", m.name, "--submodule", name, "--device", string(dev)); err != nil {
		return nil, err
	}
	next := *m
	next.placement = m.placement.Clone()
	next.placement[name] = dev
	return &next, nil
}

func (m *execModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	args := []string{"--model", m.name, "--audio", audioPath, "--device-map", m.deviceMap()}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.ReducedPrecision {
		args = append(args, "--fp16")
	}
	out, err := m.backend.run(ctx, "transcribe", args...)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("decode engine response: %w", err)
	}
	if res.Segments == nil {
		res.Segments = []Segment{}
	}
	return res, nil
}

func (m *execModel) deviceMap() string {
	names := m.placement.Names()
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+string(m.placement[name]))
	}
	return strings.Join(pairs, ",")
}
