package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/device"
)

const mockVersion = "mock-1.0"

// MockOptions configure the mock backend's simulated hardware.
type MockOptions struct {
	Capability    device.Capability
	SmokeFail     bool
	FailSubmodule string
	Submodules    []string
}

type mockBackend struct {
	opts MockOptions
}

// NewMock returns a backend that needs no model files. It decodes WAV input
// and returns an empty transcript for silence.
func NewMock(opts MockOptions) Backend {
	if len(opts.Submodules) == 0 {
		opts.Submodules = []string{"encoder", "decoder"}
	}
	return &mockBackend{opts: opts}
}

func (b *mockBackend) Name() string    { return "mock" }
func (b *mockBackend) Version() string { return mockVersion }

func (b *mockBackend) Probe(context.Context) (device.Capability, error) {
	return b.opts.Capability, nil
}

func (b *mockBackend) SmokeTest(ctx context.Context, dev device.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.opts.SmokeFail || !b.opts.Capability.Available {
		return fmt.Errorf("mock: cannot allocate on %s", dev)
	}
	return nil
}

func (b *mockBackend) Load(_ context.Context, name string) (Model, error) {
	if name == "" {
		return nil, errors.New("mock: model name is empty")
	}
	return &mockModel{
		name:       name,
		submodules: append([]string(nil), b.opts.Submodules...),
		placement:  device.Uniform(b.opts.Submodules, device.CPU),
		failOn:     b.opts.FailSubmodule,
	}, nil
}

type mockModel struct {
	name       string
	submodules []string
	placement  device.Placement
	failOn     string
}

func (m *mockModel) Name() string                { return m.name }
func (m *mockModel) Submodules() []string        { return m.submodules }
func (m *mockModel) Placement() device.Placement { return m.placement.Clone() }

func (m *mockModel) BindSubmodule(_ context.Context, name string, dev device.Device) (Model, error) {
	if _, ok := m.placement[name]; !ok {
		return nil, fmt.Errorf("mock: unknown submodule %q", name)
	}
	if name == m.failOn {
		return nil, fmt.Errorf("mock: %s does not fit on %s", name, dev)
	}
	next := *m
	next.placement = m.placement.Clone()
	next.placement[name] = dev
	return &next, nil
}

func (m *mockModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("mock: open audio: %w", err)
	}
	defer f.Close()

	info, err := audio.Inspect(f)
	if err != nil {
		return Result{}, fmt.Errorf("mock: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	res := Result{Language: lang, Segments: []Segment{}}
	if info.Silent || info.Duration == 0 {
		return res, nil
	}

	text := fmt.Sprintf("[mock transcript %.2fs]", info.Duration.Seconds())
	res.Text = text
	res.Segments = append(res.Segments, Segment{
		ID:          0,
		Seek:        0,
		Start:       0,
		End:         info.Duration.Seconds(),
		Text:        text,
		Tokens:      []int{50364, 50257},
		Temperature: 0.2,
	})
	return res, nil
}
