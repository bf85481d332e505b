package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeModel struct {
	order     []string
	placement Placement
	failOn    string
	calls     *[]string
}

func newFakeModel(failOn string, submodules ...string) *fakeModel {
	calls := []string{}
	return &fakeModel{
		order:     submodules,
		placement: Uniform(submodules, CPU),
		failOn:    failOn,
		calls:     &calls,
	}
}

func (m *fakeModel) Submodules() []string { return m.order }

func (m *fakeModel) BindSubmodule(_ context.Context, name string, dev Device) (*fakeModel, error) {
	*m.calls = append(*m.calls, name)
	if name == m.failOn {
		return nil, errors.New("out of device memory")
	}
	next := *m
	next.placement = m.placement.Clone()
	next.placement[name] = dev
	return &next, nil
}

type fakeSmoke struct {
	err   error
	calls int
}

func (s *fakeSmoke) SmokeTest(context.Context, Device) error {
	s.calls++
	return s.err
}

type fakeProber struct {
	cap   Capability
	err   error
	panic bool
}

func (p fakeProber) Probe(context.Context) (Capability, error) {
	if p.panic {
		panic("driver crashed")
	}
	return p.cap, p.err
}

func opts() BindOptions {
	return BindOptions{Accelerator: "mps", ReducedPrecision: true, Logger: newLogger()}
}

func TestBindUnavailableUsesCPU(t *testing.T) {
	for _, built := range []bool{true, false} {
		model := newFakeModel("", "encoder", "decoder")
		smoke := &fakeSmoke{}
		b := Bind(context.Background(), model, Capability{Available: false, Built: built}, smoke, opts())

		if b.Config.Device() != CPU || b.Config.ReducedPrecision() {
			t.Fatalf("built=%v: expected cpu/full precision, got %s/%v", built, b.Config.Device(), b.Config.ReducedPrecision())
		}
		if b.Model != model {
			t.Fatalf("built=%v: model must be returned unmodified", built)
		}
		if smoke.calls != 0 || len(*model.calls) != 0 {
			t.Fatalf("built=%v: no smoke test or binding expected", built)
		}
		if b.Fallback != nil {
			t.Fatalf("built=%v: unavailable accelerator is not a failure", built)
		}
	}
}

func TestBindSmokeFailureSkipsSubmodules(t *testing.T) {
	model := newFakeModel("", "encoder", "decoder")
	smoke := &fakeSmoke{err: errors.New("metal device lost")}

	b := Bind(context.Background(), model, Capability{Available: true, Built: true}, smoke, opts())

	if b.Config.Device() != CPU || b.Config.ReducedPrecision() {
		t.Fatalf("expected cpu fallback, got %s/%v", b.Config.Device(), b.Config.ReducedPrecision())
	}
	if len(*model.calls) != 0 {
		t.Fatalf("no submodule may be bound after a failed smoke test, got %v", *model.calls)
	}
	if !b.Model.placement.On(CPU) {
		t.Fatalf("model must stay on cpu, got %v", b.Model.placement)
	}
	if b.Fallback == nil || b.Fallback.Stage != StageSmokeTest {
		t.Fatalf("expected smoke-test binding error, got %v", b.Fallback)
	}
}

func TestBindDecoderFailureRollsBack(t *testing.T) {
	model := newFakeModel("decoder", "encoder", "decoder")

	b := Bind(context.Background(), model, Capability{Available: true, Built: true}, &fakeSmoke{}, opts())

	if b.Config.Device() != CPU || b.Config.ReducedPrecision() {
		t.Fatalf("expected cpu fallback, got %s/%v", b.Config.Device(), b.Config.ReducedPrecision())
	}
	if b.Model != model {
		t.Fatal("expected the original model after rollback")
	}
	if got := b.Model.placement["encoder"]; got != CPU {
		t.Fatalf("encoder left on %s", got)
	}
	if !b.Model.placement.On(CPU) {
		t.Fatalf("partial binding observed: %v", b.Model.placement)
	}
	if b.Fallback == nil || b.Fallback.Submodule != "decoder" {
		t.Fatalf("expected decoder binding error, got %v", b.Fallback)
	}
	var bindErr *BindingError
	if !errors.As(error(b.Fallback), &bindErr) {
		t.Fatal("fallback should be a *BindingError")
	}
}

func TestBindFirstFailureShortCircuits(t *testing.T) {
	model := newFakeModel("encoder", "encoder", "decoder", "joint")

	Bind(context.Background(), model, Capability{Available: true, Built: true}, &fakeSmoke{}, opts())

	if len(*model.calls) != 1 || (*model.calls)[0] != "encoder" {
		t.Fatalf("expected binding to stop after encoder, got %v", *model.calls)
	}
}

func TestBindSuccess(t *testing.T) {
	model := newFakeModel("", "encoder", "decoder")

	b := Bind(context.Background(), model, Capability{Available: true, Built: true}, &fakeSmoke{}, opts())

	if b.Config.Device() != "mps" || !b.Config.ReducedPrecision() {
		t.Fatalf("expected mps/reduced, got %s/%v", b.Config.Device(), b.Config.ReducedPrecision())
	}
	if !b.Model.placement.On("mps") {
		t.Fatalf("expected every submodule on mps, got %v", b.Model.placement)
	}
	if !model.placement.On(CPU) {
		t.Fatal("original model must not be mutated")
	}
	if b.Fallback != nil {
		t.Fatalf("unexpected fallback %v", b.Fallback)
	}
}

func TestBindFullPrecisionOnAccelerator(t *testing.T) {
	o := opts()
	o.ReducedPrecision = false
	b := Bind(context.Background(), newFakeModel("", "encoder"), Capability{Available: true, Built: true}, &fakeSmoke{}, o)
	if b.Config.Device() != "mps" || b.Config.ReducedPrecision() {
		t.Fatalf("expected mps/full precision, got %s/%v", b.Config.Device(), b.Config.ReducedPrecision())
	}
}

func TestBindCancelledContextFallsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := newFakeModel("", "encoder", "decoder")

	b := Bind(ctx, model, Capability{Available: true, Built: true}, &fakeSmoke{}, opts())
	if b.Config.Accelerated() {
		t.Fatal("cancelled binding must fall back to cpu")
	}
	if !b.Model.placement.On(CPU) {
		t.Fatalf("partial binding observed: %v", b.Model.placement)
	}
}

func TestReducedPrecisionImpliesAccelerator(t *testing.T) {
	configs := []RuntimeConfig{
		{},
		CPUConfig(),
		AcceleratorConfig(CPU, true),
		AcceleratorConfig("", true),
		AcceleratorConfig("mps", true),
		AcceleratorConfig("mps", false),
	}
	for _, c := range configs {
		if c.ReducedPrecision() && !c.Accelerated() {
			t.Fatalf("reduced precision on %s", c.Device())
		}
	}
	if AcceleratorConfig(CPU, true).ReducedPrecision() {
		t.Fatal("cpu must never run reduced precision")
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	logger := newLogger()

	if c := Probe(ctx, fakeProber{cap: Capability{Available: true, Built: true}}, logger); !c.Available || !c.Built {
		t.Fatalf("expected available accelerator, got %+v", c)
	}
	if c := Probe(ctx, fakeProber{cap: Capability{Available: true}}, logger); !c.Built {
		t.Fatal("available accelerator must be reported as built")
	}
	if c := Probe(ctx, fakeProber{cap: Capability{Built: true}}, logger); c.Available || !c.Built {
		t.Fatalf("expected built but unavailable, got %+v", c)
	}
	if c := Probe(ctx, fakeProber{cap: Capability{Available: true, Built: true}, err: errors.New("boom")}, logger); c.Available {
		t.Fatalf("probe errors must report unavailable, got %+v", c)
	}
	if c := Probe(ctx, fakeProber{panic: true}, logger); c.Available || c.Built {
		t.Fatalf("probe panics must report unavailable, got %+v", c)
	}
}

func TestCapabilityReason(t *testing.T) {
	notBuilt := Capability{}.Reason()
	notExposed := Capability{Built: true}.Reason()
	if notBuilt == notExposed {
		t.Fatal("reasons must distinguish missing build support from missing device")
	}
}
