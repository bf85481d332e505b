// Package health exposes a read-only view of the bound inference device.
package health

import "github.com/loqalabs/loqa-stt/internal/device"

// Status is the payload served on /v1/health.
type Status struct {
	Status        string            `json:"status"`
	Device        device.Device     `json:"device"`
	Accelerator   device.Capability `json:"mps_support"`
	FP16          bool              `json:"fp16"`
	EngineVersion string            `json:"torch_version"`
}

// Reporter holds the values fixed at startup. It never mutates them.
type Reporter struct {
	config     device.RuntimeConfig
	capability device.Capability
	version    func() string
}

// NewReporter captures rc and capability. version is called on every Status
// so a backend that learns its version late is still reported correctly.
func NewReporter(rc device.RuntimeConfig, capability device.Capability, version func() string) *Reporter {
	if version == nil {
		version = func() string { return "unknown" }
	}
	return &Reporter{config: rc, capability: capability, version: version}
}

func (r *Reporter) Status() Status {
	return Status{
		Status:        "ok",
		Device:        r.config.Device(),
		Accelerator:   r.capability,
		FP16:          r.config.ReducedPrecision(),
		EngineVersion: r.version(),
	}
}

// RuntimeConfig is the configuration every transcription runs with.
func (r *Reporter) RuntimeConfig() device.RuntimeConfig { return r.config }
