// Package device decides where inference runs.
//
// Probe reports whether an accelerator is usable, Bind smoke-tests it and
// moves model submodules onto it, falling back to the CPU on the first failure.
// The resulting RuntimeConfig is computed once at startup and only read after
// that.
package device

import "sort"

// Device names a compute device as understood by the inference engine.
type Device string

// CPU is the default device every model can run on.
const CPU Device = "cpu"

// Capability describes accelerator support on this host.
type Capability struct {
	// Available is true when the accelerator can be used right now.
	Available bool `json:"is_available"`
	// Built is true when the engine runtime was compiled with accelerator support.
	Built bool `json:"is_built"`
}

// Reason explains the capability in one sentence for operators.
func (c Capability) Reason() string {
	switch {
	case c.Available:
		return "accelerator is available"
	case !c.Built:
		return "accelerator unavailable: the engine runtime was not built with accelerator support"
	default:
		return "accelerator unavailable: support is built in but the host does not expose a usable device"
	}
}

// RuntimeConfig is the device and precision every request runs with.
// The zero value is CPU at full precision.
type RuntimeConfig struct {
	device           Device
	reducedPrecision bool
}

// CPUConfig returns the fallback configuration.
func CPUConfig() RuntimeConfig {
	return RuntimeConfig{device: CPU}
}

// AcceleratorConfig returns a configuration bound to dev. Reduced precision is
// dropped when dev is the CPU.
func AcceleratorConfig(dev Device, reducedPrecision bool) RuntimeConfig {
	if dev == "" || dev == CPU {
		return CPUConfig()
	}
	return RuntimeConfig{device: dev, reducedPrecision: reducedPrecision}
}

func (r RuntimeConfig) Device() Device {
	if r.device == "" {
		return CPU
	}
	return r.device
}

func (r RuntimeConfig) ReducedPrecision() bool { return r.reducedPrecision }

func (r RuntimeConfig) Accelerated() bool { return r.Device() != CPU }

// Placement maps model submodules to the device they live on.
type Placement map[string]Device

// Uniform returns a placement with every submodule on dev.
func Uniform(submodules []string, dev Device) Placement {
	p := make(Placement, len(submodules))
	for _, name := range submodules {
		p[name] = dev
	}
	return p
}

// On reports whether every submodule lives on dev.
func (p Placement) On(dev Device) bool {
	for _, d := range p {
		if d != dev {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (p Placement) Clone() Placement {
	out := make(Placement, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns the submodule names in lexical order.
func (p Placement) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
