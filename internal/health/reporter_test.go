package health

import (
	"encoding/json"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/device"
)

func TestStatusReflectsRuntimeConfig(t *testing.T) {
	r := NewReporter(device.AcceleratorConfig("mps", true), device.Capability{Available: true, Built: true}, func() string { return "2.3.1" })
	st := r.Status()
	if st.Status != "ok" || st.Device != "mps" || !st.FP16 || st.EngineVersion != "2.3.1" {
		t.Fatalf("unexpected status %+v", st)
	}
	if r.RuntimeConfig() != device.AcceleratorConfig("mps", true) {
		t.Fatal("reporter must expose the config it was built with")
	}
}

func TestStatusJSONShape(t *testing.T) {
	r := NewReporter(device.CPUConfig(), device.Capability{Built: true}, nil)
	data, err := json.Marshal(r.Status())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"status":"ok","device":"cpu","mps_support":{"is_available":false,"is_built":true},"fp16":false,"torch_version":"unknown"}`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}
}
