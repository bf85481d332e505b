package protocol

import "time"

// Transcript represents a finished HTTP transcription broadcast on the bus.
type Transcript struct {
	SessionID        string    `json:"session_id"`
	Text             string    `json:"text"`
	Language         string    `json:"language"`
	Segments         int       `json:"segments"`
	Device           string    `json:"device"`
	ReducedPrecision bool      `json:"fp16"`
	AudioSeconds     float64   `json:"audio_seconds,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// NodeAnnouncement is published once the inference device has been bound.
type NodeAnnouncement struct {
	NodeID           string    `json:"node_id"`
	Runtime          string    `json:"runtime"`
	Engine           string    `json:"engine"`
	EngineVersion    string    `json:"engine_version"`
	Model            string    `json:"model"`
	Device           string    `json:"device"`
	ReducedPrecision bool      `json:"fp16"`
	Accelerator      Support   `json:"accelerator"`
	Fallback         string    `json:"fallback,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Support mirrors the accelerator capability flags.
type Support struct {
	Available bool `json:"is_available"`
	Built     bool `json:"is_built"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	SubjectNodeAnnounce    = "ctrl.node.announce"
)
