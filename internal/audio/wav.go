// Package audio inspects and writes PCM WAV files.
package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when the payload is not a PCM WAV file.
var ErrNotWAV = errors.New("not a wav file")

// Info summarizes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int
	Duration   time.Duration
	Silent     bool
}

// Inspect decodes r fully and reports its length and whether every sample is zero.
func Inspect(r io.ReadSeeker) (Info, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Info{}, fmt.Errorf("decode wav: %w", err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Silent:     true,
	}
	for _, s := range buf.Data {
		if s != 0 {
			info.Silent = false
			break
		}
	}
	if info.Channels > 0 {
		info.Frames = len(buf.Data) / info.Channels
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}
	return info, nil
}

// WriteWAV encodes 16-bit samples as a PCM WAV file.
func WriteWAV(w io.WriteSeeker, samples []int, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid wav format %d Hz / %d ch", sampleRate, channels)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Silence returns d worth of zero samples.
func Silence(d time.Duration, sampleRate, channels int) []int {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return make([]int, frames*channels)
}
