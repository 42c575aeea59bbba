package audio

import (
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("audio: no input device available")
	// ErrDeviceLost is returned when the input device disconnects mid-stream.
	ErrDeviceLost = errors.New("audio: input device lost")
)

// Frame is one fixed-duration block of captured PCM audio. Frames are
// immutable after creation; the PCM slice must not be modified downstream.
type Frame struct {
	PCM        []int16
	SampleRate int
	Channels   int
	Seq        uint64
	Timestamp  time.Time
}

// Duration returns the play time covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.PCM) / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameSource yields timestamped PCM frames from a capture device. Frames()
// is closed when the source stops or the device is lost; Err() reports the
// terminal error after the channel closes, nil on a clean stop.
type FrameSource interface {
	Start() error
	Frames() <-chan Frame
	Stop()
	Err() error
}

// PCMBytes converts samples to little-endian 16-bit PCM bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCMFloat32 converts samples to float32 in [-1, 1] for inference input.
func PCMFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
