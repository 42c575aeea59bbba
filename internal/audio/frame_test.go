package audio

import (
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	f := Tone(0, 1000, 16000, 20, time.Now())
	if len(f.PCM) != 320 {
		t.Fatalf("expected 320 samples, got %d", len(f.PCM))
	}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %v", got)
	}
}

func TestPCMFloat32Scaling(t *testing.T) {
	out := PCMFloat32([]int16{0, 16384, -16384})
	if out[0] != 0 {
		t.Fatalf("zero sample must stay zero, got %f", out[0])
	}
	if out[1] != 0.5 || out[2] != -0.5 {
		t.Fatalf("half-scale samples wrong: %f %f", out[1], out[2])
	}
}

func TestPCMBytesLittleEndian(t *testing.T) {
	out := PCMBytes([]int16{0x0102})
	if len(out) != 2 || out[0] != 0x02 || out[1] != 0x01 {
		t.Fatalf("unexpected encoding % x", out)
	}
}
