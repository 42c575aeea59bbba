package audio

import "testing"

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.Push(Frame{Seq: seq})
	}
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 evictions, got %d", r.Dropped())
	}
	var got []uint64
	for {
		f, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, f.Seq)
	}
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingPopEmpty(t *testing.T) {
	r := NewRing(2)
	if _, ok := r.Pop(); ok {
		t.Fatal("expected empty ring")
	}
	r.Push(Frame{Seq: 1})
	if f, ok := r.Pop(); !ok || f.Seq != 1 {
		t.Fatalf("expected frame 1, got %v ok=%v", f.Seq, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty ring, len=%d", r.Len())
	}
}
