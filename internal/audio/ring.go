package audio

import "sync"

// Ring is a bounded frame buffer between the capture loop and the consumer.
// When full, Push evicts the oldest frame so capture never blocks; evictions
// are counted so the pipeline can report dropped frames.
type Ring struct {
	mu      sync.Mutex
	frames  []Frame
	head    int
	count   int
	dropped uint64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{frames: make([]Frame, capacity)}
}

// Push appends a frame, evicting the oldest when the ring is full.
// It reports whether an eviction happened.
func (r *Ring) Push(f Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.count == len(r.frames) {
		r.head = (r.head + 1) % len(r.frames)
		r.count--
		r.dropped++
		evicted = true
	}
	tail := (r.head + r.count) % len(r.frames)
	r.frames[tail] = f
	r.count++
	return evicted
}

// Pop removes and returns the oldest frame, if any.
func (r *Ring) Pop() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Frame{}, false
	}
	f := r.frames[r.head]
	r.frames[r.head] = Frame{}
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	return f, true
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns the cumulative count of evicted frames.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
