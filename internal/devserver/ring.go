package devserver

import "sync"

// Ring keeps the most recent lines of process output. Once full, the oldest
// line is overwritten.
type Ring struct {
	mu      sync.Mutex
	buf     []string
	start   int
	n       int
	dropped int64
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]string, capacity)}
}

func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
	r.dropped++
}

// Lines returns up to limit of the newest lines, oldest first. A limit of
// zero or less returns everything held.
func (r *Ring) Lines(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.n
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]string, 0, count)
	for i := r.n - count; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
