package timing

// ring is a fixed-capacity FIFO of samples; pushing onto a full ring
// overwrites the oldest entry.
type ring struct {
	buf   []Sample
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.count }

// items returns a copy of the contents, oldest first.
func (r *ring) items() []Sample {
	out := make([]Sample, r.count)
	for i := range r.count {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
