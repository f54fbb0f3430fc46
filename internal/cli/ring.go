package cli

import "sync"

// ring is an io.Writer that keeps only the most recent max bytes. Used for
// stderr so a chatty agent cannot grow memory without bound.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	max  int
	full bool
	pos  int
}

func newRing(max int) *ring {
	return &ring{buf: make([]byte, max), max: max}
}

func (r *ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.max {
		copy(r.buf, p[n-r.max:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	written := copy(r.buf[r.pos:], p)
	if written < n {
		copy(r.buf, p[written:])
		r.full = true
	}
	r.pos = (r.pos + n) % r.max
	if r.pos < written {
		r.full = true
	}
	return n, nil
}

// String returns the buffered tail in write order.
func (r *ring) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, r.max)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
