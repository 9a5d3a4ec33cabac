package sandbox

import (
	"sync"
)

// boundedBuffer captures output up to a cap. The first write past the cap
// truncates, flips exceeded and invokes the kill callback, defending the
// host against programs with unbounded output.
type boundedBuffer struct {
	mu       sync.Mutex
	buf      []byte
	cap      int64
	exceeded bool
	onExceed func()
}

func newBoundedBuffer(cap int64, onExceed func()) *boundedBuffer {
	return &boundedBuffer{cap: cap, onExceed: onExceed}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return len(p), nil
	}
	room := b.cap - int64(len(b.buf))
	if int64(len(p)) <= room {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	b.buf = append(b.buf, p[:room]...)
	b.exceeded = true
	if b.onExceed != nil {
		b.onExceed()
	}
	// keep draining so the writer side never blocks
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}
