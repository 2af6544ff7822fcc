package device

import "sync"

// framer slices the variable-size buffers of a capture callback into
// fixed-size frames and queues them without blocking the audio thread.
type framer struct {
	size int

	mu      sync.Mutex
	pending []byte
	out     chan []byte
}

func newFramer(size, queue int) *framer {
	return &framer{
		size:    size,
		pending: make([]byte, 0, size*2),
		out:     make(chan []byte, queue),
	}
}

// push appends samples and queues every complete frame. It returns the
// number of frames dropped because the queue was full.
func (f *framer) push(samples []byte) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, samples...)
	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		select {
		case f.out <- frame:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *framer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
	for {
		select {
		case <-f.out:
		default:
			return
		}
	}
}
