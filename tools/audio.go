package tools

import (
	"encoding/binary"
	"io"
	"sync"
)

// AudioBuffer is a bounded byte queue between a producer writing PCM and an
// oto player reading it. When full, the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		size:   0,
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

// Write queues data and reports how many old bytes were dropped to make room.
// Data larger than the buffer keeps only its newest bytes.
func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped += drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is queued or the buffer is closed. A closed buffer
// is drained before Read returns io.EOF.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if ab.size == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.size
}

// Reset discards queued audio, e.g. when the agent is interrupted.
func (ab *AudioBuffer) Reset() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.buffer = ab.buffer[:0]
	ab.size = 0
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// PCM16Bytes encodes samples as little-endian PCM16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
