package audio

import "sync"

// DefaultChunkSize is the outbound chunk size expected by the speech service
const DefaultChunkSize = 4096

// EmitFunc receives one detached outbound chunk. It is called with the
// accumulator lock held, so it must hand the chunk off rather than send it.
type EmitFunc func(chunk []byte)

// Accumulator collects converted PCM in capture order and emits it in
// fixed-size chunks. Append is safe for concurrent producers.
//
// Critical section: the lock covers appending to the queue, detaching every
// complete chunk from its front and handing each one to emit. Two producers
// can therefore never extract overlapping or reordered ranges, and chunks
// reach emit in exactly the order their bytes were appended.
type Accumulator struct {
	mu        sync.Mutex
	queue     []byte
	chunkSize int
	emit      EmitFunc
	discarded bool
	emitted   int
}

// NewAccumulator creates an empty accumulator. chunkSize <= 0 selects DefaultChunkSize.
func NewAccumulator(chunkSize int, emit EmitFunc) *Accumulator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Accumulator{
		queue:     make([]byte, 0, chunkSize*2),
		chunkSize: chunkSize,
		emit:      emit,
	}
}

// Append adds p to the end of the queue and flushes every complete chunk.
// It returns the number of chunks emitted by this call. After Discard it is a no-op.
func (a *Accumulator) Append(p []byte) int {
	if len(p) == 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.discarded {
		return 0
	}

	a.queue = append(a.queue, p...)

	off := 0
	n := 0
	for len(a.queue)-off >= a.chunkSize {
		chunk := make([]byte, a.chunkSize)
		copy(chunk, a.queue[off:off+a.chunkSize])
		off += a.chunkSize
		n++
		if a.emit != nil {
			a.emit(chunk)
		}
	}

	if off > 0 {
		// Move the remainder to the front; it is always shorter than one chunk.
		rest := copy(a.queue, a.queue[off:])
		a.queue = a.queue[:rest]
	}
	a.emitted += n
	return n
}

// Pending returns the number of buffered bytes not yet emitted
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Emitted returns the number of chunks emitted so far
func (a *Accumulator) Emitted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

// ChunkSize returns the configured chunk size
func (a *Accumulator) ChunkSize() int {
	return a.chunkSize
}

// Discard drops the unflushed remainder and disables further appends.
// It returns the number of bytes dropped.
func (a *Accumulator) Discard() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := len(a.queue)
	a.queue = nil
	a.discarded = true
	return dropped
}
