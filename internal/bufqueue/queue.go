// Package bufqueue implements a bounded, chunked FIFO queue between a single
// producer and a single consumer.
//
// The producer fills an input chunk; full chunks are moved into a bounded list
// of chunks, blocking the producer when that list is at capacity. The consumer
// takes elements one at a time and blocks while nothing has been published.
// Every buffered element, including the one the consumer is working on, can be
// inspected with Range or Contains.
package bufqueue

import "sync"

const (
	// DefaultChunkSize is the number of elements per chunk.
	DefaultChunkSize = 127
	// DefaultQueueSize is the maximum number of published chunks.
	DefaultQueueSize = 10_000
)

// Queue is a bounded FIFO of chunks of T.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	chunkSize int
	queueSize int

	input   []T
	chunks  [][]T
	output  []T
	outPos  int
	pending []T
	closed  bool
	count   int
}

// New creates a queue holding at most queueSize chunks of chunkSize elements.
// Non-positive sizes fall back to the defaults.
func New[T any](queueSize, chunkSize int) *Queue[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	q := &Queue[T]{
		chunkSize: chunkSize,
		queueSize: queueSize,
		input:     make([]T, 0, chunkSize),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends v to the input chunk, publishing the chunk once it is full.
// It blocks while the queue is at capacity. Pushing to a closed queue panics.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("bufqueue: push on closed queue")
	}
	q.input = append(q.input, v)
	q.count++
	if len(q.input) >= q.chunkSize {
		q.publishLocked()
	}
}

// FlushInputBuffer publishes the partially filled input chunk, if any.
func (q *Queue[T]) FlushInputBuffer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishLocked()
}

func (q *Queue[T]) publishLocked() {
	if len(q.input) == 0 {
		return
	}
	for len(q.chunks) >= q.queueSize && !q.closed {
		q.notFull.Wait()
	}
	q.chunks = append(q.chunks, q.input)
	q.input = make([]T, 0, q.chunkSize)
	q.notEmpty.Signal()
}

// Close flushes the input chunk and marks the queue closed. Take keeps
// returning buffered elements until the queue is drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.input) > 0 {
		q.chunks = append(q.chunks, q.input)
		q.input = nil
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Take removes and returns the oldest published element. It blocks until an
// element is available and returns false only once the queue is closed and
// drained. The returned element stays visible to Range until Release.
func (q *Queue[T]) Take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outPos >= len(q.output) {
		if len(q.chunks) > 0 {
			q.output = q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.outPos = 0
			q.notFull.Signal()
			continue
		}
		if q.closed {
			var zero T
			return zero, false
		}
		q.notEmpty.Wait()
	}
	v := q.output[q.outPos]
	var zero T
	q.output[q.outPos] = zero
	q.outPos++
	q.count--
	q.pending = append(q.pending, v)
	return v, true
}

// Release drops the elements returned by Take from the inspection set.
func (q *Queue[T]) Release() {
	q.mu.Lock()
	q.pending = q.pending[:0]
	q.mu.Unlock()
}

// Len returns the number of elements not yet taken.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Range calls fn for every buffered element, oldest first, including elements
// taken but not yet released. It stops when fn returns false.
func (q *Queue[T]) Range(fn func(T) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range q.pending {
		if !fn(v) {
			return
		}
	}
	for _, v := range q.output[q.outPos:] {
		if !fn(v) {
			return
		}
	}
	for _, chunk := range q.chunks {
		for _, v := range chunk {
			if !fn(v) {
				return
			}
		}
	}
	for _, v := range q.input {
		if !fn(v) {
			return
		}
	}
}

// Contains reports whether any buffered element satisfies match.
func (q *Queue[T]) Contains(match func(T) bool) bool {
	found := false
	q.Range(func(v T) bool {
		if match(v) {
			found = true
			return false
		}
		return true
	})
	return found
}
