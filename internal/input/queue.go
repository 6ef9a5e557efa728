package input

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// SampleQueue holds position samples between ticks in a fixed-size ring. It is
// safe for concurrent producers and a single consumer.
type SampleQueue struct {
	mu      sync.Mutex
	data    []mgl64.Vec3
	head    int
	tail    int
	count   int
	dropped uint64
}

// NewSampleQueue constructs a queue with the provided capacity.
func NewSampleQueue(capacity int) *SampleQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleQueue{data: make([]mgl64.Vec3, capacity)}
}

// Push stages a sample, returning false if the queue is full.
func (q *SampleQueue) Push(s mgl64.Vec3) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.dropped++
		return false
	}
	q.data[q.tail] = s
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// Drain returns all staged samples in FIFO order and clears the queue.
func (q *SampleQueue) Drain() []mgl64.Vec3 {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	samples := make([]mgl64.Vec3, q.count)
	for i := 0; i < q.count; i++ {
		samples[i] = q.data[(q.head+i)%len(q.data)]
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	return samples
}

// Len reports the number of staged samples.
func (q *SampleQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped reports how many samples were rejected because the queue was full.
func (q *SampleQueue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
