package queue

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity bounds how many events may wait for dispatch.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithOverflow sets the full-queue policy. The default is RejectNew.
func WithOverflow(o Overflow) Option {
	return func(q *InMemoryQueue) {
		q.overflow = o
	}
}
