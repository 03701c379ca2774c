// Package icebuffer queues remote ICE candidates that arrive before the
// remote description is set.
package icebuffer

import (
	"errors"

	"gardencam/live/internal/domain"
)

// Buffer is a FIFO of unapplied candidates. It is not safe for concurrent
// use; the owning session serializes access on its event loop.
type Buffer struct {
	queue []domain.ICECandidatePayload
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Enqueue appends a candidate.
func (b *Buffer) Enqueue(c domain.ICECandidatePayload) {
	b.queue = append(b.queue, c)
}

// Len returns the number of queued candidates.
func (b *Buffer) Len() int {
	return len(b.queue)
}

// Drain applies every queued candidate in arrival order and empties the
// buffer. A candidate is removed before it is applied, so a failing apply
// is never retried and a reentrant Enqueue lands after the current batch.
// Apply errors are joined and returned once the queue is empty.
func (b *Buffer) Drain(apply func(domain.ICECandidatePayload) error) error {
	var errs []error
	for len(b.queue) > 0 {
		c := b.queue[0]
		b.queue[0] = domain.ICECandidatePayload{}
		b.queue = b.queue[1:]
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	b.queue = nil
	return errors.Join(errs...)
}

// Clear drops all queued candidates without applying them.
func (b *Buffer) Clear() {
	b.queue = nil
}
