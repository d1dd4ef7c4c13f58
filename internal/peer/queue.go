package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue holds remote ICE candidates that arrived before the remote
// description was applied. They are drained in receipt order.
type CandidateQueue struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	queued  int
	drained int
	applied int
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, c)
	q.queued++
}

// Drain removes every pending candidate and passes it to apply. Candidates
// that fail to apply are dropped; the first error is returned after the
// rest have been tried.
func (q *CandidateQueue) Drain(apply func(webrtc.ICECandidateInit) error) error {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var firstErr error
	for _, c := range batch {
		if err := apply(c); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q.mu.Lock()
		q.drained++
		q.applied++
		q.mu.Unlock()
	}
	return firstErr
}

// MarkApplied counts a candidate applied directly. Drained is unaffected.
func (q *CandidateQueue) MarkApplied() {
	q.mu.Lock()
	q.applied++
	q.mu.Unlock()
}

// Reset drops pending candidates and zeroes the counters.
func (q *CandidateQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending, q.queued, q.drained, q.applied = nil, 0, 0, 0
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Queued counts candidates that had to wait for the remote description.
func (q *CandidateQueue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Drained counts queued candidates applied once the remote description
// arrived.
func (q *CandidateQueue) Drained() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Applied counts candidates handed to the connection successfully.
func (q *CandidateQueue) Applied() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied
}
