// Package msgqueue implements the per-recipient bounded message queue the
// router holds envelopes in while a next hop is unavailable or busy: a FIFO
// per participant, capped both per-participant and in total, dropping the
// oldest entry and notifying a callback on overflow.
package msgqueue

import (
	"sync"

	"github.com/carmesh/cc/envelope"
)

const (
	defaultPerParticipantLimit = 100
	defaultTotalLimit          = 10_000
)

// DropNotifier is invoked with the envelope that was dropped to make room
// for a newer one, or with the newly offered envelope when Enqueue rejects
// it, so the router can log or surface a NotSent error.
type DropNotifier func(dropped *envelope.Envelope)

// Queue is safe for concurrent use.
type Queue struct {
	mu                  sync.Mutex
	perParticipant      map[string][]*envelope.Envelope
	perParticipantLimit int
	totalLimit          int
	total               int
	onDrop              DropNotifier
}

// Option configures a Queue.
type Option func(*Queue)

func WithPerParticipantLimit(n int) Option {
	return func(q *Queue) { q.perParticipantLimit = n }
}

func WithTotalLimit(n int) Option {
	return func(q *Queue) { q.totalLimit = n }
}

func WithDropNotifier(fn DropNotifier) Option {
	return func(q *Queue) { q.onDrop = fn }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		perParticipant:      make(map[string][]*envelope.Envelope),
		perParticipantLimit: defaultPerParticipantLimit,
		totalLimit:          defaultTotalLimit,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends env to participantID's queue, dropping the oldest entry
// for that participant (or, if that participant's queue is empty, simply
// rejecting the enqueue as impossible to make room for, and passing env to
// the drop notifier) when either the per-participant or total limit would
// be exceeded.
func (q *Queue) Enqueue(participantID string, env *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.perParticipant[participantID]
	if len(bucket) >= q.perParticipantLimit {
		dropped := bucket[0]
		bucket = bucket[1:]
		q.total--
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}
	if q.total >= q.totalLimit {
		if len(bucket) == 0 {
			if q.onDrop != nil {
				q.onDrop(env)
			}
			return
		}
		dropped := bucket[0]
		bucket = bucket[1:]
		q.total--
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}

	bucket = append(bucket, env)
	q.perParticipant[participantID] = bucket
	q.total++
}

// Dequeue pops the oldest envelope queued for participantID, if any.
func (q *Queue) Dequeue(participantID string) (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.perParticipant[participantID]
	if len(bucket) == 0 {
		return nil, false
	}
	env := bucket[0]
	bucket = bucket[1:]
	if len(bucket) == 0 {
		delete(q.perParticipant, participantID)
	} else {
		q.perParticipant[participantID] = bucket
	}
	q.total--
	return env, true
}

// Remove deletes the single envelope with the given id from participantID's
// queue, if present, used by TTL watchdogs to evict an envelope that has
// expired while still waiting for a resolvable next hop. Reports whether an
// envelope was removed.
func (q *Queue) Remove(participantID, envelopeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.perParticipant[participantID]
	for i, env := range bucket {
		if env.ID() != envelopeID {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		q.total--
		if len(bucket) == 0 {
			delete(q.perParticipant, participantID)
		} else {
			q.perParticipant[participantID] = bucket
		}
		return true
	}
	return false
}

// DrainAll pops every envelope currently queued for participantID, oldest
// first, used when a next hop becomes reachable again.
func (q *Queue) DrainAll(participantID string) []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.perParticipant[participantID]
	delete(q.perParticipant, participantID)
	q.total -= len(bucket)
	return bucket
}

// Len reports the number of envelopes queued for participantID.
func (q *Queue) Len(participantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perParticipant[participantID])
}

// Total reports the number of envelopes queued across all participants.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
