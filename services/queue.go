package services

import (
	"sync"

	"github.com/trackingplan/trackingplan-go/domain"
)

// TrackQueue is the ordered buffer of pending tracks. It is the only
// structure touched from more than one logical flow (ingestion vs. drain on
// timer), so every operation holds the lock; Drain snapshots and clears in a
// single critical section so a track is never lost to or duplicated across
// concurrent drains.
type TrackQueue struct {
	mu     sync.Mutex
	tracks []domain.Track
}

func NewTrackQueue() *TrackQueue {
	return &TrackQueue{}
}

func (q *TrackQueue) Enqueue(track domain.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, track)
}

// EnqueueAll appends restored tracks preserving their order.
func (q *TrackQueue) EnqueueAll(tracks []domain.Track) {
	if len(tracks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, tracks...)
}

func (q *TrackQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// Drain atomically removes and returns all pending tracks.
func (q *TrackQueue) Drain() []domain.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.tracks
	q.tracks = nil
	return drained
}

// Clear discards all pending tracks.
func (q *TrackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = nil
}
