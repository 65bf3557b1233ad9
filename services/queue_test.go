package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trackingplan/trackingplan-go/domain"
)

func TestTrackQueueDrainIsAtomic(t *testing.T) {
	q := NewTrackQueue()
	q.Enqueue(domain.Track{TS: 1})
	q.Enqueue(domain.Track{TS: 2})
	q.Enqueue(domain.Track{TS: 3})

	drained := q.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, int64(1), drained[0].TS)
	assert.Equal(t, int64(3), drained[2].TS)
	assert.Zero(t, q.Size())
	assert.Empty(t, q.Drain())
}

func TestTrackQueueEnqueueAllKeepsOrder(t *testing.T) {
	q := NewTrackQueue()
	q.EnqueueAll([]domain.Track{{TS: 1}, {TS: 2}})
	q.Enqueue(domain.Track{TS: 3})

	drained := q.Drain()
	assert.Equal(t, []int64{1, 2, 3}, []int64{drained[0].TS, drained[1].TS, drained[2].TS})
}

// Concurrent producers racing a draining consumer must neither lose nor
// duplicate a track.
func TestTrackQueueConcurrentEnqueueAndDrain(t *testing.T) {
	const producers = 8
	const perProducer = 200

	q := NewTrackQueue()
	var wg sync.WaitGroup

	var mu sync.Mutex
	var collected []domain.Track

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			batch := q.Drain()
			mu.Lock()
			collected = append(collected, batch...)
			total := len(collected)
			mu.Unlock()
			if total == producers*perProducer {
				return
			}
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(domain.Track{TS: int64(p*perProducer + i)})
			}
		}(p)
	}

	wg.Wait()
	<-done

	seen := make(map[int64]bool, producers*perProducer)
	for _, track := range collected {
		assert.False(t, seen[track.TS], "track delivered twice")
		seen[track.TS] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestTrackQueueClear(t *testing.T) {
	q := NewTrackQueue()
	q.Enqueue(domain.Track{TS: 1})
	q.Clear()
	assert.Zero(t, q.Size())
}
