package domain

import "sync/atomic"

// Stats counts pipeline activity. Counters are atomic so the debug API can
// read them while the serial context updates them.
type Stats struct {
	RequestsSeen     atomic.Int64
	RequestsMatched  atomic.Int64
	RequestsDropped  atomic.Int64
	TracksEnqueued   atomic.Int64
	TracksSent       atomic.Int64
	BatchesSent      atomic.Int64
	SendErrors       atomic.Int64
	SamplingFetches  atomic.Int64
	SamplingFailures atomic.Int64
	LastActivityUnix atomic.Int64
}

// StatsSnapshot is a plain copy of the counters for serialization.
type StatsSnapshot struct {
	RequestsSeen     int64 `json:"requests_seen"`
	RequestsMatched  int64 `json:"requests_matched"`
	RequestsDropped  int64 `json:"requests_dropped"`
	TracksEnqueued   int64 `json:"tracks_enqueued"`
	TracksSent       int64 `json:"tracks_sent"`
	BatchesSent      int64 `json:"batches_sent"`
	SendErrors       int64 `json:"send_errors"`
	SamplingFetches  int64 `json:"sampling_fetches"`
	SamplingFailures int64 `json:"sampling_failures"`
	LastActivityUnix int64 `json:"last_activity_unix"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RequestsSeen:     s.RequestsSeen.Load(),
		RequestsMatched:  s.RequestsMatched.Load(),
		RequestsDropped:  s.RequestsDropped.Load(),
		TracksEnqueued:   s.TracksEnqueued.Load(),
		TracksSent:       s.TracksSent.Load(),
		BatchesSent:      s.BatchesSent.Load(),
		SendErrors:       s.SendErrors.Load(),
		SamplingFetches:  s.SamplingFetches.Load(),
		SamplingFailures: s.SamplingFailures.Load(),
		LastActivityUnix: s.LastActivityUnix.Load(),
	}
}
