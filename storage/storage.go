// Package storage is the persistence gateway for the SDK. It wraps an
// abstract key-value store with the fixed set of keys the pipeline needs and
// wipes the whole namespace when the tenant or environment changes, so data
// never bleeds across reconfigurations.
package storage

import (
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"

	"github.com/trackingplan/trackingplan-go/domain"
	"github.com/trackingplan/trackingplan-go/internal/clock"
)

// KeyValueStore is the persistence primitive the host supplies. Single-key
// atomicity is all the pipeline relies on.
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Clear() error
}

const (
	keyTpID                  = "tp_id"
	keyEnvironment           = "environment"
	keySessionID             = "session_id"
	keySessionSamplingRate   = "session_sampling_rate"
	keySessionTracking       = "session_tracking_enabled"
	keySessionCreatedAt      = "session_created_at"
	keySessionLastActivity   = "session_last_activity"
	keySampleRate            = "sample_rate"
	keySampleRateDownloaded  = "sample_rate_downloaded_at"
	keySampleRateTracking    = "sample_rate_tracking_enabled"
	keySampleRateLastAttempt = "sample_rate_last_attempt"
	keyFirstExecution        = "first_execution_at"
	keyLastDauSent           = "last_dau_sent_at"
	keyQueueArchive          = "queue_archive"
	keyQueueArchivedAt       = "queue_archived_at"
)

// archiveLifetimeMillis bounds how long an archived queue stays replayable.
const archiveLifetimeMillis int64 = 20 * 60 * 1000

const dayMillis int64 = 86400 * 1000

type Storage struct {
	store KeyValueStore
	clk   clock.Clock
}

// New opens the gateway for a tenant/environment pair. A mismatch with the
// persisted pair wipes everything before the new pair is recorded.
func New(store KeyValueStore, tpID, environment string, clk clock.Clock) *Storage {
	s := &Storage{store: store, clk: clk}

	storedTpID, _ := store.Get(keyTpID)
	storedEnv, _ := store.Get(keyEnvironment)
	if storedTpID != tpID || storedEnv != environment {
		if storedTpID != "" {
			log.Debugf("Storage namespace owned by %s/%s, wiping for %s/%s", storedTpID, storedEnv, tpID, environment)
		}
		if err := store.Clear(); err != nil {
			log.Warnf("Failed to wipe storage namespace: %v", err)
		}
		s.set(keyTpID, tpID)
		s.set(keyEnvironment, environment)
	}

	return s
}

// LoadSession returns the persisted session or nil when none is stored or the
// stored fields are incomplete.
func (s *Storage) LoadSession() *domain.Session {
	sessionID, ok := s.store.Get(keySessionID)
	if !ok || sessionID == "" {
		return nil
	}
	samplingRate := s.getInt64(keySessionSamplingRate, 0)
	if samplingRate == 0 {
		return nil
	}
	createdAt, ok := s.getInt64Strict(keySessionCreatedAt)
	if !ok {
		return nil
	}
	lastActivity, ok := s.getInt64Strict(keySessionLastActivity)
	if !ok {
		return nil
	}
	trackingEnabled := s.getBool(keySessionTracking)

	return domain.RestoredSession(sessionID, int(samplingRate), trackingEnabled, createdAt, lastActivity, s.clk)
}

func (s *Storage) SaveSession(session *domain.Session) {
	s.set(keySessionID, session.SessionID)
	s.setInt64(keySessionSamplingRate, int64(session.SamplingRate))
	s.setBool(keySessionTracking, session.TrackingEnabled)
	s.setInt64(keySessionCreatedAt, session.CreatedAt)
	s.setInt64(keySessionLastActivity, session.LastActivityTime)
}

// LoadSamplingRate returns the cached rate, expired or not. Callers decide
// what an expired rate is worth.
func (s *Storage) LoadSamplingRate() (domain.SamplingRate, bool) {
	value := s.getInt64(keySampleRate, 0)
	if value == 0 {
		return domain.SamplingRate{}, false
	}
	downloadedAt, ok := s.getInt64Strict(keySampleRateDownloaded)
	if !ok {
		return domain.SamplingRate{}, false
	}
	trackingEnabled := s.getBool(keySampleRateTracking)
	return domain.RestoredSamplingRate(int(value), downloadedAt, trackingEnabled), true
}

func (s *Storage) SaveSamplingRate(rate domain.SamplingRate) {
	s.setInt64(keySampleRate, int64(rate.Value))
	s.setInt64(keySampleRateDownloaded, rate.DownloadedAt)
	s.setBool(keySampleRateTracking, rate.TrackingEnabled)
	// A fresh rate clears the failure throttle.
	if err := s.store.Delete(keySampleRateLastAttempt); err != nil {
		log.Warnf("Failed to clear sampling attempt timestamp: %v", err)
	}
}

// SamplingLastAttempt returns when the last failed download was attempted,
// zero if never.
func (s *Storage) SamplingLastAttempt() int64 {
	return s.getInt64(keySampleRateLastAttempt, 0)
}

func (s *Storage) SaveSamplingLastAttempt() {
	s.setInt64(keySampleRateLastAttempt, s.clk.NowMillis())
}

func (s *Storage) IsFirstTimeExecution() bool {
	_, ok := s.store.Get(keyFirstExecution)
	return !ok
}

func (s *Storage) SaveFirstTimeExecution() {
	s.setInt64(keyFirstExecution, s.clk.NowMillis())
}

func (s *Storage) WasLastDauSent24hAgo() bool {
	lastSent, ok := s.getInt64Strict(keyLastDauSent)
	if !ok {
		return true
	}
	return lastSent+dayMillis < s.clk.NowMillis()
}

func (s *Storage) SaveLastDauEventSentTime() {
	s.setInt64(keyLastDauSent, s.clk.NowMillis())
}

// ArchiveQueue persists pending tracks across a process restart.
func (s *Storage) ArchiveQueue(tracks []domain.Track) {
	if len(tracks) == 0 {
		return
	}
	data, err := sonic.Marshal(tracks)
	if err != nil {
		log.Warnf("Failed to archive queue: %v", err)
		return
	}
	s.set(keyQueueArchive, string(data))
	s.setInt64(keyQueueArchivedAt, s.clk.NowMillis())
	log.Debugf("Archived %d pending tracks", len(tracks))
}

// UnarchiveQueue restores tracks archived less than 20 minutes ago and clears
// the archive either way, so a batch is never replayed twice.
func (s *Storage) UnarchiveQueue() []domain.Track {
	raw, ok := s.store.Get(keyQueueArchive)
	if !ok {
		return nil
	}
	archivedAt := s.getInt64(keyQueueArchivedAt, 0)
	if err := s.store.Delete(keyQueueArchive); err != nil {
		log.Warnf("Failed to clear queue archive: %v", err)
	}
	if err := s.store.Delete(keyQueueArchivedAt); err != nil {
		log.Warnf("Failed to clear queue archive timestamp: %v", err)
	}

	if archivedAt == 0 || s.clk.NowMillis() >= archivedAt+archiveLifetimeMillis {
		log.Debug("Discarding stale queue archive")
		return nil
	}

	var tracks []domain.Track
	if err := sonic.Unmarshal([]byte(raw), &tracks); err != nil {
		log.Warnf("Failed to unarchive queue: %v", err)
		return nil
	}
	log.Debugf("Restored %d archived tracks", len(tracks))
	return tracks
}

func (s *Storage) set(key, value string) {
	if err := s.store.Set(key, value); err != nil {
		log.Warnf("Failed to persist %s: %v", key, err)
	}
}

func (s *Storage) setInt64(key string, value int64) {
	s.set(key, strconv.FormatInt(value, 10))
}

func (s *Storage) setBool(key string, value bool) {
	s.set(key, strconv.FormatBool(value))
}

func (s *Storage) getInt64(key string, fallback int64) int64 {
	v, ok := s.getInt64Strict(key)
	if !ok {
		return fallback
	}
	return v
}

func (s *Storage) getInt64Strict(key string) (int64, bool) {
	raw, ok := s.store.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Storage) getBool(key string) bool {
	raw, ok := s.store.Get(key)
	if !ok {
		return false
	}
	v, _ := strconv.ParseBool(raw)
	return v
}
