package services

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"

	"github.com/trackingplan/trackingplan-go/domain"
)

// samplingConfigDoc is the per-tenant config document served by the config
// endpoint. The rate for the current environment wins over the default.
type samplingConfigDoc struct {
	SampleRate       int            `json:"sample_rate"`
	EnvironmentRates map[string]int `json:"environment_rates"`
}

// SamplingResolver acquires and caches the sampling rate. Downloads happen
// off the serial context; their completions hop back onto it before touching
// persisted state.
type SamplingResolver struct {
	services   *Services
	httpClient *http.Client
	dispatch   func(func())

	// Single in-flight download token.
	mu       sync.Mutex
	inFlight bool
}

func NewSamplingResolver(services *Services, dispatch func(func())) *SamplingResolver {
	return &SamplingResolver{
		services:   services,
		httpClient: &http.Client{Timeout: services.Config.GetSamplingTimeout()},
		dispatch:   dispatch,
	}
}

// GetSamplingRate returns the persisted rate if present and unexpired.
// Otherwise it triggers a throttled asynchronous download and reports no rate,
// leaving the caller to fail closed.
func (r *SamplingResolver) GetSamplingRate() (domain.SamplingRate, bool) {
	cfg := r.services.Config

	if cfg.IgnoreSampling {
		return r.forcedRate(), true
	}

	if rate, ok := r.services.Storage.LoadSamplingRate(); ok && !rate.HasExpired(r.services.Clock) {
		return rate, true
	}

	r.DownloadAsync()
	return domain.SamplingRate{}, false
}

// ResolveSync is the session-start variant: up to the configured number of
// download attempts with a pause in between, blocking the calling worker.
// Never call it from the event-producing path.
func (r *SamplingResolver) ResolveSync() (domain.SamplingRate, bool) {
	cfg := r.services.Config

	if rate, ok := r.services.Storage.LoadSamplingRate(); ok && !rate.HasExpired(r.services.Clock) {
		log.Debug("Previous sampling rate found and still valid")
		return rate, true
	}

	if cfg.IgnoreSampling {
		rate := r.forcedRate()
		log.Debugf("Sampling disabled by configuration, rate forced to %d", rate.Value)
		return rate, true
	}

	log.Debug("Sampling rate expired or missing. Downloading...")

	for attempt := 0; attempt < cfg.Sampling.SyncAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.GetSyncRetryWait())
		}
		value, err := r.downloadValue(context.Background())
		if err != nil {
			log.Debugf("Sampling rate download failed: %v", err)
			continue
		}
		rate := domain.NewSamplingRate(value, r.services.Clock)
		r.services.Storage.SaveSamplingRate(rate)
		r.services.Stats.SamplingFetches.Add(1)
		log.Debugf("Sampling rate downloaded and saved: value=%d trackingEnabled=%t", rate.Value, rate.TrackingEnabled)
		return rate, true
	}

	r.services.Stats.SamplingFailures.Add(1)
	r.services.Storage.SaveSamplingLastAttempt()
	return domain.SamplingRate{}, false
}

// DownloadAsync starts a background download unless the cached rate is still
// valid, one is already in flight, or the last failed attempt is too recent.
func (r *SamplingResolver) DownloadAsync() {
	cfg := r.services.Config

	if rate, ok := r.services.Storage.LoadSamplingRate(); ok && !rate.HasExpired(r.services.Clock) {
		return
	}

	lastAttempt := r.services.Storage.SamplingLastAttempt()
	if lastAttempt != 0 && r.services.Clock.NowMillis()-lastAttempt < cfg.GetSamplingRetryInterval().Milliseconds() {
		return
	}

	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.mu.Unlock()

	go func() {
		value, err := r.downloadValue(context.Background())

		r.dispatch(func() {
			r.mu.Lock()
			r.inFlight = false
			r.mu.Unlock()

			if err != nil {
				log.Debugf("Sampling rate download failed: %v", err)
				r.services.Stats.SamplingFailures.Add(1)
				r.services.Storage.SaveSamplingLastAttempt()
				return
			}

			rate := domain.NewSamplingRate(value, r.services.Clock)
			r.services.Storage.SaveSamplingRate(rate)
			r.services.Stats.SamplingFetches.Add(1)
			log.Debugf("Sampling rate downloaded and saved: value=%d trackingEnabled=%t", rate.Value, rate.TrackingEnabled)
		})
	}()
}

func (r *SamplingResolver) forcedRate() domain.SamplingRate {
	rate := domain.SamplingRate{
		Value:           1,
		DownloadedAt:    r.services.Clock.NowMillis(),
		TrackingEnabled: true,
	}
	r.services.Storage.SaveSamplingRate(rate)
	return rate
}

// downloadValue fetches and resolves the per-tenant sampling config document.
func (r *SamplingResolver) downloadValue(ctx context.Context) (int, error) {
	cfg := r.services.Config

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SampleRateURL(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create sampling config request")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "sampling config request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errors.Errorf("sampling config request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read sampling config response")
	}

	var doc samplingConfigDoc
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return 0, errors.Wrap(err, "malformed sampling config document")
	}

	value := doc.SampleRate
	if envRate, ok := doc.EnvironmentRates[cfg.Environment]; ok {
		value = envRate
	}
	if value <= 0 {
		return 0, errors.New("sampling config document carries no usable rate")
	}
	return value, nil
}
