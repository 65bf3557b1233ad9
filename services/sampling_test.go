package services

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackingplan/trackingplan-go/config"
	"github.com/trackingplan/trackingplan-go/domain"
	"github.com/trackingplan/trackingplan-go/internal/clock"
	"github.com/trackingplan/trackingplan-go/storage"
)

// configServer serves a sampling config document and counts hits.
type configServer struct {
	*httptest.Server
	hits atomic.Int64
	body atomic.Value // string
	code atomic.Int64
}

func newConfigServer(body string) *configServer {
	cs := &configServer{}
	cs.body.Store(body)
	cs.code.Store(http.StatusOK)
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		w.WriteHeader(int(cs.code.Load()))
		fmt.Fprint(w, cs.body.Load().(string))
	}))
	return cs
}

func newSamplingFixture(t *testing.T, configEndpoint string, mutate func(*config.Config)) (*SamplingResolver, *Services, *clock.Fake) {
	t.Helper()
	cfg := config.New("TP000001")
	cfg.ConfigEndpoint = configEndpoint
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewFake(1_700_000_000_000, 100_000)
	svcs := NewServices(&cfg, storage.New(storage.NewMemoryStore(), cfg.TpID, cfg.Environment, clk), clk)
	resolver := NewSamplingResolver(svcs, func(task func()) { task() })
	return resolver, svcs, clk
}

func TestResolveSyncDownloadsAndPersists(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, _ := newSamplingFixture(t, cs.URL+"/", nil)

	rate, ok := resolver.ResolveSync()
	require.True(t, ok)
	assert.Equal(t, 4, rate.Value)
	assert.Equal(t, int64(1), cs.hits.Load())

	stored, ok := svcs.Storage.LoadSamplingRate()
	require.True(t, ok)
	assert.Equal(t, 4, stored.Value)
	assert.Equal(t, int64(1), svcs.Stats.SamplingFetches.Load())
}

func TestResolveSyncPrefersEnvironmentRate(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4, "environment_rates": {"PRODUCTION": 1, "STAGING": 100}}`)
	defer cs.Close()

	resolver, _, _ := newSamplingFixture(t, cs.URL+"/", nil)

	rate, ok := resolver.ResolveSync()
	require.True(t, ok)
	assert.Equal(t, 1, rate.Value)
	assert.True(t, rate.TrackingEnabled, "rate 1 always tracks")
}

func TestResolveSyncUsesCachedRate(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, clk := newSamplingFixture(t, cs.URL+"/", nil)
	svcs.Storage.SaveSamplingRate(domain.RestoredSamplingRate(7, clk.NowMillis(), true))

	rate, ok := resolver.ResolveSync()
	require.True(t, ok)
	assert.Equal(t, 7, rate.Value)
	assert.Zero(t, cs.hits.Load(), "valid cached rate skips the download")
}

func TestResolveSyncRedownloadsExpiredRate(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, clk := newSamplingFixture(t, cs.URL+"/", nil)
	svcs.Storage.SaveSamplingRate(domain.RestoredSamplingRate(7, clk.NowMillis(), true))
	clk.Advance(24 * time.Hour)

	rate, ok := resolver.ResolveSync()
	require.True(t, ok)
	assert.Equal(t, 4, rate.Value)
	assert.Equal(t, int64(1), cs.hits.Load())
}

func TestResolveSyncRetriesThenStampsThrottle(t *testing.T) {
	cs := newConfigServer(`oops`)
	cs.code.Store(http.StatusInternalServerError)
	defer cs.Close()

	resolver, svcs, _ := newSamplingFixture(t, cs.URL+"/", nil)

	_, ok := resolver.ResolveSync()
	assert.False(t, ok)
	assert.Equal(t, int64(2), cs.hits.Load(), "two attempts at session start")
	assert.NotZero(t, svcs.Storage.SamplingLastAttempt())
	assert.Equal(t, int64(1), svcs.Stats.SamplingFailures.Load())
}

func TestIgnoreSamplingForcesRate(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 100}`)
	defer cs.Close()

	resolver, svcs, _ := newSamplingFixture(t, cs.URL+"/", func(cfg *config.Config) {
		cfg.IgnoreSampling = true
	})

	rate, ok := resolver.ResolveSync()
	require.True(t, ok)
	assert.Equal(t, 1, rate.Value)
	assert.True(t, rate.TrackingEnabled)
	assert.Zero(t, cs.hits.Load())

	stored, ok := svcs.Storage.LoadSamplingRate()
	require.True(t, ok)
	assert.Equal(t, 1, stored.Value)
}

func TestGetSamplingRateFailsClosedAndTriggersDownload(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, _ := newSamplingFixture(t, cs.URL+"/", nil)

	_, ok := resolver.GetSamplingRate()
	assert.False(t, ok, "no cached rate reports no rate")

	assert.Eventually(t, func() bool {
		rate, ok := svcs.Storage.LoadSamplingRate()
		return ok && rate.Value == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDownloadAsyncThrottledAfterFailure(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, _ := newSamplingFixture(t, cs.URL+"/", nil)
	svcs.Storage.SaveSamplingLastAttempt()

	resolver.DownloadAsync()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, cs.hits.Load(), "recent failed attempt suppresses the download")
}

func TestDownloadAsyncThrottleExpires(t *testing.T) {
	cs := newConfigServer(`{"sample_rate": 4}`)
	defer cs.Close()

	resolver, svcs, clk := newSamplingFixture(t, cs.URL+"/", nil)
	svcs.Storage.SaveSamplingLastAttempt()
	clk.Advance(6 * time.Minute)

	resolver.DownloadAsync()
	assert.Eventually(t, func() bool {
		_, ok := svcs.Storage.LoadSamplingRate()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
