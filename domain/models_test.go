package domain

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackingplan/trackingplan-go/internal/clock"
)

func TestSamplingRateExpiry(t *testing.T) {
	clk := clock.NewFake(1_000_000, 0)
	rate := NewSamplingRate(4, clk)

	assert.False(t, rate.HasExpired(clk))

	clk.Advance(24*time.Hour - time.Millisecond)
	assert.False(t, rate.HasExpired(clk))

	clk.Advance(time.Millisecond)
	assert.True(t, rate.HasExpired(clk), "exact boundary counts as expired")
}

func TestSamplingRateValueOneAlwaysTracks(t *testing.T) {
	clk := clock.NewFake(0, 0)
	for i := 0; i < 50; i++ {
		rate := NewSamplingRate(1, clk)
		require.True(t, rate.TrackingEnabled)
	}
}

func TestRestoredSamplingRateKeepsDecision(t *testing.T) {
	rate := RestoredSamplingRate(10, 500, true)
	assert.Equal(t, 10, rate.Value)
	assert.Equal(t, int64(500), rate.DownloadedAt)
	assert.True(t, rate.TrackingEnabled)
}

func TestSessionIdleExpiry(t *testing.T) {
	clk := clock.NewFake(1_000_000, 50_000)
	session := NewSession(1, true, clk)

	assert.True(t, session.IsNew)
	assert.False(t, session.HasExpired())

	clk.Advance(30*time.Minute - time.Millisecond)
	assert.False(t, session.HasExpired())

	clk.Advance(time.Millisecond)
	assert.True(t, session.HasExpired())
}

func TestSessionExpiresAcrossReboot(t *testing.T) {
	clk := clock.NewFake(1_000_000, 50_000)
	session := NewSession(1, true, clk)

	// Uptime restarts below the stored activity time.
	clk.Reboot()
	clk.Advance(time.Second)
	assert.True(t, session.HasExpired())
}

func TestUpdateLastActivityDebounce(t *testing.T) {
	clk := clock.NewFake(1_000_000, 50_000)
	session := NewSession(1, true, clk)

	assert.False(t, session.UpdateLastActivity(), "fresh activity is debounced")

	clk.Advance(59 * time.Second)
	assert.False(t, session.UpdateLastActivity())

	clk.Advance(2 * time.Second)
	assert.True(t, session.UpdateLastActivity())
	assert.Equal(t, clk.UptimeMillis(), session.LastActivityTime)
}

func TestUpdateLastActivityAfterUptimeRegression(t *testing.T) {
	clk := clock.NewFake(1_000_000, 50_000)
	session := NewSession(1, true, clk)

	clk.SetUptimeMillis(10_000)
	assert.True(t, session.UpdateLastActivity(), "uptime regression forces a write")
	assert.Equal(t, int64(10_000), session.LastActivityTime)
}

func TestSessionIDIsLowercase(t *testing.T) {
	clk := clock.NewFake(0, 0)
	session := NewSession(1, true, clk)
	assert.Equal(t, strings.ToLower(session.SessionID), session.SessionID)
	assert.Len(t, session.SessionID, 36)
}

func TestEncodePayloadClassification(t *testing.T) {
	payload, payloadType := EncodePayload(nil)
	assert.Equal(t, "", payload)
	assert.Equal(t, PayloadString, payloadType)

	payload, payloadType = EncodePayload([]byte(`{"event":"x"}`))
	assert.Equal(t, `{"event":"x"}`, payload)
	assert.Equal(t, PayloadString, payloadType)

	gzipped := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02}
	payload, payloadType = EncodePayload(gzipped)
	assert.Equal(t, base64.StdEncoding.EncodeToString(gzipped), payload)
	assert.Equal(t, PayloadGzipBase64, payloadType)

	binary := []byte{0xff, 0xfe, 0x00, 0x81}
	payload, payloadType = EncodePayload(binary)
	assert.Equal(t, base64.StdEncoding.EncodeToString(binary), payload)
	assert.Equal(t, PayloadUnknown, payloadType)
}

func TestNewTrackRequestAssignsRequestID(t *testing.T) {
	req := NewTrackRequest(Request{URL: "https://api.segment.io/v1/track", Method: "POST", Body: []byte("{}")})
	assert.Equal(t, "https://api.segment.io/v1/track", req.Endpoint)
	assert.Equal(t, "POST", req.Method)
	assert.NotEmpty(t, req.RequestID)

	other := NewTrackRequest(Request{URL: "https://api.segment.io/v1/track"})
	assert.NotEqual(t, req.RequestID, other.RequestID)
}

func TestTrackSerializationOmitsEmptyTags(t *testing.T) {
	track := Track{
		Provider:     "segment",
		TpID:         "TP000001",
		Environment:  "PRODUCTION",
		TS:           1234,
		SDK:          SDK,
		SDKVersion:   SDKVersion,
		SamplingRate: 1,
		SessionID:    "abc",
	}
	data, err := sonic.Marshal(track)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"tags"`)
	assert.Contains(t, string(data), `"provider":"segment"`)
	assert.Contains(t, string(data), `"sampling_rate":1`)
}
