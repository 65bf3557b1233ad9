package domain

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/trackingplan/trackingplan-go/internal/clock"
)

const (
	SDK        = "go"
	SDKVersion = "1.2.0"

	// ProviderTrackingplan is the reserved provider identity used for
	// synthetic events (new_user, new_dau, new_session). Tracks carrying it
	// bypass per-request gates and ride the normal batching path.
	ProviderTrackingplan = "trackingplan"
)

// SamplingRate is a provider-assigned sampling fraction together with the
// per-session tracking decision rolled once at creation time.
type SamplingRate struct {
	Value           int
	DownloadedAt    int64 // epoch millis
	TrackingEnabled bool
}

// SamplingRateLifetimeMillis is how long a downloaded rate stays trusted.
const SamplingRateLifetimeMillis int64 = 24 * 3600 * 1000

// NewSamplingRate rolls the tracking decision for a freshly downloaded rate.
// Value 1 means "track everything" and always enables tracking.
func NewSamplingRate(value int, clk clock.Clock) SamplingRate {
	return SamplingRate{
		Value:           value,
		DownloadedAt:    clk.NowMillis(),
		TrackingEnabled: rand.Float64() <= 1/float64(value),
	}
}

// RestoredSamplingRate rebuilds a rate loaded from storage, keeping the
// decision rolled when it was downloaded.
func RestoredSamplingRate(value int, downloadedAt int64, trackingEnabled bool) SamplingRate {
	return SamplingRate{Value: value, DownloadedAt: downloadedAt, TrackingEnabled: trackingEnabled}
}

// HasExpired reports whether the rate is older than its lifetime. The exact
// boundary counts as expired.
func (r SamplingRate) HasExpired(clk clock.Clock) bool {
	return clk.NowMillis() >= r.DownloadedAt+SamplingRateLifetimeMillis
}

// MaxIdleMillis is the session idle expiry: 30 minutes without activity.
const MaxIdleMillis int64 = 30 * 60 * 1000

// activityDebounceMillis limits how often last-activity updates hit storage.
const activityDebounceMillis int64 = 60 * 1000

// Session is one continuous period of app activity. LastActivityTime is
// expressed in boot-relative uptime millis, not wall clock, so it survives
// clock changes but expires across reboots.
type Session struct {
	SessionID        string
	SamplingRate     int
	TrackingEnabled  bool
	CreatedAt        int64 // epoch millis
	LastActivityTime int64 // uptime millis
	IsNew            bool

	clk clock.Clock
}

func NewSession(samplingRate int, trackingEnabled bool, clk clock.Clock) *Session {
	return &Session{
		SessionID:        strings.ToLower(uuid.NewString()),
		SamplingRate:     samplingRate,
		TrackingEnabled:  trackingEnabled,
		CreatedAt:        clk.NowMillis(),
		LastActivityTime: clk.UptimeMillis(),
		IsNew:            true,
		clk:              clk,
	}
}

func RestoredSession(sessionID string, samplingRate int, trackingEnabled bool, createdAt, lastActivityTime int64, clk clock.Clock) *Session {
	return &Session{
		SessionID:        sessionID,
		SamplingRate:     samplingRate,
		TrackingEnabled:  trackingEnabled,
		CreatedAt:        createdAt,
		LastActivityTime: lastActivityTime,
		IsNew:            false,
		clk:              clk,
	}
}

// HasExpired reports whether the session has been idle for 30 minutes or
// predates a reboot.
func (s *Session) HasExpired() bool {
	return s.idleDuration() >= MaxIdleMillis
}

// UpdateLastActivity touches the session and reports whether the new value
// should be persisted. Writes are debounced to once per minute; a monotonic
// clock that appears to have gone backward (reboot) forces a write.
func (s *Session) UpdateLastActivity() bool {
	uptime := s.clk.UptimeMillis()
	if s.LastActivityTime > uptime || uptime > s.LastActivityTime+activityDebounceMillis {
		s.LastActivityTime = uptime
		return true
	}
	return false
}

func (s *Session) idleDuration() int64 {
	uptime := s.clk.UptimeMillis()
	// Uptime restarted, so the stored activity is from before a reboot.
	if s.LastActivityTime > uptime {
		return int64(^uint64(0) >> 1)
	}
	return uptime - s.LastActivityTime
}

func (s *Session) String() string {
	status := "disabled"
	if s.TrackingEnabled {
		status = "enabled"
	}
	return "Session(" + s.SessionID + ", tracking " + status + ")"
}

// PayloadType signals how the collection endpoint should decode the payload.
type PayloadType string

const (
	PayloadString     PayloadType = "string"
	PayloadGzipBase64 PayloadType = "gzip_base64"
	PayloadUnknown    PayloadType = "unknown"
)

// Request is an intercepted outgoing request as handed over by the host
// application's interception layer.
type Request struct {
	URL    string
	Method string
	Body   []byte
}

// TrackRequest is the wire form of the intercepted request.
type TrackRequest struct {
	Endpoint        string      `json:"endpoint"`
	Method          string      `json:"method"`
	PostPayload     string      `json:"post_payload"`
	PostPayloadType PayloadType `json:"post_payload_type"`
	RequestID       string      `json:"request_id"`
}

// TrackContext carries host application metadata stamped on every track.
type TrackContext struct {
	AppVersion     string `json:"app_version"`
	AppName        string `json:"app_name"`
	AppBuildNumber string `json:"app_build_number"`
	Language       string `json:"language"`
	Platform       string `json:"platform"`
	Device         string `json:"device"`
}

// Track is one forwarded event. It is immutable once created and owned by the
// track queue until drained for transmission.
type Track struct {
	Provider     string            `json:"provider"`
	Request      TrackRequest      `json:"request"`
	Context      TrackContext      `json:"context"`
	TpID         string            `json:"tp_id"`
	SourceAlias  string            `json:"source_alias"`
	Environment  string            `json:"environment"`
	Tags         map[string]string `json:"tags,omitempty"`
	TS           int64             `json:"ts"`
	SDK          string            `json:"sdk"`
	SDKVersion   string            `json:"sdk_version"`
	SamplingRate int               `json:"sampling_rate"`
	SessionID    string            `json:"session_id"`
	Debug        bool              `json:"debug"`
}

// EncodePayload classifies a request body and returns its wire encoding.
// Gzip bodies and binary bodies are base64 encoded; plain text goes as is.
func EncodePayload(body []byte) (string, PayloadType) {
	if len(body) == 0 {
		return "", PayloadString
	}
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		return base64.StdEncoding.EncodeToString(body), PayloadGzipBase64
	}
	if utf8.Valid(body) {
		return string(body), PayloadString
	}
	return base64.StdEncoding.EncodeToString(body), PayloadUnknown
}

// NewTrackRequest captures a request into its immutable wire form.
func NewTrackRequest(req Request) TrackRequest {
	payload, payloadType := EncodePayload(req.Body)
	return TrackRequest{
		Endpoint:        req.URL,
		Method:          req.Method,
		PostPayload:     payload,
		PostPayloadType: payloadType,
		RequestID:       uuid.NewString(),
	}
}
