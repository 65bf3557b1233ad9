package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"

	"github.com/trackingplan/trackingplan-go/domain"
)

// HealthResponse reports liveness and pipeline activity at a glance.
type HealthResponse struct {
	Status        string               `json:"status"`
	SDK           string               `json:"sdk"`
	SDKVersion    string               `json:"sdk_version"`
	Timestamp     string               `json:"timestamp"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Stats         domain.StatsSnapshot `json:"stats"`
}

// ConfigResponse is the running configuration with sensitive values masked.
type ConfigResponse struct {
	TpID           string            `json:"tp_id"` // masked
	Environment    string            `json:"environment"`
	SourceAlias    string            `json:"source_alias"`
	Debug          bool              `json:"debug"`
	IgnoreSampling bool              `json:"ignore_sampling"`
	BatchSize      int               `json:"batch_size"`
	TracksEndpoint string            `json:"tracks_endpoint"`
	ConfigEndpoint string            `json:"config_endpoint"`
	CustomDomains  map[string]string `json:"custom_domains,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	FlushInterval  int               `json:"flush_interval_seconds"`
	LogLevel       string            `json:"log_level"`
}

// maskSensitiveValue masks sensitive configuration values
func maskSensitiveValue(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "***" + value[len(value)-4:]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		SDK:           domain.SDK,
		SDKVersion:    domain.SDKVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Stats:         s.services.Stats.Snapshot(),
	}
	writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.services.Stats.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.services.Config
	resp := ConfigResponse{
		TpID:           maskSensitiveValue(cfg.TpID),
		Environment:    cfg.Environment,
		SourceAlias:    cfg.SourceAlias,
		Debug:          cfg.Debug,
		IgnoreSampling: cfg.IgnoreSampling,
		BatchSize:      cfg.BatchSize,
		TracksEndpoint: cfg.TracksEndpoint,
		ConfigEndpoint: cfg.ConfigEndpoint,
		CustomDomains:  cfg.CustomDomains,
		Tags:           cfg.Tags,
		FlushInterval:  cfg.Flush.IntervalSec,
		LogLevel:       cfg.Logging.Level,
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		log.Errorf("Failed to encode debug response: %v", err)
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
