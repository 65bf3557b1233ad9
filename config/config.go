package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

var k = koanf.New(".")

// Config is the full SDK configuration. It is read-only from the pipeline's
// perspective; tags are the only runtime-mutable part and only through the
// instance's UpdateTags merge.
type Config struct {
	TpID           string            `mapstructure:"tp_id"`
	Environment    string            `mapstructure:"environment"`
	SourceAlias    string            `mapstructure:"source_alias"`
	Debug          bool              `mapstructure:"debug"`
	IgnoreSampling bool              `mapstructure:"ignore_sampling"`
	BatchSize      int               `mapstructure:"batch_size"`
	Tags           map[string]string `mapstructure:"tags"`

	TracksEndpoint string `mapstructure:"tracks_endpoint"`
	ConfigEndpoint string `mapstructure:"config_endpoint"`

	// CustomDomains extends (and can override) the default provider table.
	CustomDomains map[string]string `mapstructure:"custom_domains"`

	App         App         `mapstructure:"app"`
	Logging     Logging     `mapstructure:"logging"`
	Sampling    Sampling    `mapstructure:"sampling"`
	Flush       Flush       `mapstructure:"flush"`
	Storage     Storage     `mapstructure:"storage"`
	DebugServer DebugServer `mapstructure:"debug_server"`
}

// App describes the host application. Stamped on every track's context.
type App struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	BuildNumber string `mapstructure:"build_number"`
	Language    string `mapstructure:"language"`
	Platform    string `mapstructure:"platform"`
	Device      string `mapstructure:"device"`
}

type Logging struct {
	Level string `mapstructure:"level"`
}

type Sampling struct {
	TimeoutSec       int `mapstructure:"timeout_seconds"`
	RetryIntervalSec int `mapstructure:"retry_interval_seconds"`
	SyncAttempts     int `mapstructure:"sync_attempts"`
	SyncRetryWaitSec int `mapstructure:"sync_retry_wait_seconds"`
}

type Flush struct {
	IntervalSec          int `mapstructure:"interval_seconds"`
	SendTimeoutSec       int `mapstructure:"send_timeout_seconds"`
	BackgroundTimeoutSec int `mapstructure:"background_timeout_seconds"`
	BackgroundGraceSec   int `mapstructure:"background_grace_seconds"`
}

type Storage struct {
	Directory string `mapstructure:"directory"`
}

// DebugServer exposes health/stats/config over HTTP for development builds.
type DebugServer struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

const (
	DefaultTracksEndpoint = "https://tracks.trackingplan.com/"
	DefaultConfigEndpoint = "https://config.trackingplan.com/"
)

// defaultProviderDomains maps destination domain substrings to provider
// identities. First match wins; the table defines no precedence across
// overlapping patterns.
var defaultProviderDomains = map[string]string{
	"app-measurement.com":               "googleanalyticsfirebase",
	"firebaselogging-pa.googleapis.com": "googleanalyticsfirebase",
	"www.google-analytics.com":          "googleanalytics",
	"ssl.google-analytics.com":          "googleanalytics",
	"google-analytics.com":              "googleanalytics",
	"analytics.google.com":              "googleanalytics",
	"api.segment.io":                    "segment",
	"api.segment.com":                   "segment",
	"quantserve.com":                    "quantserve",
	"api.intercom.io":                   "intercom",
	"api.amplitude.com":                 "amplitude",
	"ping.chartbeat.net":                "chartbeat",
	"api.mixpanel.com":                  "mixpanel",
	"kissmetrics.com":                   "kissmetrics",
	"sb.scorecardresearch.com":          "scorecardresearch",
}

// LoadConfig reads configuration from a YAML file, applies environment
// overrides with the given prefix and fills in defaults.
func LoadConfig(cfgFile, envPrefix string, cfg *Config) error {
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return errors.Wrapf(err, "failed to parse %s", cfgFile)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return errors.Wrap(err, "error loading config from env")
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", cfgFile)
	}

	ApplyDefaults(cfg)
	return cfg.Validate()
}

// LoadFlags merges command line flags on top of the current configuration.
func LoadFlags(flags *pflag.FlagSet, cfg *Config) error {
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return errors.Wrap(err, "error loading config from flags")
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return errors.Wrap(err, "failed to unmarshal flags")
	}
	ApplyDefaults(cfg)
	return cfg.Validate()
}

// New returns a configuration with defaults applied, for programmatic use by
// host applications that do not carry a config file.
func New(tpID string) Config {
	cfg := Config{TpID: tpID}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills zero values with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "PRODUCTION"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.TracksEndpoint == "" {
		cfg.TracksEndpoint = DefaultTracksEndpoint
	}
	if cfg.ConfigEndpoint == "" {
		cfg.ConfigEndpoint = DefaultConfigEndpoint
	}
	if cfg.Tags == nil {
		cfg.Tags = map[string]string{}
	}
	if cfg.Sampling.TimeoutSec == 0 {
		cfg.Sampling.TimeoutSec = 10
	}
	if cfg.Sampling.RetryIntervalSec == 0 {
		cfg.Sampling.RetryIntervalSec = 300 // 5 minutes
	}
	if cfg.Sampling.RetryIntervalSec > 3600 {
		cfg.Sampling.RetryIntervalSec = 3600
	}
	if cfg.Sampling.SyncAttempts == 0 {
		cfg.Sampling.SyncAttempts = 2
	}
	if cfg.Sampling.SyncRetryWaitSec == 0 {
		cfg.Sampling.SyncRetryWaitSec = 1
	}
	if cfg.Flush.IntervalSec == 0 {
		cfg.Flush.IntervalSec = 30
	}
	if cfg.Flush.SendTimeoutSec == 0 {
		cfg.Flush.SendTimeoutSec = 30
	}
	if cfg.Flush.BackgroundTimeoutSec == 0 {
		cfg.Flush.BackgroundTimeoutSec = 2 // of the ~5s platform budget
	}
	if cfg.Flush.BackgroundGraceSec == 0 {
		cfg.Flush.BackgroundGraceSec = 2
	}
	if cfg.Logging.Level == "" {
		if cfg.Debug {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "warn"
		}
	}
	if cfg.DebugServer.Port == 0 {
		cfg.DebugServer.Port = 4317
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (cfg *Config) Validate() error {
	if cfg.TpID == "" {
		return errors.New("tp_id is required")
	}
	if cfg.BatchSize < 1 {
		return errors.New("batch_size must be >= 1")
	}
	return nil
}

// ProviderDomains returns the default domain table merged with the custom
// domains, custom entries winning.
func (cfg *Config) ProviderDomains() map[string]string {
	merged := make(map[string]string, len(defaultProviderDomains)+len(cfg.CustomDomains))
	for pattern, provider := range defaultProviderDomains {
		merged[pattern] = provider
	}
	for pattern, provider := range cfg.CustomDomains {
		merged[pattern] = provider
	}
	return merged
}

// SampleRateURL is the per-tenant sampling config document.
func (cfg *Config) SampleRateURL() string {
	return fmt.Sprintf("%sconfig-%s.json", cfg.ConfigEndpoint, cfg.TpID)
}

// TracksURL is the batch upload endpoint. In debug mode a timestamp query
// parameter busts intermediary caches.
func (cfg *Config) TracksURL(nowMillis int64) string {
	url := cfg.TracksEndpoint + cfg.TpID
	if cfg.Debug {
		url = fmt.Sprintf("%s?t=%d", url, nowMillis)
	}
	return url
}

// IsOwnEndpoint reports whether a URL targets the SDK's own endpoints.
// Forwarding those would create a feedback loop.
func (cfg *Config) IsOwnEndpoint(url string) bool {
	return strings.HasPrefix(url, cfg.TracksEndpoint) || strings.HasPrefix(url, cfg.ConfigEndpoint)
}

func (cfg *Config) GetSamplingTimeout() time.Duration {
	return time.Duration(cfg.Sampling.TimeoutSec) * time.Second
}

func (cfg *Config) GetSamplingRetryInterval() time.Duration {
	return time.Duration(cfg.Sampling.RetryIntervalSec) * time.Second
}

func (cfg *Config) GetSyncRetryWait() time.Duration {
	return time.Duration(cfg.Sampling.SyncRetryWaitSec) * time.Second
}

func (cfg *Config) GetFlushInterval() time.Duration {
	return time.Duration(cfg.Flush.IntervalSec) * time.Second
}

func (cfg *Config) GetSendTimeout() time.Duration {
	return time.Duration(cfg.Flush.SendTimeoutSec) * time.Second
}

func (cfg *Config) GetBackgroundTimeout() time.Duration {
	return time.Duration(cfg.Flush.BackgroundTimeoutSec) * time.Second
}

func (cfg *Config) GetBackgroundGrace() time.Duration {
	return time.Duration(cfg.Flush.BackgroundGraceSec) * time.Second
}
