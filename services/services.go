package services

import (
	"github.com/trackingplan/trackingplan-go/config"
	"github.com/trackingplan/trackingplan-go/domain"
	"github.com/trackingplan/trackingplan-go/internal/clock"
	"github.com/trackingplan/trackingplan-go/storage"
)

// Services holds shared state common to the pipeline components.
type Services struct {
	Config  *config.Config
	Stats   *domain.Stats
	Storage *storage.Storage
	Clock   clock.Clock
}

func NewServices(cfg *config.Config, store *storage.Storage, clk clock.Clock) *Services {
	return &Services{
		Config:  cfg,
		Stats:   &domain.Stats{},
		Storage: store,
		Clock:   clk,
	}
}

func (s *Services) GetStats() *domain.Stats {
	return s.Stats
}

// BackgroundTaskRunner is the platform hook for background-execution grants.
// Begin acquires a grant before a send starts; the returned end func releases
// it and must be called on every exit path.
type BackgroundTaskRunner interface {
	Begin(name string) (end func())
}

type noopBackground struct{}

func (noopBackground) Begin(string) func() { return func() {} }

// NoopBackground is used when the host provides no platform integration.
func NoopBackground() BackgroundTaskRunner { return noopBackground{} }
