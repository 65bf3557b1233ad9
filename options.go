package trackingplan

import (
	"github.com/trackingplan/trackingplan-go/internal/clock"
	"github.com/trackingplan/trackingplan-go/services"
	"github.com/trackingplan/trackingplan-go/storage"
)

type options struct {
	store storage.KeyValueStore
	clk   clock.Clock
	bg    services.BackgroundTaskRunner
}

// Option customizes an Instance at construction time.
type Option func(*options)

// WithKeyValueStore replaces the default file-backed store. Hosts that manage
// their own persistence (or want none, via storage.NewMemoryStore) use this.
func WithKeyValueStore(store storage.KeyValueStore) Option {
	return func(o *options) { o.store = store }
}

// WithBackgroundTaskRunner installs the platform hook that grants background
// execution time around network sends.
func WithBackgroundTaskRunner(bg services.BackgroundTaskRunner) Option {
	return func(o *options) { o.bg = bg }
}

// withClock substitutes the time source. Test-only.
func withClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}
