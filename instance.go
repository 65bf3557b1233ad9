// Package trackingplan implements the client-side telemetry forwarding core
// of the Trackingplan SDK: it classifies intercepted analytics requests,
// gates them through sampling and session state, batches them and forwards
// them to the collection endpoint. Everything is fire-and-forget from the
// host application's point of view.
package trackingplan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"

	"github.com/trackingplan/trackingplan-go/api"
	"github.com/trackingplan/trackingplan-go/config"
	"github.com/trackingplan/trackingplan-go/domain"
	"github.com/trackingplan/trackingplan-go/internal/clock"
	"github.com/trackingplan/trackingplan-go/internal/serialqueue"
	"github.com/trackingplan/trackingplan-go/services"
	"github.com/trackingplan/trackingplan-go/storage"
)

// Instance is one running pipeline. All state transitions run on its serial
// dispatch context, so the public methods are safe to call from any
// goroutine and never block on network I/O.
type Instance struct {
	cfg      *config.Config
	services *services.Services
	dispatch *serialqueue.Queue
	sampling *services.SamplingResolver
	network  *services.NetworkManager
	bg       services.BackgroundTaskRunner
	debugSrv *api.Server

	// Owned by the serial context.
	started        bool
	retryScheduled bool
}

// New builds an instance from the given configuration. The returned instance
// is idle until Start is called.
func New(cfg config.Config, opts ...Option) (*Instance, error) {
	config.ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setLogLevel(cfg.Logging.Level)

	o := &options{clk: clock.System(), bg: services.NoopBackground()}
	for _, opt := range opts {
		opt(o)
	}

	store := o.store
	if store == nil {
		fileStore, err := storage.NewFileStore(defaultStorePath(&cfg))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open persistent storage")
		}
		store = fileStore
	}

	svcs := services.NewServices(&cfg, storage.New(store, cfg.TpID, cfg.Environment, o.clk), o.clk)
	dispatch := serialqueue.New(0)
	sampling := services.NewSamplingResolver(svcs, dispatch.Async)

	inst := &Instance{
		cfg:      &cfg,
		services: svcs,
		dispatch: dispatch,
		sampling: sampling,
		network:  services.NewNetworkManager(svcs, sampling, dispatch, o.bg),
		bg:       o.bg,
	}

	if cfg.DebugServer.Enabled {
		inst.debugSrv = api.New(svcs)
		inst.debugSrv.Start(cfg.DebugServer.Port)
	}

	return inst, nil
}

// Start restores any archived queue from a previous run and opens the first
// session. Safe to call once; later calls are ignored.
func (i *Instance) Start() {
	i.dispatch.Async(func() {
		if i.started {
			return
		}
		i.started = true
		if restored := i.services.Storage.UnarchiveQueue(); len(restored) > 0 {
			i.network.RestoreQueue(restored)
		}
		i.startSession()
	})
}

// Stop shuts the pipeline down, persisting session state and archiving any
// tracks still queued so the next run can replay them.
func (i *Instance) Stop() {
	if i.debugSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = i.debugSrv.Stop(ctx)
		cancel()
	}
	i.dispatch.Sync(func() {
		i.stopSession()
		i.network.ArchivePending()
	})
	i.dispatch.Stop()
}

// ProcessRequest hands an intercepted request to the pipeline. It returns
// immediately; classification, gating and queueing all happen on the serial
// context.
func (i *Instance) ProcessRequest(req domain.Request) {
	i.dispatch.Async(func() {
		if s := i.network.Session(); s != nil && s.HasExpired() {
			log.Debug("Session expired, rotating")
			i.startSession()
		}
		i.network.ProcessRequest(req)
	})
}

// Flush asks the pipeline to send whatever is queued without waiting for the
// batch threshold or the watcher.
func (i *Instance) Flush() {
	i.dispatch.Async(func() {
		i.network.Flush(nil)
	})
}

// OnForeground resumes or rotates the session when the host app becomes
// active again.
func (i *Instance) OnForeground() {
	i.dispatch.Async(i.startSession)
}

// OnBackground persists session activity right away, then flushes the queue
// after a short grace period so events fired during backgrounding are
// included. The whole sequence runs under a background-execution grant.
func (i *Instance) OnBackground() {
	end := i.bg.Begin("BackgroundFlush")
	i.dispatch.Sync(func() {
		i.stopSession()
	})
	i.dispatch.AsyncAfter(i.cfg.GetBackgroundGrace(), func() {
		i.network.FlushBounded(i.cfg.GetBackgroundTimeout(), func(bool) { end() })
	})
}

// OnTerminate makes a last bounded delivery attempt and archives the batch if
// it fails. It blocks the caller until the outcome is known or the budget
// runs out; the process is about to die either way.
func (i *Instance) OnTerminate() {
	done := make(chan struct{})
	i.dispatch.Async(func() {
		i.stopSession()
		i.network.FlushAndArchiveOnFailure(i.cfg.GetBackgroundTimeout(), func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(i.cfg.GetBackgroundTimeout() + time.Second):
	}
}

// UpdateTags merges the given tags into the configuration. Tracks built from
// then on carry the merged set; queued tracks keep the tags they were built
// with.
func (i *Instance) UpdateTags(tags map[string]string) {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	i.dispatch.Async(func() {
		for k, v := range copied {
			i.cfg.Tags[k] = v
		}
	})
}

// Stats returns a point-in-time snapshot of the pipeline counters.
func (i *Instance) Stats() domain.StatsSnapshot {
	return i.services.Stats.Snapshot()
}

// startSession resumes the live session, restores a persisted one or creates
// a new one. Serial context only.
func (i *Instance) startSession() {
	if s := i.network.Session(); s != nil && !s.HasExpired() {
		if s.UpdateLastActivity() {
			i.services.Storage.SaveSession(s)
		}
		return
	}

	if restored := i.services.Storage.LoadSession(); restored != nil && !restored.HasExpired() {
		log.Debugf("Resuming %s", restored)
		i.network.SetSession(restored)
		if restored.UpdateLastActivity() {
			i.services.Storage.SaveSession(restored)
		}
		if !restored.TrackingEnabled {
			// Whatever queued up before the restore belongs to a session
			// that is not tracking.
			i.network.ClearQueue()
		}
		return
	}

	i.createSession()
}

// createSession opens a new session from the resolved sampling rate. An
// unresolved rate fails closed: the session exists, but tracks nothing, and a
// retry is scheduled.
func (i *Instance) createSession() {
	rate, ok := i.sampling.ResolveSync()
	if !ok {
		log.Debug("Sampling rate unresolved, starting session with tracking disabled")
		i.network.SetSession(domain.NewSession(0, false, i.services.Clock))
		i.network.ClearQueue()
		i.scheduleSessionRetry()
		return
	}

	session := domain.NewSession(rate.Value, rate.TrackingEnabled, i.services.Clock)
	i.services.Storage.SaveSession(session)
	i.network.SetSession(session)
	log.Debugf("Started %s", session)

	if !session.TrackingEnabled {
		i.network.ClearQueue()
		return
	}

	firstRun := i.services.Storage.IsFirstTimeExecution()
	dauDue := i.services.Storage.WasLastDauSent24hAgo()
	if firstRun {
		i.network.QueueSyntheticEvent("new_user")
	}
	if dauDue {
		i.network.QueueSyntheticEvent("new_dau")
	}
	i.network.QueueSyntheticEvent("new_session")

	// Markers are persisted only once the events actually reach the backend,
	// so a failed launch sends them again next time.
	i.network.Flush(func(success bool) {
		if !success {
			return
		}
		if firstRun {
			i.services.Storage.SaveFirstTimeExecution()
		}
		if dauDue {
			i.services.Storage.SaveLastDauEventSentTime()
		}
	})
}

// scheduleSessionRetry arms a single deferred retry for a session that failed
// to resolve its sampling rate.
func (i *Instance) scheduleSessionRetry() {
	if i.retryScheduled {
		return
	}
	i.retryScheduled = true
	i.dispatch.AsyncAfter(i.cfg.GetSamplingRetryInterval(), func() {
		i.retryScheduled = false
		if s := i.network.Session(); s != nil && s.TrackingEnabled {
			return
		}
		i.createSession()
	})
}

// stopSession persists the session's activity so it can be resumed within
// the idle window. Serial context only.
func (i *Instance) stopSession() {
	s := i.network.Session()
	if s == nil {
		return
	}
	s.UpdateLastActivity()
	i.services.Storage.SaveSession(s)
}

// defaultStorePath places the store under the user cache directory unless the
// configuration names one.
func defaultStorePath(cfg *config.Config) string {
	dir := cfg.Storage.Directory
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		dir = filepath.Join(cacheDir, "trackingplan")
	}
	return filepath.Join(dir, "trackingplan.json")
}

func setLogLevel(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "debug":
		log.SetMinLogLevel(log.MinLevelDebug)
	case "info":
		log.SetMinLogLevel(log.MinLevelInfo)
	case "warn":
		log.SetMinLogLevel(log.MinLevelWarn)
	case "error":
		log.SetMinLogLevel(log.MinLevelError)
	}
}
