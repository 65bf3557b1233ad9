package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jeremywohl/flatten"
	"github.com/klauspost/compress/gzip"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"

	"github.com/trackingplan/trackingplan-go/domain"
	"github.com/trackingplan/trackingplan-go/internal/serialqueue"
)

// NetworkManager orchestrates ingestion: provider matching, session gating,
// enqueue-or-send-now routing, watcher-driven flushing and HTTP dispatch.
// All of its state except the track queue is owned by the serial context.
type NetworkManager struct {
	services   *Services
	queue      *TrackQueue
	sampling   *SamplingResolver
	dispatch   *serialqueue.Queue
	httpClient *http.Client
	bg         BackgroundTaskRunner

	// Owned by the serial context.
	currentSession *domain.Session
	cancelWatcher  func()
}

func NewNetworkManager(services *Services, sampling *SamplingResolver, dispatch *serialqueue.Queue, bg BackgroundTaskRunner) *NetworkManager {
	if bg == nil {
		bg = NoopBackground()
	}
	return &NetworkManager{
		services: services,
		queue:    NewTrackQueue(),
		sampling: sampling,
		dispatch: dispatch,
		httpClient: &http.Client{
			Timeout: services.Config.GetSendTimeout(),
		},
		bg: bg,
	}
}

// SetSession installs the session tracks are attributed to. Must run on the
// serial context.
func (nm *NetworkManager) SetSession(session *domain.Session) {
	nm.currentSession = session
}

func (nm *NetworkManager) Session() *domain.Session {
	return nm.currentSession
}

func (nm *NetworkManager) QueueSize() int {
	return nm.queue.Size()
}

// ClearQueue discards all pending tracks. Used when a resumed session has
// tracking disabled so stale buffered traffic never leaks across a session
// boundary.
func (nm *NetworkManager) ClearQueue() {
	nm.queue.Clear()
}

// RestoreQueue replays tracks archived by a previous process.
func (nm *NetworkManager) RestoreQueue(tracks []domain.Track) {
	nm.queue.EnqueueAll(tracks)
}

// ProcessRequest runs the ingestion pipeline for one intercepted request.
// Must run on the serial context. Nothing here may fail into the host's
// network path; every outcome is a log line at most.
func (nm *NetworkManager) ProcessRequest(req domain.Request) {
	cfg := nm.services.Config
	nm.services.Stats.RequestsSeen.Add(1)

	provider, err := nm.gate(req.URL)
	if err != nil {
		if errors.Is(err, domain.ErrOwnEndpoint) {
			// Forwarding our own traffic would create a feedback loop.
			return
		}
		log.Debugf("Ignoring request %s: %v", req.URL, err)
		nm.services.Stats.RequestsDropped.Add(1)
		if errors.Is(err, domain.ErrTrackingDisabled) || errors.Is(err, domain.ErrSamplingUnresolved) {
			// This session stays disabled, but a fresh rate lets the next
			// one track again.
			nm.sampling.DownloadAsync()
		}
		return
	}
	session := nm.currentSession

	nm.services.Stats.RequestsMatched.Add(1)
	log.Debugf("Processing request %s (provider %s)", req.URL, provider)

	track := nm.buildTrack(provider, domain.NewTrackRequest(req), session)
	nm.traceTrackPayload(track)

	// Real-time mode skips the queue entirely.
	if cfg.BatchSize == 1 {
		nm.dispatchSend([]domain.Track{track}, cfg.GetSendTimeout(), nil)
		return
	}

	nm.queue.Enqueue(track)
	nm.services.Stats.TracksEnqueued.Add(1)
	nm.checkAndSend()
}

// QueueSyntheticEvent enqueues an internal event (new_user, new_dau,
// new_session) under the reserved provider identity. Synthetic events always
// ride the queue, even at batch size 1, to avoid send storms at session start.
func (nm *NetworkManager) QueueSyntheticEvent(eventName string) {
	session := nm.currentSession
	if session == nil {
		return
	}
	track := nm.buildTrack(domain.ProviderTrackingplan, domain.TrackRequest{
		Endpoint:        eventName,
		Method:          http.MethodPost,
		PostPayloadType: domain.PayloadString,
	}, session)
	nm.queue.Enqueue(track)
	nm.services.Stats.TracksEnqueued.Add(1)
	nm.ensureWatcher()
	log.Debugf("Queued synthetic event %s", eventName)
}

// checkAndSend applies the dual-trigger batching policy: flush immediately at
// the size threshold, otherwise make sure a watcher bounds the wait.
func (nm *NetworkManager) checkAndSend() {
	if nm.queue.Size() >= nm.services.Config.BatchSize {
		nm.stopWatcher()
		nm.flush(nm.services.Config.GetSendTimeout(), nil)
		return
	}
	nm.ensureWatcher()
}

// ensureWatcher starts the deferred flush unless one is already outstanding.
func (nm *NetworkManager) ensureWatcher() {
	if nm.cancelWatcher != nil {
		return
	}
	nm.cancelWatcher = nm.dispatch.AsyncAfter(nm.services.Config.GetFlushInterval(), func() {
		nm.cancelWatcher = nil
		nm.flush(nm.services.Config.GetSendTimeout(), nil)
	})
}

func (nm *NetworkManager) stopWatcher() {
	if nm.cancelWatcher != nil {
		nm.cancelWatcher()
		nm.cancelWatcher = nil
	}
}

// Flush drains and sends whatever is pending. The completion, if any, runs on
// the serial context with the delivery outcome; an empty queue reports false.
func (nm *NetworkManager) Flush(completion func(success bool)) {
	nm.stopWatcher()
	nm.flush(nm.services.Config.GetSendTimeout(), func(success bool, _ []domain.Track) {
		if completion != nil {
			completion(success)
		}
	})
}

// FlushBounded is the background variant: the send must fit inside the
// platform's background-execution budget.
func (nm *NetworkManager) FlushBounded(timeout time.Duration, completion func(success bool)) {
	nm.stopWatcher()
	nm.flush(timeout, func(success bool, _ []domain.Track) {
		if completion != nil {
			completion(success)
		}
	})
}

// FlushAndArchiveOnFailure fires a terminate-time flush. If delivery fails,
// the drained batch is archived for the next launch. The completion runs on
// the serial context once the outcome is known, including when the queue was
// already empty.
func (nm *NetworkManager) FlushAndArchiveOnFailure(timeout time.Duration, completion func()) {
	nm.stopWatcher()
	nm.flush(timeout, func(success bool, batch []domain.Track) {
		if !success && len(batch) > 0 {
			nm.services.Storage.ArchiveQueue(batch)
		}
		if completion != nil {
			completion()
		}
	})
}

// ArchivePending moves everything still queued into the persistent archive
// without attempting delivery. Used on orderly shutdown, where there is no
// background budget to spend on network I/O.
func (nm *NetworkManager) ArchivePending() {
	nm.stopWatcher()
	if batch := nm.queue.Drain(); len(batch) > 0 {
		nm.services.Storage.ArchiveQueue(batch)
	}
}

func (nm *NetworkManager) flush(timeout time.Duration, onResult func(success bool, batch []domain.Track)) {
	batch := nm.queue.Drain()
	if len(batch) == 0 {
		if onResult != nil {
			onResult(false, nil)
		}
		return
	}
	nm.dispatchSend(batch, timeout, onResult)
}

// dispatchSend performs the HTTP POST off the serial context, holding a
// background-execution grant for the duration of the I/O, and hops back onto
// the serial context to apply the outcome.
func (nm *NetworkManager) dispatchSend(batch []domain.Track, timeout time.Duration, onResult func(success bool, batch []domain.Track)) {
	sessionAtSend := nm.currentSession
	end := nm.bg.Begin("SendBatch")

	go func() {
		defer end()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := nm.send(ctx, batch)

		nm.dispatch.Async(func() {
			nm.onSendComplete(batch, sessionAtSend, err, onResult)
		})
	}()
}

// onSendComplete applies the delivery outcome on the serial context. Failed
// batches are not re-queued; accepted loss keeps the pipeline simple and the
// host app safe.
func (nm *NetworkManager) onSendComplete(batch []domain.Track, sessionAtSend *domain.Session, err error, onResult func(success bool, batch []domain.Track)) {
	if err != nil {
		log.Debugf("Batch delivery failed: %v", err)
		nm.services.Stats.SendErrors.Add(1)
		if onResult != nil {
			onResult(false, batch)
		}
		return
	}

	nm.services.Stats.BatchesSent.Add(1)
	nm.services.Stats.TracksSent.Add(int64(len(batch)))
	nm.services.Stats.LastActivityUnix.Store(time.Now().Unix())
	log.Debugf("Batch sent (%d tracks)", len(batch))

	// Touch session activity only if the session the batch was built for is
	// still the current one.
	if sessionAtSend != nil && nm.currentSession != nil && sessionAtSend.SessionID == nm.currentSession.SessionID {
		if nm.currentSession.UpdateLastActivity() {
			nm.services.Storage.SaveSession(nm.currentSession)
		}
	}

	if onResult != nil {
		onResult(true, batch)
	}
}

// send POSTs the batch as a JSON array. Any non-2xx status or transport error
// is a delivery failure for the whole batch.
func (nm *NetworkManager) send(ctx context.Context, batch []domain.Track) error {
	cfg := nm.services.Config

	body, err := sonic.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "failed to encode batch")
	}

	url := cfg.TracksURL(nm.services.Clock.NowMillis())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create batch request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("trackingplan-go/%s", domain.SDKVersion))

	resp, err := nm.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "batch request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

func (nm *NetworkManager) buildTrack(provider string, req domain.TrackRequest, session *domain.Session) domain.Track {
	cfg := nm.services.Config

	// Snapshot tags: the config map can be merged into later while this
	// track waits in the queue.
	var tags map[string]string
	if len(cfg.Tags) > 0 {
		tags = make(map[string]string, len(cfg.Tags))
		for k, v := range cfg.Tags {
			tags[k] = v
		}
	}

	return domain.Track{
		Provider: provider,
		Request:  req,
		Context: domain.TrackContext{
			AppVersion:     cfg.App.Version,
			AppName:        cfg.App.Name,
			AppBuildNumber: cfg.App.BuildNumber,
			Language:       cfg.App.Language,
			Platform:       cfg.App.Platform,
			Device:         cfg.App.Device,
		},
		TpID:         cfg.TpID,
		SourceAlias:  cfg.SourceAlias,
		Environment:  cfg.Environment,
		Tags:         tags,
		TS:           nm.services.Clock.NowMillis(),
		SDK:          domain.SDK,
		SDKVersion:   domain.SDKVersion,
		SamplingRate: session.SamplingRate,
		SessionID:    session.SessionID,
		Debug:        cfg.Debug,
	}
}

// gate decides whether a request may enter the pipeline. The returned error
// is one of the domain drop reasons; it never propagates past ProcessRequest.
func (nm *NetworkManager) gate(url string) (string, error) {
	if nm.services.Config.IsOwnEndpoint(url) {
		return "", domain.ErrOwnEndpoint
	}
	provider, ok := nm.matchProvider(url)
	if !ok {
		return "", domain.ErrUnknownProvider
	}
	session := nm.currentSession
	if session == nil {
		return "", domain.ErrNoSession
	}
	if !session.TrackingEnabled {
		if session.SamplingRate == 0 {
			return "", domain.ErrSamplingUnresolved
		}
		return "", domain.ErrTrackingDisabled
	}
	return provider, nil
}

// matchProvider classifies a destination URL by substring match against the
// provider table. First match wins; the table defines no precedence.
func (nm *NetworkManager) matchProvider(url string) (string, bool) {
	for pattern, provider := range nm.services.Config.ProviderDomains() {
		if strings.Contains(url, pattern) {
			return provider, true
		}
	}
	return "", false
}

// traceTrackPayload renders a JSON payload as flattened dot-keys in debug
// mode so trace logs stay readable. Costs nothing when debug is off.
func (nm *NetworkManager) traceTrackPayload(track domain.Track) {
	if !nm.services.Config.Debug || track.Request.PostPayload == "" {
		return
	}

	var raw []byte
	switch track.Request.PostPayloadType {
	case domain.PayloadString:
		raw = []byte(track.Request.PostPayload)
	case domain.PayloadGzipBase64:
		compressed, err := base64.StdEncoding.DecodeString(track.Request.PostPayload)
		if err != nil {
			return
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return
		}
	default:
		return
	}

	var payload map[string]interface{}
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return
	}
	flat, err := flatten.Flatten(payload, "", flatten.DotStyle)
	if err != nil {
		return
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 16 {
		keys = keys[:16]
	}
	log.Debugf("Payload keys for %s: %s", track.Provider, strings.Join(keys, ", "))
}
