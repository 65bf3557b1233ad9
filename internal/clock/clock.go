package clock

import (
	"sync"
	"time"
)

// Clock provides the two time sources the SDK depends on: wall-clock epoch
// millis for persisted timestamps and a monotonic uptime counter for session
// idle tracking. Uptime must restart at zero on reboot so that stale persisted
// activity times are detected as "from before a reboot".
type Clock interface {
	NowMillis() int64
	UptimeMillis() int64
}

type systemClock struct{}

// System returns a Clock backed by the OS wall clock and boot-relative uptime.
func System() Clock {
	return systemClock{}
}

func (systemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (systemClock) UptimeMillis() int64 {
	return bootUptimeMillis()
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    int64
	uptime int64
}

func NewFake(nowMillis, uptimeMillis int64) *Fake {
	return &Fake{now: nowMillis, uptime: uptimeMillis}
}

func (f *Fake) NowMillis() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) UptimeMillis() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uptime
}

// Advance moves both the wall clock and the uptime counter forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d.Milliseconds()
	f.uptime += d.Milliseconds()
}

// Reboot simulates a device restart: uptime restarts while the wall clock
// keeps running.
func (f *Fake) Reboot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uptime = 0
}

func (f *Fake) SetUptimeMillis(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uptime = v
}
