package clock

import "time"

var processStart = time.Now()

// fallbackUptimeMillis measures uptime from process start. Sessions persisted
// by a previous process look like they predate a reboot and expire, which is
// the safe direction.
func fallbackUptimeMillis() int64 {
	return time.Since(processStart).Milliseconds()
}
