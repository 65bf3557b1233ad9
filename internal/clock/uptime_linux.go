//go:build linux

package clock

import "golang.org/x/sys/unix"

// bootUptimeMillis reads CLOCK_BOOTTIME, which keeps counting across suspend
// and restarts at zero on reboot.
func bootUptimeMillis() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return fallbackUptimeMillis()
	}
	return ts.Sec*1000 + ts.Nsec/1e6
}
