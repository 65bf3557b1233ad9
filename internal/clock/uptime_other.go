//go:build !linux

package clock

func bootUptimeMillis() int64 {
	return fallbackUptimeMillis()
}
