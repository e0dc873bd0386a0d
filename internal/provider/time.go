package provider

import "time"

// nowMS returns the current time in epoch milliseconds, used only for
// measuring probe/request latency. Not used for any cache key or
// determinism-sensitive logic, so the ordinary wall clock is fine here.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
