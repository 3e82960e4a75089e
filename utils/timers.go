package utils

import "time"

var (
	// StartTime is the time the hub process started.
	StartTime time.Time
)

func init() {
	StartTime = time.Now()
}

// Timestamp returns the time.Duration since the program was started,
// useful to stamping communication messages.
func Timestamp() time.Duration {
	return time.Since(StartTime)
}
