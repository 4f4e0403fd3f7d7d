package helpers

import "time"

// IntSecondDefault turns a config integer (seconds) into a duration,
// zero meaning "not set".
func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}
