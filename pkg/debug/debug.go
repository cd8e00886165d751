// Package debug provides global debug logging flags
package debug

import "github.com/teslashibe/go-cozmonaut/internal/log"

// Enabled controls whether debug logging is active
var Enabled bool

// Tracking controls whether verbose face tracking logs are shown (per-frame
// detections and track updates). Use --debug-tracking to enable these very
// verbose logs.
var Tracking bool

// Log logs a message only if debug mode is enabled
func Log(msg string, args ...any) {
	if Enabled {
		log.Info(msg, args...)
	}
}

// TrackLog logs a message only if tracking debug mode is enabled
func TrackLog(msg string, args ...any) {
	if Tracking {
		log.Info(msg, append([]any{"debug", "tracking"}, args...)...)
	}
}
