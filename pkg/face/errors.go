package face

import "errors"

var (
	// ErrTrackNotFound is returned when a track no longer exists.
	ErrTrackNotFound = errors.New("face: track not found")

	// ErrCancelled is the result of a cancelled future.
	ErrCancelled = errors.New("face: cancelled")

	// ErrClosed is returned once the pipeline has shut down.
	ErrClosed = errors.New("face: pipeline closed")

	// ErrNoFace is returned when the embedder finds no face to align in a
	// track's box.
	ErrNoFace = errors.New("face: no alignable face in track")

	// ErrBusy is returned when the recognition queue is full.
	ErrBusy = errors.New("face: recognition queue full")

	// ErrModelNotFound is returned when a model file is missing.
	ErrModelNotFound = errors.New("face: model file not found")
)
