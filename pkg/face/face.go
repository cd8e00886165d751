// Package face tracks and recognizes faces in a robot's camera stream.
//
// A Pipeline combines three roles. Update ingests frames: it replaces the
// pending frame and re-localizes every live track with a correlation
// tracker, pruning tracks whose quality drops below threshold. A detection
// worker consumes the pending frame, runs a face detector and mints tracks
// for faces no existing track covers. A bounded pool of recognition workers
// embeds a track's face and matches it against the shared identity table.
//
// NextTrack and Recognize return futures so callers can wait, poll or
// cancel without touching pipeline state.
package face

import (
	"image"
	"time"
)

// Frame is one encoded camera image. Frames are immutable once published.
type Frame struct {
	Data      []byte // JPEG
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time

	gray *grayFrame // shared grayscale decode, set by Pipeline.Update
}

// Rect is a pixel bounding box in LTRB form. Right and Bottom are
// exclusive.
type Rect struct {
	Left, Top, Right, Bottom int
}

// RectFromXYWH builds a Rect from a corner and size.
func RectFromXYWH(x, y, w, h int) Rect {
	return Rect{Left: x, Top: y, Right: x + w, Bottom: y + h}
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Center returns the box centre, rounded down.
func (r Rect) Center() image.Point {
	return image.Pt((r.Left+r.Right)/2, (r.Top+r.Bottom)/2)
}

// Contains reports whether p lies inside the box.
func (r Rect) Contains(p image.Point) bool {
	return p.X >= r.Left && p.X < r.Right && p.Y >= r.Top && p.Y < r.Bottom
}

// Pad grows the box by frac of its width and height on every side.
func (r Rect) Pad(frac float64) Rect {
	dx := int(float64(r.Width()) * frac)
	dy := int(float64(r.Height()) * frac)
	return Rect{Left: r.Left - dx, Top: r.Top - dy, Right: r.Right + dx, Bottom: r.Bottom + dy}
}

// Clamp limits the box to a w×h frame.
func (r Rect) Clamp(w, h int) Rect {
	return Rect{
		Left:   clampInt(r.Left, 0, w),
		Top:    clampInt(r.Top, 0, h),
		Right:  clampInt(r.Right, 0, w),
		Bottom: clampInt(r.Bottom, 0, h),
	}
}

// Rectangle converts to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// Matches is the two-way containment test used to decide whether a
// detection belongs to an existing track: each box must contain the
// other's centre.
func (r Rect) Matches(other Rect) bool {
	return r.Contains(other.Center()) && other.Contains(r.Center())
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Detection is a face found by a Detector.
type Detection struct {
	Box   Rect
	Score float64
}

// EmbeddingSize is the length of a face embedding.
const EmbeddingSize = 128

// Embedding summarizes a face's identity.
type Embedding [EmbeddingSize]float64

// Detector finds faces in a frame.
type Detector interface {
	Detect(f Frame) ([]Detection, error)
	Close() error
}

// Tracker follows one face across frames.
type Tracker interface {
	// Start begins tracking box in f.
	Start(f Frame, box Rect) error

	// Update re-localizes the face in f and returns a quality score in
	// [0, 1] along with the new box.
	Update(f Frame) (quality float64, box Rect, err error)

	Close() error
}

// TrackerFactory creates a tracker for a newly minted track.
type TrackerFactory func() (Tracker, error)

// Embedder computes an embedding for the face inside box. ok is false
// when no face could be aligned there.
type Embedder interface {
	Embed(f Frame, box Rect) (emb Embedding, ok bool, err error)
	Close() error
}

// Track is a snapshot of a tracked face.
type Track struct {
	ID      int
	Box     Rect
	Quality float64
	// Frame is the frame Box was last localized in.
	Frame Frame
}

// Recognition is the result of matching a track against known identities.
type Recognition struct {
	TrackID int
	// FaceID is the matched identity, or Unknown.
	FaceID   int
	Distance float64
	// Embedding is the computed embedding, so an unknown face can be
	// enrolled without recomputing it.
	Embedding Embedding
}

// Unknown is the FaceID of a face that matched no identity.
const Unknown = -1

// Config tunes a Pipeline.
type Config struct {
	// QualityThreshold prunes tracks whose correlation falls below it.
	QualityThreshold float64

	// DetectInterval is the minimum spacing between detection passes.
	DetectInterval time.Duration

	// TrackPadding grows new track boxes by this fraction per side.
	TrackPadding float64

	RecognitionWorkers int

	// RecognitionQueue bounds pending Recognize requests.
	RecognitionQueue int

	// MatchThreshold is the maximum embedding distance of a match.
	MatchThreshold float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QualityThreshold:   0.55,
		DetectInterval:     100 * time.Millisecond,
		TrackPadding:       0.10,
		RecognitionWorkers: 2,
		RecognitionQueue:   64,
		MatchThreshold:     0.6,
	}
}
