package face

import (
	"errors"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// CorrelationTracker follows a face by normalized cross-correlation of the
// initial face patch against a search window around the last position.
// Quality is the peak correlation score.
type CorrelationTracker struct {
	mu      sync.Mutex
	tmpl    gocv.Mat
	started bool
	box     Rect
	search  float64
}

// NewCorrelationTracker is a TrackerFactory. search is the window margin
// around the last box as a fraction of its size.
func NewCorrelationTracker(search float64) TrackerFactory {
	return func() (Tracker, error) {
		return &CorrelationTracker{search: search}, nil
	}
}

// Start captures the template patch.
func (t *CorrelationTracker) Start(f Frame, box Rect) error {
	return withGray(f, func(gray gocv.Mat) error {
		box := box.Clamp(gray.Cols(), gray.Rows())
		if box.Empty() {
			return errors.New("face: empty track box")
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		region := gray.Region(box.Rectangle())
		if t.started {
			t.tmpl.Close()
		}
		t.tmpl = region.Clone()
		t.started = true
		region.Close()
		t.box = box
		return nil
	})
}

// Update searches for the template near its last position.
func (t *CorrelationTracker) Update(f Frame) (float64, Rect, error) {
	var (
		peak float64
		box  Rect
	)
	err := withGray(f, func(gray gocv.Mat) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		box = t.box
		if !t.started {
			return errors.New("face: tracker not started")
		}

		window := t.box.Pad(t.search).Clamp(gray.Cols(), gray.Rows())
		if window.Width() < t.tmpl.Cols() || window.Height() < t.tmpl.Rows() {
			// Face moved off the edge of the frame.
			return nil
		}

		region := gray.Region(window.Rectangle())
		defer region.Close()
		result := gocv.NewMat()
		defer result.Close()
		mask := gocv.NewMat()
		defer mask.Close()

		gocv.MatchTemplate(region, t.tmpl, &result, gocv.TmCcoeffNormed, mask)
		_, maxVal, _, loc := gocv.MinMaxLoc(result)

		origin := image.Pt(window.Left+loc.X, window.Top+loc.Y)
		t.box = RectFromXYWH(origin.X, origin.Y, t.tmpl.Cols(), t.tmpl.Rows())
		peak, box = float64(maxVal), t.box
		return nil
	})
	if err != nil {
		return 0, box, err
	}
	return peak, box, nil
}

// Close releases the template.
func (t *CorrelationTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	return t.tmpl.Close()
}
