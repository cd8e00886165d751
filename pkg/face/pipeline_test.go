package face

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-cozmonaut/internal/log"
)

// fakeDetector reports whatever faces the test has placed in view.
type fakeDetector struct {
	mu    sync.Mutex
	faces []Detection
	calls chan uint64
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{calls: make(chan uint64, 64)}
}

func (d *fakeDetector) setFaces(boxes ...Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faces = d.faces[:0]
	for _, b := range boxes {
		d.faces = append(d.faces, Detection{Box: b, Score: 0.9})
	}
}

func (d *fakeDetector) Detect(f Frame) ([]Detection, error) {
	select {
	case d.calls <- f.Seq:
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Detection(nil), d.faces...), nil
}

func (d *fakeDetector) Close() error { return nil }

// fakeTrackers hands out trackers whose quality the test controls by
// track creation order.
type fakeTrackers struct {
	mu      sync.Mutex
	created int
	quality map[int]float64
	closed  atomic.Int32
}

type fakeTracker struct {
	owner *fakeTrackers
	n     int
	box   Rect
}

func (ft *fakeTrackers) factory() (Tracker, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.created++
	return &fakeTracker{owner: ft, n: ft.created}, nil
}

func (ft *fakeTrackers) setQuality(n int, q float64) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.quality[n] = q
}

func (t *fakeTracker) Start(f Frame, box Rect) error {
	t.box = box
	return nil
}

func (t *fakeTracker) Update(f Frame) (float64, Rect, error) {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	q, ok := t.owner.quality[t.n]
	if !ok {
		q = 0.9
	}
	return q, t.box, nil
}

func (t *fakeTracker) Close() error {
	t.owner.closed.Add(1)
	return nil
}

// fakeEmbedder returns a fixed embedding per box left edge.
type fakeEmbedder struct {
	byLeft map[int]Embedding
}

func (e *fakeEmbedder) Embed(f Frame, box Rect) (Embedding, bool, error) {
	for left, emb := range e.byLeft {
		if box.Contains(image.Pt(left, box.Top)) {
			return emb, true, nil
		}
	}
	return Embedding{}, false, nil
}

func (e *fakeEmbedder) Close() error { return nil }

var (
	faceA = Rect{Left: 40, Top: 40, Right: 100, Bottom: 100}
	faceB = Rect{Left: 200, Top: 60, Right: 260, Bottom: 120}
)

type harness struct {
	p        *Pipeline
	det      *fakeDetector
	trackers *fakeTrackers
	ids      *Identities
	seq      uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		det:      newFakeDetector(),
		trackers: &fakeTrackers{quality: make(map[int]float64)},
		ids:      NewIdentities(),
	}
	emb := &fakeEmbedder{byLeft: map[int]Embedding{
		faceA.Left + 10: embeddingAt(0),
		faceB.Left + 10: embeddingAt(3),
	}}
	cfg := DefaultConfig()
	cfg.DetectInterval = 0
	h.p = NewPipeline(cfg, h.det, h.trackers.factory, emb, h.ids, log.Discard())
	t.Cleanup(func() { h.p.Close() })
	return h
}

// frame pushes a frame and waits until detection has started on it.
func (h *harness) frame(t *testing.T) {
	t.Helper()
	h.seq++
	h.p.Update(Frame{Data: []byte{1}, Width: 320, Height: 240, Seq: h.seq})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case seq := <-h.det.calls:
			if seq == h.seq {
				return
			}
		case <-deadline:
			t.Fatalf("detection never ran on frame %d", h.seq)
		}
	}
}

// settle pushes one more frame so the previous detection pass has finished.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.frame(t)
}

func waitTrack(t *testing.T, f *Future[Track]) Track {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("NextTrack: %v", err)
	}
	return tr
}

func TestNextTrackResolvesWithNewTrack(t *testing.T) {
	h := newHarness(t)

	first := h.p.NextTrack()
	second := h.p.NextTrack()

	h.det.setFaces(faceA)
	h.frame(t)

	a := waitTrack(t, first)
	b := waitTrack(t, second)
	if a.ID != b.ID {
		t.Errorf("pending requests got different tracks %d and %d", a.ID, b.ID)
	}
	if !a.Box.Matches(faceA) {
		t.Errorf("track box %+v does not cover face %+v", a.Box, faceA)
	}
	want := faceA.Pad(0.1)
	if a.Box != want {
		t.Errorf("track box = %+v, want padded %+v", a.Box, want)
	}
}

func TestNextTrackNeverRepeats(t *testing.T) {
	h := newHarness(t)

	h.det.setFaces(faceA)
	h.frame(t)
	h.settle(t)
	if len(h.p.Tracks()) != 1 {
		t.Fatalf("tracks = %d, want 1", len(h.p.Tracks()))
	}

	// Registered after track 1 existed; the same face in view again must
	// not resolve it.
	next := h.p.NextTrack()
	h.frame(t)
	h.settle(t)
	if next.Ready() {
		tr, _ := next.Result()
		t.Fatalf("NextTrack resolved with pre-existing track %d", tr.ID)
	}
	if len(h.p.Tracks()) != 1 {
		t.Errorf("matched face minted a duplicate track")
	}

	h.det.setFaces(faceA, faceB)
	h.frame(t)
	tr := waitTrack(t, next)
	if tr.ID == 1 {
		t.Errorf("NextTrack returned track 1 again")
	}
}

func TestPrunedTrackNotRecognized(t *testing.T) {
	h := newHarness(t)

	next := h.p.NextTrack()
	h.det.setFaces(faceA)
	h.frame(t)
	tr := waitTrack(t, next)

	h.det.setFaces()
	h.trackers.setQuality(1, 0.3)
	h.frame(t)

	if _, ok := h.p.Track(tr.ID); ok {
		t.Fatal("low quality track not pruned")
	}
	if h.trackers.closed.Load() != 1 {
		t.Errorf("pruned tracker closed %d times, want 1", h.trackers.closed.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.p.Recognize(tr.ID).Wait(ctx)
	if !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("Recognize pruned track: err = %v, want ErrTrackNotFound", err)
	}
}

func TestRecognize(t *testing.T) {
	h := newHarness(t)
	h.ids.Add(42, embeddingAt(0))

	next := h.p.NextTrack()
	h.det.setFaces(faceA)
	h.frame(t)
	known := waitTrack(t, next)

	next = h.p.NextTrack()
	h.det.setFaces(faceA, faceB)
	h.frame(t)
	stranger := waitTrack(t, next)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Both requests in flight at once.
	fk := h.p.Recognize(known.ID)
	fs := h.p.Recognize(stranger.ID)

	rec, err := fk.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FaceID != 42 || rec.Distance != 0 {
		t.Errorf("known face = %d (dist %v), want 42", rec.FaceID, rec.Distance)
	}

	rec, err = fs.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FaceID != Unknown {
		t.Errorf("stranger = %d, want Unknown", rec.FaceID)
	}
	if rec.Embedding != embeddingAt(3) {
		t.Error("stranger embedding not returned for enrolment")
	}

	// Enrolling makes the stranger known.
	h.ids.Add(43, rec.Embedding)
	rec, err = h.p.Recognize(stranger.ID).Wait(ctx)
	if err != nil || rec.FaceID != 43 {
		t.Errorf("after enrolment = %d, %v; want 43", rec.FaceID, err)
	}
}

func TestNextTrackCancel(t *testing.T) {
	h := newHarness(t)

	f := h.p.NextTrack()
	f.Cancel()
	if _, err := f.Result(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	h.p.mu.Lock()
	n := len(h.p.waiters)
	h.p.mu.Unlock()
	if n != 0 {
		t.Errorf("cancelled waiter still registered")
	}

	// The pipeline keeps working.
	next := h.p.NextTrack()
	h.det.setFaces(faceA)
	h.frame(t)
	waitTrack(t, next)
}

func TestCloseSettlesWaiters(t *testing.T) {
	h := newHarness(t)

	f := h.p.NextTrack()
	h.p.Close()

	if _, err := f.Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("pending NextTrack err = %v, want ErrClosed", err)
	}
	if _, err := h.p.NextTrack().Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("NextTrack after Close err = %v, want ErrClosed", err)
	}
	if _, err := h.p.Recognize(1).Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("Recognize after Close err = %v, want ErrClosed", err)
	}
}

func TestDetectRunsOnNewestFrame(t *testing.T) {
	det := newFakeDetector()
	trackers := &fakeTrackers{quality: make(map[int]float64)}
	cfg := DefaultConfig()
	cfg.DetectInterval = 300 * time.Millisecond
	p := NewPipeline(cfg, det, trackers.factory, &fakeEmbedder{}, NewIdentities(), log.Discard())
	defer p.Close()

	next := func() uint64 {
		t.Helper()
		select {
		case seq := <-det.calls:
			return seq
		case <-time.After(2 * time.Second):
			t.Fatal("detection never ran")
			return 0
		}
	}

	p.Update(Frame{Data: []byte{1}, Seq: 1})
	if seq := next(); seq != 1 {
		t.Fatalf("first pass on frame %d, want 1", seq)
	}

	// Both arrive while the worker waits out the interval.
	p.Update(Frame{Data: []byte{1}, Seq: 2})
	p.Update(Frame{Data: []byte{1}, Seq: 3})
	if seq := next(); seq != 3 {
		t.Errorf("second pass on frame %d, want newest frame 3", seq)
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", p.Dropped())
	}
}
