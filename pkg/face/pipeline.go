package face

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-cozmonaut/pkg/debug"
)

type track struct {
	id      int
	box     Rect
	quality float64
	frame   Frame
	tracker Tracker
}

func (t *track) snapshot() Track {
	return Track{ID: t.id, Box: t.box, Quality: t.quality, Frame: t.frame}
}

type recognizeRequest struct {
	trackID int
	future  *Future[Recognition]
}

// Pipeline tracks and recognizes faces for one robot.
type Pipeline struct {
	cfg        Config
	detector   Detector
	newTracker TrackerFactory
	embedder   Embedder
	ids        *Identities
	log        *slog.Logger

	slot     *frameSlot
	requests chan recognizeRequest
	done     chan struct{}
	wg       sync.WaitGroup

	// updateMu serializes Update so each tracker sees frames in order.
	updateMu sync.Mutex
	gray     *grayFrame // decode of the latest frame, guarded by updateMu

	mu      sync.Mutex
	tracks  map[int]*track
	nextID  int
	waiters map[*Future[Track]]struct{}
	closed  bool
}

// NewPipeline starts a pipeline's detection worker and recognition pool.
// The detector, tracker factory and embedder are owned by the caller;
// trackers created by the factory are closed by the pipeline.
func NewPipeline(cfg Config, det Detector, newTracker TrackerFactory, emb Embedder, ids *Identities, logger *slog.Logger) *Pipeline {
	if cfg.RecognitionWorkers < 1 {
		cfg.RecognitionWorkers = 1
	}
	if cfg.RecognitionQueue < 1 {
		cfg.RecognitionQueue = 1
	}
	p := &Pipeline{
		cfg:        cfg,
		detector:   det,
		newTracker: newTracker,
		embedder:   emb,
		ids:        ids,
		log:        logger.With("component", "face"),
		slot:       newFrameSlot(),
		requests:   make(chan recognizeRequest, cfg.RecognitionQueue),
		done:       make(chan struct{}),
		tracks:     make(map[int]*track),
		nextID:     1,
		waiters:    make(map[*Future[Track]]struct{}),
	}

	p.wg.Add(1 + cfg.RecognitionWorkers)
	go p.detectLoop()
	for i := 0; i < cfg.RecognitionWorkers; i++ {
		go p.recognizeLoop()
	}
	return p
}

// Update ingests a new camera frame. It replaces the pending detection
// frame, re-localizes every track against f and prunes tracks whose
// quality falls below threshold.
func (p *Pipeline) Update(f Frame) {
	f.gray = &grayFrame{}
	p.slot.Put(f)

	p.updateMu.Lock()
	defer p.updateMu.Unlock()
	defer p.retireGray(f.gray)

	p.mu.Lock()
	live := make([]*track, 0, len(p.tracks))
	for _, t := range p.tracks {
		live = append(live, t)
	}
	p.mu.Unlock()

	// Tracker work runs outside mu; only the detection worker inserts and
	// only this function prunes, so each *track stays valid here.
	type update struct {
		t       *track
		quality float64
		box     Rect
		err     error
	}
	updates := make([]update, 0, len(live))
	for _, t := range live {
		q, box, err := t.tracker.Update(f)
		updates = append(updates, update{t: t, quality: q, box: box, err: err})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range updates {
		if _, ok := p.tracks[u.t.id]; !ok {
			continue
		}
		if u.err != nil || u.quality < p.cfg.QualityThreshold {
			p.log.Debug("track lost", "track", u.t.id, "quality", u.quality, "error", u.err)
			u.t.tracker.Close()
			delete(p.tracks, u.t.id)
			continue
		}
		u.t.box = u.box
		debug.TrackLog("track updated", "track", u.t.id, "quality", u.quality, "seq", f.Seq)
		u.t.quality = u.quality
		u.t.frame = f
	}
}

// NextTrack returns a future resolved with the first track created after
// this call. Every request pending when a track is created resolves with
// that track, so successive NextTrack calls never see the same track twice.
func (p *Pipeline) NextTrack() *Future[Track] {
	f := newFuture[Track]()
	f.onCancel = func() {
		p.mu.Lock()
		delete(p.waiters, f)
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		f.resolve(Track{}, ErrClosed)
		return f
	}
	p.waiters[f] = struct{}{}
	return f
}

// Recognize returns a future resolved with the identity match for a
// track. A track that no longer exists resolves with ErrTrackNotFound.
func (p *Pipeline) Recognize(trackID int) *Future[Recognition] {
	f := newFuture[Recognition]()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		f.resolve(Recognition{TrackID: trackID, FaceID: Unknown}, ErrClosed)
		return f
	}

	select {
	case p.requests <- recognizeRequest{trackID: trackID, future: f}:
	default:
		f.resolve(Recognition{TrackID: trackID, FaceID: Unknown}, ErrBusy)
	}
	return f
}

// Track returns a snapshot of a live track.
func (p *Pipeline) Track(id int) (Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tracks[id]
	if !ok {
		return Track{}, false
	}
	return t.snapshot(), true
}

// Tracks returns snapshots of every live track.
func (p *Pipeline) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t.snapshot())
	}
	return out
}

// Dropped returns how many frames were overwritten before detection
// consumed them.
func (p *Pipeline) Dropped() uint64 {
	return p.slot.Dropped()
}

// Identities returns the shared identity table.
func (p *Pipeline) Identities() *Identities {
	return p.ids
}

// Close stops the workers, closes every tracker and settles outstanding
// futures with ErrClosed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.slot.Close()
	p.wg.Wait()

	p.updateMu.Lock()
	defer p.updateMu.Unlock()
	p.retireGray(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.tracks {
		t.tracker.Close()
		delete(p.tracks, id)
	}
	for w := range p.waiters {
		w.resolve(Track{}, ErrClosed)
		delete(p.waiters, w)
	}
	// Drain requests that no worker picked up.
	for {
		select {
		case req := <-p.requests:
			req.future.resolve(Recognition{TrackID: req.trackID, FaceID: Unknown}, ErrClosed)
		default:
			return nil
		}
	}
}

func (p *Pipeline) detectLoop() {
	defer p.wg.Done()

	// Wait out the interval before taking, so the pass runs on the newest
	// frame rather than one that aged during the wait.
	var last time.Time
	for {
		if wait := p.cfg.DetectInterval - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-p.done:
				return
			}
		}
		f := p.slot.Take()
		if f == nil {
			return
		}
		last = time.Now()
		p.detect(*f)
	}
}

// retireGray makes next the current shared decode and releases the one it
// replaces. Callers hold updateMu.
func (p *Pipeline) retireGray(next *grayFrame) {
	prev := p.gray
	p.gray = next
	if prev != nil {
		prev.release()
	}
}

// detect runs one detection pass and mints tracks for unmatched faces.
func (p *Pipeline) detect(f Frame) {
	dets, err := p.detector.Detect(f)
	if err != nil {
		p.log.Warn("face detection failed", "seq", f.Seq, "error", err)
		return
	}
	if len(dets) == 0 {
		return
	}

	p.mu.Lock()
	boxes := make([]Rect, 0, len(p.tracks)+len(dets))
	for _, t := range p.tracks {
		boxes = append(boxes, t.box)
	}
	p.mu.Unlock()

	for _, d := range dets {
		matched := false
		for _, b := range boxes {
			if d.Box.Matches(b) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		box := d.Box.Pad(p.cfg.TrackPadding).Clamp(f.Width, f.Height)
		if box.Empty() {
			continue
		}
		tr, err := p.newTracker()
		if err != nil {
			p.log.Warn("create tracker failed", "error", err)
			continue
		}
		if err := tr.Start(f, box); err != nil {
			p.log.Warn("start tracker failed", "error", err)
			tr.Close()
			continue
		}
		boxes = append(boxes, box)
		p.addTrack(&track{box: box, quality: 1, frame: f, tracker: tr})
	}
}

func (p *Pipeline) addTrack(t *track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.tracker.Close()
		return
	}
	t.id = p.nextID
	p.nextID++
	p.tracks[t.id] = t
	p.log.Debug("new track", "track", t.id, "box", t.box)

	snap := t.snapshot()
	for w := range p.waiters {
		w.resolve(snap, nil)
		delete(p.waiters, w)
	}
}

func (p *Pipeline) recognizeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case req := <-p.requests:
			if req.future.Ready() {
				continue
			}
			rec, err := p.recognize(req.trackID)
			req.future.resolve(rec, err)
		}
	}
}

func (p *Pipeline) recognize(trackID int) (Recognition, error) {
	rec := Recognition{TrackID: trackID, FaceID: Unknown}

	t, ok := p.Track(trackID)
	if !ok {
		return rec, ErrTrackNotFound
	}

	emb, ok, err := p.embedder.Embed(t.Frame, t.Box)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, ErrNoFace
	}

	rec.Embedding = emb
	rec.FaceID, rec.Distance = p.ids.Match(emb, p.cfg.MatchThreshold)
	return rec, nil
}
