package face

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-cozmonaut/internal/log"
)

func findModel(name string) string {
	for _, dir := range []string{"models", "../models", "../../models"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// patternJPEG draws a bright square on a dark background at (x, y).
func patternJPEG(t *testing.T, x, y int) Frame {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 160, 120))
	for py := 0; py < 120; py++ {
		for px := 0; px < 160; px++ {
			v := uint8((px*7 + py*3) % 40)
			if px >= x && px < x+30 && py >= y && py < y+30 {
				v = uint8(200 + (px-x)*(py-y)%50)
			}
			img.SetGray(px, py, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return Frame{Data: buf.Bytes(), Width: 160, Height: 120}
}

func TestCorrelationTrackerFollowsPatch(t *testing.T) {
	tr, err := NewCorrelationTracker(0.5)()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	box := RectFromXYWH(40, 30, 30, 30)
	if err := tr.Start(patternJPEG(t, 40, 30), box); err != nil {
		t.Fatalf("Start: %v", err)
	}

	q, got, err := tr.Update(patternJPEG(t, 46, 33))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if q < 0.55 {
		t.Errorf("quality = %v, want a confident match", q)
	}
	if got.Left < 44 || got.Left > 48 || got.Top < 31 || got.Top > 35 {
		t.Errorf("box = %+v, want near (46, 33)", got)
	}
}

func TestCorrelationTrackerRejectsBadFrame(t *testing.T) {
	tr, _ := NewCorrelationTracker(0.5)()
	defer tr.Close()

	if err := tr.Start(Frame{}, RectFromXYWH(0, 0, 10, 10)); err == nil {
		t.Error("Start accepted empty frame")
	}
	if _, _, err := tr.Update(patternJPEG(t, 0, 0)); err == nil {
		t.Error("Update before Start succeeded")
	}
}

func TestYuNetMissingModel(t *testing.T) {
	_, err := NewYuNet(DefaultYuNetConfig("/nonexistent/yunet.onnx"))
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestYuNetDetectBlank(t *testing.T) {
	path := findModel("face_detection_yunet_2023mar.onnx")
	if path == "" {
		t.Skip("YuNet model not found, skipping test")
	}
	d, err := NewYuNet(DefaultYuNetConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.Detect(Frame{}); err == nil {
		t.Error("expected error for empty frame")
	}
	dets, err := d.Detect(patternJPEG(t, 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 0 {
		t.Errorf("found %d faces in a synthetic pattern", len(dets))
	}
}

func TestSFaceMissingModel(t *testing.T) {
	_, err := NewSFace("/nonexistent/sface.onnx", nil, 2)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestPipelineDecodesEachFrameOnce(t *testing.T) {
	var decodes atomic.Int32
	orig := decodeGray
	decodeGray = func(f Frame) (gocv.Mat, error) {
		decodes.Add(1)
		return orig(f)
	}
	t.Cleanup(func() { decodeGray = orig })

	det := newFakeDetector()
	det.setFaces(RectFromXYWH(10, 10, 30, 30), RectFromXYWH(100, 60, 30, 30))
	cfg := DefaultConfig()
	cfg.DetectInterval = 0
	cfg.QualityThreshold = -1
	p := NewPipeline(cfg, det, NewCorrelationTracker(0.5), &fakeEmbedder{}, NewIdentities(), log.Discard())
	defer p.Close()

	first := patternJPEG(t, 10, 10)
	first.Seq = 1
	p.Update(first)
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Tracks()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("tracks = %d, want 2", len(p.Tracks()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := decodes.Load(); n != 1 {
		t.Fatalf("starting two trackers decoded %d times, want 1", n)
	}

	second := patternJPEG(t, 12, 11)
	second.Seq = 2
	p.Update(second)
	if n := decodes.Load(); n != 2 {
		t.Errorf("updating two trackers decoded %d times in total, want 2", n)
	}
}
