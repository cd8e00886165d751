package face

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-cozmonaut/pkg/debug"
)

// YuNetConfig configures the YuNet detector.
type YuNetConfig struct {
	ModelPath        string  // Path to ONNX model
	ConfidenceThresh float64 // Minimum confidence
	NMSThresh        float64
	InputWidth       int // Initial model input size; reset per frame
	InputHeight      int
}

// DefaultYuNetConfig returns production defaults for YuNet.
func DefaultYuNetConfig(modelPath string) YuNetConfig {
	return YuNetConfig{
		ModelPath:        modelPath,
		ConfidenceThresh: 0.6,
		NMSThresh:        0.3,
		InputWidth:       320,
		InputHeight:      240,
	}
}

// YuNetDetector uses OpenCV's FaceDetectorYN for face detection.
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	mu       sync.Mutex // Protects inference
}

// NewYuNet loads a YuNet model.
func NewYuNet(cfg YuNetConfig) (*YuNetDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
	}

	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"", // No config file needed for ONNX
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		float32(cfg.NMSThresh),
		5000, // Top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &YuNetDetector{detector: detector}, nil
}

// Detect finds faces in the frame, returning pixel boxes.
func (d *YuNetDetector) Detect(f Frame) ([]Detection, error) {
	img, err := decode(f, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	faces := d.detectMat(img)
	defer faces.Close()

	dets := make([]Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		// YuNet output format (15 columns):
		// 0-3: x, y, w, h (bounding box in pixels)
		// 4-13: 5 facial landmarks (x,y pairs)
		// 14: face score
		x := int(faces.GetFloatAt(r, 0))
		y := int(faces.GetFloatAt(r, 1))
		w := int(faces.GetFloatAt(r, 2))
		h := int(faces.GetFloatAt(r, 3))
		dets = append(dets, Detection{
			Box:   RectFromXYWH(x, y, w, h).Clamp(img.Cols(), img.Rows()),
			Score: float64(faces.GetFloatAt(r, 14)),
		})
	}

	if len(dets) > 0 {
		debug.TrackLog("yunet found faces", "count", len(dets), "seq", f.Seq)
	}
	return dets, nil
}

// detectMat runs the model on img and returns the raw YuNet rows.
func (d *YuNetDetector) detectMat(img gocv.Mat) gocv.Mat {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))
	faces := gocv.NewMat()
	d.detector.Detect(img, &faces)
	return faces
}

// Close releases the detector resources.
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

func decode(f Frame, flags gocv.IMReadFlag) (gocv.Mat, error) {
	if len(f.Data) == 0 {
		return gocv.NewMat(), fmt.Errorf("decode frame %d: empty", f.Seq)
	}
	img, err := gocv.IMDecode(f.Data, flags)
	if err != nil {
		return img, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("decode frame %d: empty image", f.Seq)
	}
	return img, nil
}
