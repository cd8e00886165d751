package face

import (
	"fmt"
	"os"

	"gocv.io/x/gocv"
)

// SFaceEmbedder computes embeddings with OpenCV's FaceRecognizerSF. Track
// boxes carry no landmarks, so it re-runs YuNet inside the box to find
// the five alignment points before cropping. It holds one recognizer per
// recognition worker; the shared detector still serializes landmark
// detection.
type SFaceEmbedder struct {
	recognizers *pool[gocv.FaceRecognizerSF]
	detector    *YuNetDetector
}

// NewSFace loads an SFace model once per worker. The detector is used for
// landmarks and is not closed by the embedder.
func NewSFace(modelPath string, detector *YuNetDetector, workers int) (*SFaceEmbedder, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	workers = max(workers, 1)
	recs := make([]gocv.FaceRecognizerSF, workers)
	for i := range recs {
		recs[i] = gocv.NewFaceRecognizerSF(modelPath, "")
	}
	return &SFaceEmbedder{
		recognizers: newPool(recs),
		detector:    detector,
	}, nil
}

// Embed implements Embedder. The returned embedding is unit length, so
// Euclidean distances fall in [0, 2].
func (e *SFaceEmbedder) Embed(f Frame, box Rect) (Embedding, bool, error) {
	var emb Embedding

	img, err := decode(f, gocv.IMReadColor)
	if err != nil {
		return emb, false, err
	}
	defer img.Close()

	box = box.Clamp(img.Cols(), img.Rows())
	if box.Empty() {
		return emb, false, nil
	}
	crop := img.Region(box.Rectangle())
	defer crop.Close()

	faces := e.detector.detectMat(crop)
	defer faces.Close()
	if faces.Rows() == 0 {
		return emb, false, nil
	}
	row := faces.RowRange(0, 1)
	defer row.Close()

	rec, ok := e.recognizers.get()
	if !ok {
		return emb, false, ErrClosed
	}
	defer e.recognizers.put(rec)

	aligned := gocv.NewMat()
	defer aligned.Close()
	rec.AlignCrop(crop, row, &aligned)

	feature := gocv.NewMat()
	defer feature.Close()
	rec.Feature(aligned, &feature)

	if feature.Total() < EmbeddingSize {
		return emb, false, fmt.Errorf("face: embedding has %d values, want %d", feature.Total(), EmbeddingSize)
	}
	for i := 0; i < EmbeddingSize; i++ {
		emb[i] = float64(feature.GetFloatAt(0, i))
	}
	return Normalize(emb), true, nil
}

// Close waits for in-flight embeddings and releases the recognizers.
func (e *SFaceEmbedder) Close() error {
	for _, rec := range e.recognizers.drain() {
		rec.Close()
	}
	return nil
}
