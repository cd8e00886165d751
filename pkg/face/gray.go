package face

import (
	"sync"

	"gocv.io/x/gocv"
)

// decodeGray turns a frame into a grayscale Mat. Tests swap it to count
// decodes.
var decodeGray = func(f Frame) (gocv.Mat, error) {
	return decode(f, gocv.IMReadGrayScale)
}

// grayFrame is a lazily decoded grayscale copy of one frame, shared by
// every tracker that sees the frame. The pipeline releases it once the
// next frame arrives; later users fall back to a private decode.
type grayFrame struct {
	mu      sync.RWMutex
	once    sync.Once
	mat     gocv.Mat
	err     error
	decoded bool
	closed  bool
}

func (g *grayFrame) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if g.decoded {
		g.mat.Close()
	}
}

// withGray calls fn with f in grayscale. fn must not modify or retain the
// Mat.
func withGray(f Frame, fn func(gocv.Mat) error) error {
	if g := f.gray; g != nil {
		g.mu.RLock()
		if !g.closed {
			defer g.mu.RUnlock()
			g.once.Do(func() {
				g.mat, g.err = decodeGray(f)
				g.decoded = true
			})
			if g.err != nil {
				return g.err
			}
			return fn(g.mat)
		}
		g.mu.RUnlock()
	}

	gray, err := decodeGray(f)
	defer gray.Close()
	if err != nil {
		return err
	}
	return fn(gray)
}
