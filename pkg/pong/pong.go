// Package pong plays a self-running game of pong on the robot's face
// display.
package pong

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

// Face display size in pixels.
const (
	Width  = 128
	Height = 64
)

const (
	leftPaddleX  = 5
	rightPaddleX = 123
	paddleHalf   = 10
	paddleWidth  = 3
	ballRadius   = 5
	hitTolerance = 10
	speedup      = 1.1
)

// Game is the ball and paddle state.
type Game struct {
	BallX, BallY float64
	VelX, VelY   float64
	LeftY        float64
	RightY       float64
	Over         bool

	rng *rand.Rand
}

// NewGame returns a game in its opening position.
func NewGame(rng *rand.Rand) *Game {
	return &Game{
		BallX:  90,
		BallY:  40,
		VelX:   -2,
		VelY:   -1,
		LeftY:  40,
		RightY: 40,
		rng:    rng,
	}
}

// Step advances one tick and reports whether the ball got past a paddle.
func (g *Game) Step() bool {
	if g.Over {
		return true
	}

	// Both paddles chase the ball with a little slop.
	g.LeftY = g.BallY + float64(g.rng.IntN(11)-5)
	g.RightY = g.BallY + float64(g.rng.IntN(11)-5)

	if g.BallY <= 2 || g.BallY > 61 {
		g.VelY = -g.VelY
	}

	if g.BallX >= 0 && g.BallX <= leftPaddleX {
		g.impact(g.LeftY)
	}
	if g.BallX >= rightPaddleX && g.BallX <= Width {
		g.impact(g.RightY)
	}

	g.BallX += g.VelX
	g.BallY += g.VelY

	if g.BallX < 0 || g.BallX > Width+2 {
		g.Over = true
	}
	return g.Over
}

func (g *Game) impact(paddleY float64) {
	if math.Abs(paddleY-g.BallY) >= hitTolerance {
		return
	}
	g.VelX = -g.VelX * speedup
	g.VelY += 0.5 * (g.BallY - paddleY)
	if math.Abs(g.VelY) < 0.2 {
		g.VelY = 0.5
	}
}

// Render draws the current state in white on black.
func (g *Game) Render() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, Width, Height))
	white := color.Gray{Y: 255}

	bx, by := g.BallX, g.BallY
	for y := int(by) - ballRadius; y <= int(by)+ballRadius; y++ {
		for x := int(bx) - ballRadius; x <= int(bx)+ballRadius; x++ {
			dx, dy := float64(x)-bx, float64(y)-by
			if dx*dx+dy*dy <= ballRadius*ballRadius {
				img.SetGray(x, y, white)
			}
		}
	}

	fillRect(img, leftPaddleX, int(g.LeftY)-paddleHalf, leftPaddleX+paddleWidth, int(g.LeftY)+paddleHalf, white)
	fillRect(img, rightPaddleX-paddleWidth, int(g.RightY)-paddleHalf, rightPaddleX, int(g.RightY)+paddleHalf, white)
	return img
}

// fillRect fills the inclusive rectangle, clipped to the image.
func fillRect(img *image.Gray, x0, y0, x1, y1 int, c color.Gray) {
	r := image.Rect(x0, y0, x1+1, y1+1).Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetGray(x, y, c)
		}
	}
}

// Player is what a robot needs to play.
type Player interface {
	robot.Manipulator
	SayText(ctx context.Context, text string) error
	PlayAnimation(ctx context.Context, trigger string) error
	DisplayFaceImage(ctx context.Context, img image.Image, d time.Duration) error
}

// Options tunes a match. Zero values use the defaults.
type Options struct {
	Tick      time.Duration // 20ms
	Hold      time.Duration // how long each frame stays up, 100ms
	WinPause  time.Duration // 500ms
	HeadAngle float64       // 45 degrees
	Rand      *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 20 * time.Millisecond
	}
	if o.Hold <= 0 {
		o.Hold = 100 * time.Millisecond
	}
	if o.WinPause <= 0 {
		o.WinPause = 500 * time.Millisecond
	}
	if o.HeadAngle == 0 {
		o.HeadAngle = robot.Radians(45)
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return o
}

// Play runs a match to completion. Cancelling ctx ends the game early and
// is not an error; Play reports whether the game finished.
func Play(ctx context.Context, p Player, opts Options, logger *slog.Logger) (finished bool, err error) {
	opts = opts.withDefaults()

	if err := p.SetHeadAngle(ctx, opts.HeadAngle); err != nil {
		return false, cancelled(ctx, err)
	}
	if err := p.SayText(ctx, "I'm bored, I will play some pong"); err != nil {
		return false, cancelled(ctx, err)
	}

	g := NewGame(opts.Rand)
	ticker := time.NewTicker(opts.Tick)
	defer ticker.Stop()

	for steps := 0; ; steps++ {
		select {
		case <-ctx.Done():
			logger.Info("pong cancelled", "steps", steps)
			return false, nil
		case <-ticker.C:
		}

		if g.Step() {
			logger.Info("pong over", "steps", steps)
			if err := sleep(ctx, opts.WinPause); err != nil {
				return false, nil
			}
			if err := p.SayText(ctx, "I win"); err != nil {
				return false, cancelled(ctx, err)
			}
			if err := p.PlayAnimation(ctx, robot.AnimWin); err != nil {
				return false, cancelled(ctx, err)
			}
			// Final frame so the face shows the result.
			if err := p.DisplayFaceImage(ctx, g.Render(), opts.Hold); err != nil {
				return false, cancelled(ctx, err)
			}
			return true, nil
		}

		if err := p.DisplayFaceImage(ctx, g.Render(), opts.Hold); err != nil {
			return false, cancelled(ctx, err)
		}
	}
}

// cancelled maps errors caused by ctx ending to a clean stop.
func cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
