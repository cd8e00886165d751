package docking

import (
	"math"

	"github.com/teslashibe/go-cozmonaut/pkg/robot"
)

// WrapRadians reduces an angle to the principal range (-π, π]. Turn
// commands are always issued through it so the robot takes the short way
// round.
func WrapRadians(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return math.NaN()
	}
	// Into [-2π, 2π] first, then fold.
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// approachPoint returns the point standoff millimetres in front of the
// charger along its facing axis.
func approachPoint(c robot.Charger, standoff float64) robot.Pose {
	a := c.Pose.Angle
	return robot.Pose{
		X:        c.Pose.X - standoff*math.Cos(a),
		Y:        c.Pose.Y - standoff*math.Sin(a),
		Z:        c.Pose.Z,
		Angle:    a,
		OriginID: c.Pose.OriginID,
	}
}

// Residual is the alignment error left after fine alignment.
type Residual struct {
	Distance float64 // millimetres from the approach point
	Angle    float64 // radians between robot and charger headings
	Aligned  bool
}

func residual(p robot.Pose, c robot.Charger, standoff, distTol, angleTol float64) Residual {
	target := approachPoint(c, standoff)
	r := Residual{
		Distance: p.DistanceTo(target),
		Angle:    WrapRadians(p.Angle - c.Pose.Angle),
	}
	r.Aligned = r.Distance < distTol && math.Abs(r.Angle) < angleTol
	return r
}
