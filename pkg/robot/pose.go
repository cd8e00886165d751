package robot

import (
	"math"
	"time"
)

// Pose is a position (millimetres) and heading (radians about Z) in a
// robot's coordinate frame. OriginID identifies the frame; a robot that is
// picked up or falls starts a new frame and older poses stop being
// comparable.
type Pose struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Angle    float64 `json:"angle"`
	OriginID int     `json:"origin_id"`
}

// IsComparable reports whether p and other share a coordinate frame.
func (p Pose) IsComparable(other Pose) bool {
	return p.OriginID == other.OriginID
}

// DistanceTo returns the Euclidean distance between two poses.
func (p Pose) DistanceTo(other Pose) float64 {
	dx, dy, dz := other.X-p.X, other.Y-p.Y, other.Z-p.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Charger is an observed charging dock.
type Charger struct {
	Pose Pose `json:"pose"`
}

// Frame is one camera image as delivered by the robot.
type Frame struct {
	// Data is the encoded (JPEG) image.
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
