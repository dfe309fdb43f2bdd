package prim

import (
	"cogentcore.org/core/math32"
)

// Stage is a tracked prim's position in its discovery lifecycle.
type Stage int

const (
	StageUnregistered Stage = iota
	StageShapeInfoRequested
	StageProxyCreated
	StageSteady
)

func (s Stage) String() string {
	switch s {
	case StageUnregistered:
		return "unregistered"
	case StageShapeInfoRequested:
		return "shapeInfoRequested"
	case StageProxyCreated:
		return "proxyCreated"
	case StageSteady:
		return "steady"
	}
	return "unknown"
}

// Component is the tracking record for one scene object. All fields
// are mutated only from the per-frame reconciliation pass, so the
// component itself carries no lock.
type Component struct {
	path       string
	stage      Stage
	shape      ShapeInfo
	shapeKnown bool

	entity Entity

	// remote is the transform last believed synced to the server,
	// local the current transform in the last-known camera frame.
	remote math32.Matrix4
	local  math32.Matrix4

	camera      math32.Matrix4
	cameraKnown bool

	initialWorld math32.Vector3
	isRoot       bool
}

func newComponent(path string) *Component {
	return &Component{path: path}
}

func (c *Component) Path() string     { return c.path }
func (c *Component) Stage() Stage     { return c.stage }
func (c *Component) Shape() ShapeInfo { return c.shape }
func (c *Component) Entity() Entity   { return c.entity }

// translation3D builds a pure translation matrix.
func translation3D(v math32.Vector3) math32.Matrix4 {
	var m math32.Matrix4
	m.SetIdentity()
	m[12], m[13], m[14] = v.X, v.Y, v.Z
	return m
}

// translationOf extracts the translation column.
func translationOf(m *math32.Matrix4) math32.Vector3 {
	return math32.Vec3(m[12], m[13], m[14])
}
