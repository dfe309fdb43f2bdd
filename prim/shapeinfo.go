// Package prim reconciles locally manipulated scene objects with the
// authoritative remote scene graph: metadata discovery, proxy
// placement, and rate-limited transform streaming.
package prim

import (
	"strconv"
	"strings"

	"cogentcore.org/core/math32"
)

// ShapeInfo is the metadata the server reports for a prim: its
// bounding box and where it sits in the world.
type ShapeInfo struct {
	Size   math32.Vector3
	Center math32.Vector3
	World  math32.Vector3
}

func (s ShapeInfo) IsZero() bool {
	return s == ShapeInfo{}
}

// Bounds returns the prim's bounding box in its local frame.
func (s ShapeInfo) Bounds() math32.Box3 {
	var b math32.Box3
	b.SetFromCenterAndSize(s.Center, s.Size)
	return b
}

// ParseBoxShapeInfo parses the server's shape metadata line: the prim
// path followed by nine numbers (size, center, world position), with
// commas or semicolons between fields. A malformed line yields the
// path it could salvage and a zero ShapeInfo; bad metadata is a data
// quality problem, not a protocol one.
func ParseBoxShapeInfo(raw string) (string, ShapeInfo) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	if len(fields) == 0 {
		return "", ShapeInfo{}
	}
	path := strings.TrimSpace(fields[0])
	if len(fields) != 10 {
		return path, ShapeInfo{}
	}

	var nums [9]float32
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return path, ShapeInfo{}
		}
		nums[i] = float32(v)
	}
	return path, ShapeInfo{
		Size:   math32.Vec3(nums[0], nums[1], nums[2]),
		Center: math32.Vec3(nums[3], nums[4], nums[5]),
		World:  math32.Vec3(nums[6], nums[7], nums[8]),
	}
}
