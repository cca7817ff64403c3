// Package geom provides the spatial types carried by a simulation step:
// positions as gonum r3 vectors and orientations derived from unit
// quaternions.
package geom

import "gonum.org/v1/gonum/spatial/r3"

// Vector3 is a position or displacement in the vehicle's map frame.
type Vector3 = r3.Vec

// Add returns a+b.
func Add(a, b Vector3) Vector3 { return r3.Add(a, b) }

// Sub returns a-b.
func Sub(a, b Vector3) Vector3 { return r3.Sub(a, b) }

// WithZ returns v with its Z component replaced by z.
func WithZ(v Vector3, z float64) Vector3 {
	return r3.Sub(v, Vector3{Z: v.Z - z})
}
