package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// eulerEpsilon guards the gimbal-lock branch of the matrix decomposition.
const eulerEpsilon = 4 * 2.220446049250313e-16

// Orientation holds roll, pitch and yaw in degrees.
type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Quaternion builds a quaternion from its scalar-first components.
func Quaternion(w, x, y, z float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// QuaternionToEuler converts q into static-frame x-y-z Euler angles in
// radians. q need not be normalised; a zero quaternion yields zero angles.
func QuaternionToEuler(q quat.Number) (roll, pitch, yaw float64) {
	n := quat.Abs(q)
	if n*n < eulerEpsilon {
		return 0, 0, 0
	}
	m := rotationMatrix(quat.Scale(1/n, q))

	cy := math.Hypot(m[0][0], m[1][0])
	if cy > eulerEpsilon {
		roll = math.Atan2(m[2][1], m[2][2])
		pitch = math.Atan2(-m[2][0], cy)
		yaw = math.Atan2(m[1][0], m[0][0])
		return roll, pitch, yaw
	}
	roll = math.Atan2(-m[1][2], m[1][1])
	pitch = math.Atan2(-m[2][0], cy)
	return roll, pitch, 0
}

// rotationMatrix returns the 3x3 rotation matrix of the unit quaternion q.
func rotationMatrix(q quat.Number) [3][3]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	X, Y, Z := 2*x, 2*y, 2*z
	wX, wY, wZ := w*X, w*Y, w*Z
	xX, xY, xZ := x*X, x*Y, x*Z
	yY, yZ, zZ := y*Y, y*Z, z*Z
	return [3][3]float64{
		{1 - (yY + zZ), xY - wZ, xZ + wY},
		{xY + wZ, 1 - (xX + zZ), yZ - wX},
		{xZ - wY, yZ + wX, 1 - (xX + yY)},
	}
}
