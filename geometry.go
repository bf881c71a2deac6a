package govtt

import "math"

// CircleRadius is the per-token spacing factor for multi-token drops.
const CircleRadius = 32.0

// CirclePos returns the position of the k-th of n tokens dropped around
// (x, y). A single token lands on the center; more tokens spread out on a
// circle of radius CircleRadius·√n with even angular spacing.
func CirclePos(x, y, k, n int) (int, int) {
	if n <= 1 {
		return x, y
	}
	radius := CircleRadius * math.Sqrt(float64(n))
	angle := 2 * math.Pi * float64(k) / float64(n)
	px := float64(x) + radius*math.Cos(angle)
	py := float64(y) + radius*math.Sin(angle)
	return int(math.Round(px)), int(math.Round(py))
}

// Centroid averages a set of points. Returns (0, 0) for an empty set.
func Centroid(xs, ys []int) (int, int) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sx, sy int
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	return sx / len(xs), sy / len(ys)
}

// InRect reports whether (x, y) lies inside the rectangle spanned from
// (left, top) with the given width and height. Edges count as inside.
func InRect(x, y, left, top, width, height int) bool {
	return x >= left && x <= left+width && y >= top && y <= top+height
}
