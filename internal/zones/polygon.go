package zones

import (
	"math"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
)

const edgeEpsilon = 1e-9

// pointInPolygon uses the even-odd rule, after first checking the boundary so
// that points on an edge or vertex always count as inside.
func pointInPolygon(p models.Point, poly []models.Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		if onSegment(p, poly[i], poly[(i+1)%n]) {
			return true
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := a.X + (p.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if p.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(p, a, b models.Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	scale := math.Max(1, math.Hypot(b.X-a.X, b.Y-a.Y))
	if math.Abs(cross) > edgeEpsilon*scale {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-edgeEpsilon && p.X <= math.Max(a.X, b.X)+edgeEpsilon &&
		p.Y >= math.Min(a.Y, b.Y)-edgeEpsilon && p.Y <= math.Max(a.Y, b.Y)+edgeEpsilon
}
