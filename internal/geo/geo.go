// Package geo provides the latitude/longitude math used by the navigation
// engine: great-circle distances and the law-of-cosines bearing correction.
package geo

import (
	"errors"
	"math"
)

// EarthRadius is the mean Earth radius in meters used by Distance.
const EarthRadius = 6_371_000.0

// ErrDegenerateHeading is returned by BearingCorrection when the line through
// the last two recorded positions has no longitude delta, leaving the turn
// direction ambiguous.
var ErrDegenerateHeading = errors.New("geo: heading line is degenerate, turn direction ambiguous")

// Position is a latitude/longitude pair in decimal degrees. The zero value is
// the "no fix" sentinel, see IsZero.
type Position struct {
	Latitude  float64
	Longitude float64
}

// IsZero reports whether p is the all-zero sentinel (the Gulf of Guinea),
// treated everywhere as "no position available".
func (p Position) IsZero() bool {
	return p.Latitude == 0 && p.Longitude == 0
}

// Distance returns the haversine great-circle distance between two positions
// in meters.
func Distance(p1, p2 Position) float64 {
	latDelta := toRad(p1.Latitude - p2.Latitude)
	lonDelta := toRad(p1.Longitude - p2.Longitude)

	a := square(math.Sin(latDelta/2)) +
		math.Cos(toRad(p1.Latitude))*
			math.Cos(toRad(p2.Latitude))*
			square(math.Sin(lonDelta/2))

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// BearingCorrection returns the signed angle in degrees the rover must turn to
// re-aim at dest, given the position recorded at the start of the current leg
// (prev) and the current position. Negative angles are left turns, positive
// are right turns.
//
// The magnitude comes from a plane-triangle law-of-cosines construction over
// three measured distances: traveled (prev to current), current to dest and
// prev to dest. The sign is determined by projecting dest onto the line
// through prev and current. If that line has no longitude delta the sign is
// undecidable and ErrDegenerateHeading is returned.
func BearingCorrection(current, prev, dest Position) (float64, error) {
	// Translate so prev sits at the origin; the sign test below works on the
	// translated coordinates.
	current = translate(current, prev)
	dest = translate(dest, prev)
	prev = Position{}

	traveled := Distance(current, prev)
	prevToDest := Distance(prev, dest)
	currentToDest := Distance(current, dest)

	if current.Longitude == 0 {
		return 0, ErrDegenerateHeading
	}

	// Line through the origin and the current position; project the
	// destination's longitude onto it.
	slope := current.Latitude / current.Longitude
	pointOnLine := slope * dest.Longitude

	// Only the sign of this product matters.
	side := (dest.Latitude - pointOnLine) * current.Latitude

	sign := 1.0
	if slope < 0 {
		if side < 0 {
			sign = -1
		}
	} else {
		if side >= 0 {
			sign = -1
		}
	}

	return sign * (math.Pi - interiorAngle(traveled, currentToDest, prevToDest)) * (180 / math.Pi), nil
}

// interiorAngle returns the angle in radians opposite side c of the triangle
// with side lengths a, b and c, via the law of cosines.
func interiorAngle(a, b, c float64) float64 {
	cosValue := -(square(c) - square(a) - square(b)) / (2 * a * b)

	// Clamp against floating point drift before acos.
	cosValue = math.Max(-1, math.Min(1, cosValue))

	return math.Acos(cosValue)
}

func translate(p, origin Position) Position {
	return Position{
		Latitude:  p.Latitude - origin.Latitude,
		Longitude: p.Longitude - origin.Longitude,
	}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func square(v float64) float64 {
	return v * v
}
