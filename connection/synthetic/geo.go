package synthetic

import (
	"math"

	"github.com/anqori/anchorwatch/protocol"
)

const metersPerDegreeLat = 111_320.0

type geoPoint struct {
	lat, lon float64
}

// geoDelta returns the distance in meters and the bearing in degrees from a
// to b on a local equirectangular projection.
func geoDelta(a, b geoPoint) (distance, bearing float64) {
	meanLat := (a.lat + b.lat) / 2 * math.Pi / 180
	metersPerLon := math.Max(1, metersPerDegreeLat*math.Cos(meanLat))
	north := (b.lat - a.lat) * metersPerDegreeLat
	east := (b.lon - a.lon) * metersPerLon
	distance = math.Hypot(north, east)
	bearing = math.Mod(math.Atan2(east, north)*180/math.Pi+360, 360)
	return distance, bearing
}

// shortestDelta is the signed turn from one heading to another in (-180, 180].
func shortestDelta(from, to float64) float64 {
	return math.Mod(math.Mod(to-from+540, 360)+360, 360) - 180
}

func moveToward(from, to, maxStep float64) float64 {
	delta := shortestDelta(from, to)
	if math.Abs(delta) <= maxStep {
		return protocol.NormalizeDegrees(to)
	}
	return protocol.NormalizeDegrees(from + math.Copysign(maxStep, delta))
}

func clampAround(angle, center, maxOffset float64) float64 {
	offset := shortestDelta(center, angle)
	return protocol.NormalizeDegrees(center + math.Max(-maxOffset, math.Min(maxOffset, offset)))
}
