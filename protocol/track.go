package protocol

import "math"

// TrackPoint is one GPS fix of the boat's track. Points derived server-side
// from state patches leave motion fields nil when the patch carried none.
type TrackPoint struct {
	TS      int64    `json:"ts"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	SOG     *float64 `json:"sogKn"`
	COG     *float64 `json:"cogDeg"`
	Heading *float64 `json:"headingDeg"`
}

// SamePosition reports whether two points share lat/lon exactly.
func (p TrackPoint) SamePosition(o TrackPoint) bool {
	return p.Lat == o.Lat && p.Lon == o.Lon
}

// NormalizeDegrees maps an angle onto [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg+360, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// ToTrackPoint parses a client-side track point. lat and lon must be finite;
// ts defaults to now, speed and course to 0, heading to the course.
func ToTrackPoint(v any) (TrackPoint, bool) {
	obj, ok := v.(Map)
	if !ok {
		return TrackPoint{}, false
	}
	lat, okLat := Float(obj, "lat")
	lon, okLon := Float(obj, "lon")
	if !okLat || !okLon {
		return TrackPoint{}, false
	}

	ts := nowMillis()
	if f, ok := Float(obj, "ts"); ok {
		ts = int64(f)
	}
	sog, _ := Float(obj, "sogKn")
	cog, _ := Float(obj, "cogDeg")
	heading, ok := Float(obj, "headingDeg")
	if !ok {
		heading = cog
	}
	cog = NormalizeDegrees(cog)
	heading = NormalizeDegrees(heading)

	return TrackPoint{TS: ts, Lat: lat, Lon: lon, SOG: &sog, COG: &cog, Heading: &heading}, true
}

// ParseTrackSnapshot extracts the valid points of a track.snapshot payload.
func ParseTrackSnapshot(payload Map) []TrackPoint {
	raw, ok := payload["points"].([]any)
	if !ok {
		return []TrackPoint{}
	}
	out := make([]TrackPoint, 0, len(raw))
	for _, item := range raw {
		if p, ok := ToTrackPoint(item); ok {
			out = append(out, p)
		}
	}
	return out
}

// TrackPointFromState derives a fix from snapshot.telemetry.gps, with motion
// fields from snapshot.telemetry.motion.
func TrackPointFromState(snapshot Map, ts int64) (TrackPoint, bool) {
	rawGPS, _ := Path(snapshot, "telemetry", "gps")
	gps, ok := rawGPS.(Map)
	if !ok {
		return TrackPoint{}, false
	}
	lat, okLat := Float(gps, "lat")
	lon, okLon := Float(gps, "lon")
	if !okLat || !okLon {
		return TrackPoint{}, false
	}

	rawMotion, _ := Path(snapshot, "telemetry", "motion")
	motion, _ := rawMotion.(Map)
	return TrackPoint{
		TS:      ts,
		Lat:     lat,
		Lon:     lon,
		SOG:     FinitePtr(motion["sogKn"]),
		COG:     FinitePtr(motion["cogDeg"]),
		Heading: FinitePtr(motion["headingDeg"]),
	}, true
}
