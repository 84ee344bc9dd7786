package spot

import "math"

const (
	// EarthRadiusMeters is the mean Earth radius used for great-circle distance.
	EarthRadiusMeters = 6371000.0

	// CellsPerDegree sets the spatial index grid: 0.01 degree buckets,
	// roughly 1.1 km of latitude.
	CellsPerDegree = 100
)

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Location) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Cell returns the grid cell containing l.
func Cell(l Location) (latCell, lonCell int64) {
	return cellOf(l.Lat), cellOf(l.Lon)
}

func cellOf(deg float64) int64 {
	return int64(math.Floor(deg * CellsPerDegree))
}

// CellRange is an inclusive range of grid cells along one axis.
type CellRange struct {
	Min, Max int64
}

// CellWindow is the set of grid cells that can contain points within a
// radius of a center. Lon holds two ranges when the window wraps the
// antimeridian.
type CellWindow struct {
	Lat CellRange
	Lon []CellRange
}

// Window computes the cell window covering every point within
// radiusMeters of center. It may over-approximate; callers filter with
// Distance.
func Window(center Location, radiusMeters float64) CellWindow {
	angular := radiusMeters / EarthRadiusMeters
	dLat := degrees(angular)

	minLat := center.Lat - dLat
	maxLat := center.Lat + dLat

	w := CellWindow{}
	fullLon := []CellRange{{Min: cellOf(-180), Max: cellOf(180)}}

	if minLat <= -90 || maxLat >= 90 || angular >= math.Pi/2 {
		w.Lat = CellRange{Min: cellOf(math.Max(minLat, -90)), Max: cellOf(math.Min(maxLat, 90))}
		w.Lon = fullLon
		return w
	}
	w.Lat = CellRange{Min: cellOf(minLat), Max: cellOf(maxLat)}

	s := math.Sin(angular) / math.Cos(radians(center.Lat))
	if s >= 1 {
		w.Lon = fullLon
		return w
	}
	dLon := degrees(math.Asin(s))
	minLon := center.Lon - dLon
	maxLon := center.Lon + dLon

	switch {
	case minLon < -180:
		w.Lon = []CellRange{
			{Min: cellOf(minLon + 360), Max: cellOf(180)},
			{Min: cellOf(-180), Max: cellOf(maxLon)},
		}
	case maxLon > 180:
		w.Lon = []CellRange{
			{Min: cellOf(minLon), Max: cellOf(180)},
			{Min: cellOf(-180), Max: cellOf(maxLon - 360)},
		}
	default:
		w.Lon = []CellRange{{Min: cellOf(minLon), Max: cellOf(maxLon)}}
	}
	return w
}

// Offset returns the point reached by travelling distanceMeters from l
// along bearingDeg (clockwise from north).
func Offset(l Location, distanceMeters, bearingDeg float64) Location {
	angular := distanceMeters / EarthRadiusMeters
	bearing := radians(bearingDeg)
	lat1 := radians(l.Lat)
	lon1 := radians(l.Lon)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) +
		math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))

	lon := degrees(lon2)
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return Location{Lat: degrees(lat2), Lon: lon}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
