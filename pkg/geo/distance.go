// Package geo provides the great-circle distance helper used by relay
// selection (spec.md §4.5) to pick the geographically nearest relays to a
// gateway.
package geo

import "math"

const earthRadiusKM = 6371.0

// Point is a (lat, lon) coordinate pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// HaversineKM returns the great-circle distance between a and b in
// kilometers.
func HaversineKM(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
