package raster

import "math"

// WGS84 ellipsoid and UTM constants.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563

	utmScaleFactor   = 0.9996
	utmFalseEasting  = 500000.0
	utmFalseNorthing = 10000000.0
)

// utmForward projects a WGS84 lon/lat onto the given UTM zone using the
// standard transverse Mercator series expansion. Accuracy is well under a
// meter inside the zone, which is far below the ground sampling distance of
// the imagery this tool reads.
func utmForward(lon, lat float64, zone int, northern bool) (x, y float64) {
	e2 := flattening * (2 - flattening)
	ep2 := e2 / (1 - e2)

	lam0 := (float64(zone-1)*6 - 180 + 3) * math.Pi / 180
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	tanPhi := sinPhi / cosPhi

	n := semiMajorAxis / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := (lam - lam0) * cosPhi

	m := semiMajorAxis * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*phi -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*phi) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*phi) -
		(35*e2*e2*e2/3072)*math.Sin(6*phi))

	x = utmScaleFactor*n*(a+(1-t+c)*a*a*a/6+
		(5-18*t+t*t+72*c-58*ep2)*a*a*a*a*a/120) + utmFalseEasting

	y = utmScaleFactor * (m + n*tanPhi*(a*a/2+
		(5-t+9*c+4*c*c)*a*a*a*a/24+
		(61-58*t+t*t+600*c-330*ep2)*a*a*a*a*a*a/720))

	if !northern {
		y += utmFalseNorthing
	}
	return x, y
}
