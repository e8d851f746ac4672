package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatcher/internal/models"
)

// Precision is the geohash length used for bucketing drivers (~1.2km x 0.6km cells).
const Precision = 6

func Encode(loc models.Location) string {
	return geohash.EncodeWithPrecision(loc.Lat, loc.Lng, Precision)
}

// Rings walks outward from center. The first call to next returns ring 0
// (the center cell alone); each later call returns the cells one more
// neighbour step away that have not been returned before.
type Rings struct {
	visited  map[string]struct{}
	frontier []string
	ring     int
}

func NewRings(center string) *Rings {
	return &Rings{visited: map[string]struct{}{}, frontier: []string{center}, ring: -1}
}

func (r *Rings) Next() (int, []string) {
	r.ring++
	if r.ring == 0 {
		r.visited[r.frontier[0]] = struct{}{}
		return 0, r.frontier
	}
	next := make([]string, 0, 8*len(r.frontier))
	for _, h := range r.frontier {
		for _, adj := range geohash.Neighbors(h) {
			if _, seen := r.visited[adj]; seen {
				continue
			}
			r.visited[adj] = struct{}{}
			next = append(next, adj)
		}
	}
	r.frontier = next
	return r.ring, next
}

// Ring returns the cells exactly ring steps from center.
func Ring(center string, ring int) []string {
	r := NewRings(center)
	var cells []string
	for i := 0; i <= ring; i++ {
		_, cells = r.Next()
	}
	return cells
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func Distance(a, b models.Location) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}
