package geo

import (
	"fmt"
	"sync"

	"github.com/example/ride-dispatcher/internal/models"
)

// Geo is the driver index consulted by the matcher. Cells are geohashes at
// Precision.
type Geo interface {
	Upsert(d *models.Driver) error
	Find(cells []string) ([]models.GeoDriver, error)
	Get(driverID string) (models.GeoDriver, bool)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.GeoDriver
	cells   map[string]map[string]struct{}
	cellOf  map[string]string
}

func NewIndex() *Index {
	return &Index{
		drivers: make(map[string]models.GeoDriver),
		cells:   make(map[string]map[string]struct{}),
		cellOf:  make(map[string]string),
	}
}

func (g *Index) Upsert(d *models.Driver) error {
	if d == nil || d.ID() == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrInvalidInput)
	}
	loc, hash := d.Position()
	if hash == "" {
		return fmt.Errorf("%w: driver %s has no location", models.ErrInvalidInput, d.ID())
	}
	id := d.ID()

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.cellOf[id]; ok && prev != hash {
		delete(g.cells[prev], id)
		if len(g.cells[prev]) == 0 {
			delete(g.cells, prev)
		}
	}
	set, ok := g.cells[hash]
	if !ok {
		set = make(map[string]struct{})
		g.cells[hash] = set
	}
	set[id] = struct{}{}
	g.cellOf[id] = hash
	g.drivers[id] = models.GeoDriver{DriverID: id, Lat: loc.Lat, Lng: loc.Lng}
	return nil
}

func (g *Index) Find(cells []string) ([]models.GeoDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]models.GeoDriver, 0)
	for _, c := range cells {
		for id := range g.cells[c] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if gd, ok := g.drivers[id]; ok {
				out = append(out, gd)
			}
		}
	}
	return out, nil
}

func (g *Index) Get(driverID string) (models.GeoDriver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gd, ok := g.drivers[driverID]
	return gd, ok
}
