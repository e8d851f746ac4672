package state

import (
	"time"

	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
)

// Transition validates and applies a status change. The caller must hold the
// ride lock. On error the ride is left untouched.
func Transition(r *models.Ride, to models.RideStatus) (models.RideStatus, error) {
	from := r.Status
	if err := Validate(from, to); err != nil {
		return from, err
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	observability.RideTransitions.WithLabelValues(string(from), string(to)).Inc()
	return from, nil
}
