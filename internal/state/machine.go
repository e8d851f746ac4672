// Package state holds the ride status transition table.
package state

import (
	"fmt"

	"github.com/example/ride-dispatcher/internal/models"
)

var transitions = map[models.RideStatus]map[models.RideStatus]struct{}{
	models.RideRequested:    {models.RideDriverPinged: {}, models.RideCancelled: {}},
	models.RideDriverPinged: {models.RideAccepted: {}, models.RideRequested: {}},
	models.RideAccepted:     {models.RideArriving: {}, models.RideRequested: {}, models.RideCancelled: {}},
	models.RideArriving:     {models.RideOnTrip: {}, models.RideCancelled: {}},
	models.RideOnTrip:       {models.RideCompleted: {}, models.RideCancelled: {}},
	models.RideCompleted:    {},
	models.RideCancelled:    {},
}

// CanTransition reports whether from -> to is an edge. Self-transitions are never edges.
func CanTransition(from, to models.RideStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

func Validate(from, to models.RideStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	return nil
}
