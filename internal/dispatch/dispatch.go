// Package dispatch delivers ping offers to drivers.
package dispatch

import "github.com/example/ride-dispatcher/internal/models"

// Notifier tells a driver that a ride has been offered to them. Delivery is
// best-effort: the ping timeout covers drivers that never hear about it.
type Notifier interface {
	Offer(offer models.PingOffer) error
}
