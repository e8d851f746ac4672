package matcher

import (
	"context"
	"time"

	"github.com/example/ride-dispatcher/internal/models"
)

// Run re-dispatches rides left in REQUESTED every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryRequested()
		}
	}
}

// RetryRequested dispatches every ride currently waiting in REQUESTED and
// returns how many got a driver pinged.
func (s *Service) RetryRequested() int {
	pinged := 0
	for _, ride := range s.Store.Rides() {
		if !waiting(ride) {
			continue
		}
		if _, ok := s.Dispatch(ride); ok {
			pinged++
		}
	}
	return pinged
}

// waiting peeks at the status without queuing behind a busy ride.
func waiting(ride *models.Ride) bool {
	if !ride.TryLock(0) {
		return false
	}
	defer ride.Unlock()
	return ride.Status == models.RideRequested
}
