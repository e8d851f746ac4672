package eta

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatcher/internal/models"
)

// GoogleClient estimates driving time with the Google Maps Directions API.
type GoogleClient struct {
	client  *maps.Client
	timeout time.Duration
}

func NewGoogleClient(apiKey string, opts ...maps.ClientOption) (*GoogleClient, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: client, timeout: 2 * time.Second}, nil
}

func (g *GoogleClient) EstimateSeconds(from, to models.Location) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, fmt.Errorf("no route found")
	}
	return routes[0].Legs[0].Duration.Seconds(), nil
}

func latLng(l models.Location) string {
	return fmt.Sprintf("%f,%f", l.Lat, l.Lng)
}
