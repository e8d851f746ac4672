package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatcher/internal/models"
)

// OSRMClient asks an OSRM routing server for the driving duration between
// two points.
type OSRMClient struct {
	baseURL string
	profile string
	http    *http.Client
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func NewOSRMClient(baseURL string) *OSRMClient {
	return &OSRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

func (o *OSRMClient) EstimateSeconds(from, to models.Location) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.http.Timeout)
	defer cancel()

	// OSRM takes lng,lat pairs.
	path := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.baseURL, o.profile, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm returned %s", resp.Status)
	}

	var route osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		return 0, fmt.Errorf("osrm decode: %w", err)
	}
	if route.Code != "Ok" || len(route.Routes) == 0 {
		return 0, fmt.Errorf("osrm found no route (code %q)", route.Code)
	}
	return route.Routes[0].Duration, nil
}
