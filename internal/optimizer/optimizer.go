// Package optimizer is the outbound VROOM/OSRM client (§6.2): the
// mission/route handlers' only view of route-optimization math, which is
// otherwise a non-goal of this substrate. Failure of either call is
// non-fatal to the handler -- it logs and falls back to a greedy plan.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	vroomTimeout = 30 * time.Second
	osrmTimeout  = 15 * time.Second
)

// Job and Vehicle are VROOM's minimal job/vehicle shape -- only the fields
// the mission/route handlers populate.
type Job struct {
	ID       int64     `json:"id"`
	Location []float64 `json:"location"`
}

type Vehicle struct {
	ID         int64     `json:"id"`
	StartIndex []float64 `json:"start"`
}

type planRequest struct {
	Jobs     []Job     `json:"jobs"`
	Vehicles []Vehicle `json:"vehicles"`
	Options  struct {
		G bool `json:"g"`
	} `json:"options"`
}

// Route is VROOM's plan for one vehicle: the ordered job ids it visits.
type Route struct {
	VehicleID int64   `json:"vehicle"`
	Steps     []int64 `json:"steps"`
}

// Plan is the outcome of Optimize, tagged so callers can tell a real VROOM
// plan from the greedy fallback.
type Plan struct {
	Routes   []Route
	Fallback bool
}

// RouteGeometry is OSRM's trimmed response shape.
type RouteGeometry struct {
	Geometry string  `json:"geometry"`
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

// Client calls VROOM_URL and OSRM_URL with the deadlines spec.md §6.2
// fixes. A zero-value Client with empty URLs is valid -- every call then
// short-circuits to the fallback/error path without an HTTP round trip.
type Client struct {
	vroomURL string
	osrmURL  string
	http     *http.Client
	log      *zap.Logger
}

func New(vroomURL, osrmURL string, log *zap.Logger) *Client {
	return &Client{
		vroomURL: vroomURL,
		osrmURL:  osrmURL,
		http:     &http.Client{},
		log:      log,
	}
}

// Optimize calls VROOM with a 30s deadline. On any failure (timeout,
// non-OK, malformed body) it logs and returns greedyPlan's fallback plan
// instead of failing the request. The fallback assigns jobs round-robin
// in input order; it does no nearest-neighbour or other distance-based
// ordering.
func (c *Client) Optimize(ctx context.Context, jobs []Job, vehicles []Vehicle) Plan {
	if c.vroomURL == "" {
		return c.greedyPlan(jobs, vehicles)
	}

	ctx, cancel := context.WithTimeout(ctx, vroomTimeout)
	defer cancel()

	reqBody := planRequest{Jobs: jobs, Vehicles: vehicles}
	reqBody.Options.G = true

	payload, err := json.Marshal(reqBody)
	if err != nil {
		c.log.Warn("optimizer: encode vroom request failed", zap.Error(err))
		return c.greedyPlan(jobs, vehicles)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.vroomURL, bytes.NewReader(payload))
	if err != nil {
		c.log.Warn("optimizer: build vroom request failed", zap.Error(err))
		return c.greedyPlan(jobs, vehicles)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("optimizer: vroom request failed, falling back to greedy plan", zap.Error(err))
		return c.greedyPlan(jobs, vehicles)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("optimizer: vroom returned non-OK status", zap.Int("status", resp.StatusCode))
		return c.greedyPlan(jobs, vehicles)
	}

	var decoded struct {
		Routes []Route `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.log.Warn("optimizer: decode vroom response failed", zap.Error(err))
		return c.greedyPlan(jobs, vehicles)
	}

	return Plan{Routes: decoded.Routes}
}

// greedyPlan assigns jobs to vehicles round-robin in input order -- the
// non-goal-respecting fallback; no distance math, just a deterministic
// assignment that keeps the handler's response shape intact.
func (c *Client) greedyPlan(jobs []Job, vehicles []Vehicle) Plan {
	if len(vehicles) == 0 {
		return Plan{Fallback: true}
	}
	byVehicle := make(map[int64][]int64, len(vehicles))
	for i, job := range jobs {
		v := vehicles[i%len(vehicles)]
		byVehicle[v.ID] = append(byVehicle[v.ID], job.ID)
	}
	routes := make([]Route, 0, len(vehicles))
	for _, v := range vehicles {
		routes = append(routes, Route{VehicleID: v.ID, Steps: byVehicle[v.ID]})
	}
	return Plan{Routes: routes, Fallback: true}
}

// Route calls OSRM with a 15s deadline for the geometry/distance/duration
// of a driving route through waypoints. Failure is non-fatal -- callers
// get a zero-value RouteGeometry and should treat it as "unavailable",
// never as a request error.
func (c *Client) Route(ctx context.Context, waypoints [][2]float64) (RouteGeometry, error) {
	if c.osrmURL == "" || len(waypoints) < 2 {
		return RouteGeometry{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, osrmTimeout)
	defer cancel()

	coords := ""
	for i, wp := range waypoints {
		if i > 0 {
			coords += ";"
		}
		coords += fmt.Sprintf("%f,%f", wp[0], wp[1])
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s", c.osrmURL, coords)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Warn("optimizer: build osrm request failed", zap.Error(err))
		return RouteGeometry{}, nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("optimizer: osrm request failed", zap.Error(err))
		return RouteGeometry{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("optimizer: osrm returned non-OK status", zap.Int("status", resp.StatusCode))
		return RouteGeometry{}, nil
	}

	var decoded struct {
		Routes []RouteGeometry `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.log.Warn("optimizer: decode osrm response failed", zap.Error(err))
		return RouteGeometry{}, nil
	}
	if len(decoded.Routes) == 0 {
		return RouteGeometry{}, nil
	}
	return decoded.Routes[0], nil
}
