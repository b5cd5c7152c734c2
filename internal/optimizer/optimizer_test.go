package optimizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOptimizeWithoutVroomURLUsesGreedyPlan(t *testing.T) {
	c := New("", "", zaptest.NewLogger(t))
	jobs := []Job{{ID: 1}, {ID: 2}, {ID: 3}}
	vehicles := []Vehicle{{ID: 10}, {ID: 11}}

	plan := c.Optimize(context.Background(), jobs, vehicles)
	assert.True(t, plan.Fallback)
	assert.Len(t, plan.Routes, 2)

	total := 0
	for _, r := range plan.Routes {
		total += len(r.Steps)
	}
	assert.Equal(t, 3, total, "every job must be assigned exactly once by the fallback plan")
}

func TestOptimizeFallsBackOnVroomFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", zaptest.NewLogger(t))
	plan := c.Optimize(context.Background(), []Job{{ID: 1}}, []Vehicle{{ID: 1}})
	assert.True(t, plan.Fallback)
}

func TestOptimizeUsesVroomResponseWhenAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"routes": []Route{{VehicleID: 1, Steps: []int64{1, 2}}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", zaptest.NewLogger(t))
	plan := c.Optimize(context.Background(), []Job{{ID: 1}, {ID: 2}}, []Vehicle{{ID: 1}})
	require.False(t, plan.Fallback)
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, []int64{1, 2}, plan.Routes[0].Steps)
}

func TestOptimizeWithNoVehiclesIsFallbackWithNoRoutes(t *testing.T) {
	c := New("", "", zaptest.NewLogger(t))
	plan := c.Optimize(context.Background(), []Job{{ID: 1}}, nil)
	assert.True(t, plan.Fallback)
	assert.Empty(t, plan.Routes)
}

func TestRouteWithoutOSRMURLReturnsZeroValue(t *testing.T) {
	c := New("", "", zaptest.NewLogger(t))
	geo, err := c.Route(context.Background(), [][2]float64{{1, 2}, {3, 4}})
	assert.NoError(t, err)
	assert.Equal(t, RouteGeometry{}, geo)
}

func TestRouteFailureIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("", srv.URL, zaptest.NewLogger(t))
	geo, err := c.Route(context.Background(), [][2]float64{{1, 2}, {3, 4}})
	assert.NoError(t, err, "a failing OSRM call must not be surfaced as a request error")
	assert.Equal(t, RouteGeometry{}, geo)
}

func TestRouteReturnsFirstGeometry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"routes": []RouteGeometry{{Geometry: "abc", Distance: 100, Duration: 60}},
		})
	}))
	defer srv.Close()

	c := New("", srv.URL, zaptest.NewLogger(t))
	geo, err := c.Route(context.Background(), [][2]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, "abc", geo.Geometry)
	assert.Equal(t, 100.0, geo.Distance)
}
