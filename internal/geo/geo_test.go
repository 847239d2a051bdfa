package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance_KnownPair(t *testing.T) {
	// Gulshan-ish pair, roughly 5.6 km apart.
	a := Point{Lat: 24.90, Lon: 67.05}
	b := Point{Lat: 24.95, Lon: 67.05}

	d := Distance(a, b)
	assert.InDelta(t, 5559.0, d, 50.0)
}

func TestDistance_SamePoint(t *testing.T) {
	p := Point{Lat: 24.90, Lon: 67.05}
	assert.Equal(t, 0.0, Distance(p, p))
}

func TestPoint_Validate(t *testing.T) {
	cases := []struct {
		name    string
		p       Point
		wantErr bool
	}{
		{"valid", Point{Lat: 24.9, Lon: 67.0}, false},
		{"nan lat", Point{Lat: math.NaN(), Lon: 0}, true},
		{"inf lon", Point{Lat: 0, Lon: math.Inf(1)}, true},
		{"lat too high", Point{Lat: 91, Lon: 0}, true},
		{"lon too low", Point{Lat: 0, Lon: -181}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPositionAlongRoute_Interpolates(t *testing.T) {
	waypoints := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
	}

	total := Distance(waypoints[0], waypoints[1])

	pos, done := PositionAlongRoute(waypoints, total/2)
	require.False(t, done)
	assert.InDelta(t, 0.5, pos.Lon, 0.01)
}

func TestPositionAlongRoute_ClampsAtEnd(t *testing.T) {
	waypoints := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
	}

	total := Distance(waypoints[0], waypoints[1])

	pos, done := PositionAlongRoute(waypoints, total*2)
	require.True(t, done)
	assert.Equal(t, waypoints[1], pos)
}

func TestPositionAlongRoute_EmptyWaypoints(t *testing.T) {
	pos, done := PositionAlongRoute(nil, 100)
	assert.True(t, done)
	assert.Equal(t, Point{}, pos)
}

func TestDeviationFromRoute_OnSegment(t *testing.T) {
	waypoints := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
	}

	d := DeviationFromRoute(Point{Lat: 0, Lon: 0.5}, waypoints)
	assert.InDelta(t, 0, d, 1.0)
}

func TestDeviationFromRoute_OffSegment(t *testing.T) {
	waypoints := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
	}

	// roughly 0.002 degrees north of the midpoint, ~222m
	d := DeviationFromRoute(Point{Lat: 0.002, Lon: 0.5}, waypoints)
	assert.Greater(t, d, 150.0)
	assert.Less(t, d, 300.0)
}

func TestDeviationFromRoute_SingleWaypoint(t *testing.T) {
	waypoints := []Point{{Lat: 0, Lon: 0}}
	d := DeviationFromRoute(Point{Lat: 0, Lon: 1}, waypoints)
	assert.Greater(t, d, 0.0)
}
