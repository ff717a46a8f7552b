package traveltime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/geo"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
)

func routesServer(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGoogle(GoogleConfig{
		Logger:  dispatchtesting.NewLogger(),
		APIKey:  "test-key",
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	return g
}

func TestDispatch_TravelTime_Google_Drive(t *testing.T) {
	t.Parallel()

	var gotReq routesRequest
	var gotHeader http.Header
	g := routesServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"routes": [{"distanceMeters": 9500, "duration": "1234s"}]}`)
	})

	departure := time.Date(2026, 3, 3, 14, 30, 0, 0, time.UTC)
	sample, err := g.TravelTime(context.Background(),
		geo.Point(40.6945, -73.9906), geo.Point(40.7580, -73.9855),
		ModeDriving, departure, TrafficPessimistic)
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute+34*time.Second, sample.Duration)
	require.Equal(t, 9500, sample.DistanceMeters)

	require.Equal(t, "test-key", gotHeader.Get("X-Goog-Api-Key"))
	require.Equal(t, "routes.duration,routes.distanceMeters", gotHeader.Get("X-Goog-FieldMask"))
	require.Equal(t, "DRIVE", gotReq.TravelMode)
	require.Equal(t, "TRAFFIC_AWARE_OPTIMAL", gotReq.RoutingPreference)
	require.Equal(t, "PESSIMISTIC", gotReq.TrafficModel)
	require.Equal(t, "2026-03-03T14:30:00Z", gotReq.DepartureTime)
	require.InDelta(t, 40.6945, gotReq.Origin.Location.LatLng.Latitude, 1e-9)
	require.InDelta(t, -73.9906, gotReq.Origin.Location.LatLng.Longitude, 1e-9)
}

func TestDispatch_TravelTime_Google_Transit(t *testing.T) {
	t.Parallel()

	var gotReq routesRequest
	g := routesServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"routes": [{"distanceMeters": 7000, "duration": "2400s"}]}`)
	})

	_, err := g.TravelTime(context.Background(),
		geo.Point(40.6945, -73.9906), geo.Point(40.7580, -73.9855),
		ModeTransit, time.Now(), TrafficPessimistic)
	require.NoError(t, err)
	require.Equal(t, "TRANSIT", gotReq.TravelMode)
	require.Empty(t, gotReq.RoutingPreference)
	require.Empty(t, gotReq.TrafficModel)
}

func TestDispatch_TravelTime_Google_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		httpCode  int
		body      string
		wantCode  Code
		retryable bool
	}{
		{
			name:      "rate limited",
			httpCode:  http.StatusTooManyRequests,
			body:      `{}`,
			wantCode:  CodeQuota,
			retryable: true,
		},
		{
			name:      "server error",
			httpCode:  http.StatusInternalServerError,
			body:      `{}`,
			wantCode:  CodeTransient,
			retryable: true,
		},
		{
			name:      "resource exhausted",
			httpCode:  http.StatusForbidden,
			body:      `{"error": {"code": 403, "status": "RESOURCE_EXHAUSTED", "message": "quota exceeded"}}`,
			wantCode:  CodeQuota,
			retryable: true,
		},
		{
			name:     "bad request",
			httpCode: http.StatusBadRequest,
			body:     `{"error": {"code": 400, "status": "INVALID_ARGUMENT", "message": "bad waypoint"}}`,
			wantCode: CodeInvalid,
		},
		{
			name:     "no routes",
			httpCode: http.StatusOK,
			body:     `{"routes": []}`,
			wantCode: CodeNoRoute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := routesServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.httpCode)
				fmt.Fprint(w, tt.body)
			})

			_, err := g.TravelTime(context.Background(),
				geo.Point(40.0, -73.0), geo.Point(41.0, -74.0),
				ModeDriving, time.Now(), TrafficBestGuess)
			var te *Error
			require.ErrorAs(t, err, &te)
			require.Equal(t, tt.wantCode, te.Code)
			require.Equal(t, tt.retryable, te.Retryable())
		})
	}
}

func TestDispatch_TravelTime_Google_ParseDuration(t *testing.T) {
	t.Parallel()

	d, err := parseRouteDuration("90s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	d, err = parseRouteDuration("1234.5s")
	require.NoError(t, err)
	require.Equal(t, 1235*time.Second, d)

	for _, raw := range []string{"", "s", "1234", "abcs"} {
		_, err := parseRouteDuration(raw)
		require.Error(t, err, "input %q", raw)
	}
}

func TestDispatch_TravelTime_Google_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGoogle(GoogleConfig{APIKey: "k"})
	require.Error(t, err)

	_, err = NewGoogle(GoogleConfig{Logger: dispatchtesting.NewLogger()})
	require.Error(t, err)
}
