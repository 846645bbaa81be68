package web

import (
	"context"
	"encoding/json"
	"geogate/internal/geo"
	"geogate/internal/metrics"
	"geogate/internal/policy"
	"geogate/internal/testutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	testutil.CaptureLogs(t)
	return NewServer(Options{
		Lookup: geo.Static{
			"203.0.113.7":  "CN",
			"198.51.100.1": "US",
		},
		Rules:    policy.Rules{BlockIfIn: policy.NewCountrySet("CN")},
		Metrics:  metrics.New().Handler(),
		Database: fakeDatabase{},
	})
}

type fakeDatabase struct{}

func (fakeDatabase) Enabled() bool        { return true }
func (fakeDatabase) Path() string         { return "/var/lib/GeoIP/GeoLite2-Country.mmdb" }
func (fakeDatabase) DatabaseType() string { return "GeoLite2-Country" }
func (fakeDatabase) BuildTime() time.Time { return time.Date(2026, time.October, 14, 0, 0, 0, 0, time.UTC) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeLookup(t *testing.T, rec *httptest.ResponseRecorder) LookupResponse {
	t.Helper()
	var resp LookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s.Handler(), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{
		"status": "ok",
		"geoip": "enabled",
		"geoip_path": "/var/lib/GeoIP/GeoLite2-Country.mmdb",
		"geoip_type": "GeoLite2-Country",
		"geoip_build_time": "2026-10-14T00:00:00Z"
	}`, rec.Body.String())
}

func TestHealthWithoutDatabase(t *testing.T) {
	testutil.CaptureLogs(t)
	s := NewServer(Options{Lookup: geo.Disabled(), Database: geo.Disabled()})
	rec := get(t, s.Handler(), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","geoip":"disabled"}`, rec.Body.String())
}

func TestLookup(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		ip   string
		want LookupResponse
	}{
		{"203.0.113.7", LookupResponse{IP: "203.0.113.7", Country: "CN", Action: "deny", Rule: policy.RuleBlockIfIn}},
		{"198.51.100.1", LookupResponse{IP: "198.51.100.1", Country: "US", Action: "allow", Rule: policy.RuleBlockIfIn}},
		{"192.0.2.99", LookupResponse{IP: "192.0.2.99", Country: "", Action: "allow", Rule: policy.RuleUnknownCountry}},
		{"2001:db8::1", LookupResponse{IP: "2001:db8::1", Country: "", Action: "allow", Rule: policy.RuleUnknownCountry}},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			rec := get(t, s.Handler(), "/lookup/"+tt.ip)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.want, decodeLookup(t, rec))
		})
	}
}

func TestLookupRejectsInvalidIP(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s.Handler(), "/lookup/not-an-ip")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid IP address")
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "geogate_uptime_seconds"))
}

func TestMetricsRouteAbsentWithoutHandler(t *testing.T) {
	testutil.CaptureLogs(t)
	s := NewServer(Options{})
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}
}
