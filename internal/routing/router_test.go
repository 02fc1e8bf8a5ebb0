package routing

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Root {
	cfg := &config.Root{}
	cfg.Admission.WindowMS = 5000
	cfg.Admission.WinBucket = 50
	cfg.Admission.CPUThreshold = 80

	var users config.Routes
	users.ID = "users"
	users.Match.PathPrefix = "/users/"
	users.Match.Methods = []string{"get", " POST"}
	users.Upstream.URL = "http://127.0.0.1:9001"
	users.Upstream.TimeoutMS = 250
	threshold := 90.0
	users.Admission.CPUThreshold = &threshold

	var fallback config.Routes
	fallback.ID = "fallback"
	fallback.Match.PathPrefix = ""
	fallback.Upstream.URL = "http://127.0.0.1:9002"

	cfg.Routes = []config.Routes{users, fallback}
	return cfg
}

func TestFromConfig(t *testing.T) {
	rr, err := FromConfig(testConfig())
	require.NoError(t, err)
	require.Len(t, rr.Routes(), 2)

	users, ok := rr.ByID("users")
	require.True(t, ok)
	assert.Equal(t, "/users", users.Prefix)
	assert.Equal(t, "127.0.0.1:9001", users.UpURL.Host)
	assert.Equal(t, 250*time.Millisecond, users.Timeout)
	assert.Equal(t, 90.0, users.Admission.CPUThreshold)
	assert.Equal(t, 50, users.Admission.WinBucket)
	assert.Contains(t, users.Methods, "POST")
}

func TestFromConfig_BadURL(t *testing.T) {
	cfg := testConfig()
	cfg.Routes[0].Upstream.URL = "not a url"
	_, err := FromConfig(cfg)
	assert.Error(t, err)
}

func TestRouter_Match(t *testing.T) {
	rr, err := FromConfig(testConfig())
	require.NoError(t, err)

	tests := []struct {
		method, path string
		want         string
	}{
		{"GET", "/users", "users"},
		{"get", "/users/42", "users"},
		{"POST", "/users/42/orders", "users"},
		{"DELETE", "/users/42", "fallback"},
		{"GET", "/usersx", "fallback"},
		{"PUT", "/anything", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rt, ok := rr.Match(tt.method, tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, rt.ID)
		})
	}
}

func TestRouter_NoMatch(t *testing.T) {
	rr := New()
	rr.Add(&Route{ID: "only-get", Prefix: "/a", Methods: map[string]struct{}{"GET": {}}})

	_, ok := rr.Match("POST", "/a")
	assert.False(t, ok)
	_, ok = rr.Match("GET", "/b")
	assert.False(t, ok)
}

func TestRouteContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := RouteFrom(r)
	assert.False(t, ok)

	rt := &Route{ID: "x"}
	got, ok := RouteFrom(WithRoute(r, rt))
	require.True(t, ok)
	assert.Same(t, rt, got)
}
