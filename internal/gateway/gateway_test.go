package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/AlexKimmel/bbrgate/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	mu    sync.Mutex
	err   error
	calls int
	done  []bbr.DoneInfo
}

func (f *fakeAdmitter) Allow() (bbr.DoneFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return func(di bbr.DoneInfo) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.done = append(f.done, di)
	}, nil
}

func withRoute(h http.Handler, id string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, routing.WithRoute(r, &routing.Route{ID: id}))
	})
}

func admitterFor(f *fakeAdmitter, seen *string) AdmitterFor {
	return func(routeID string) (Admitter, error) {
		if seen != nil {
			*seen = routeID
		}
		return f, nil
	}
}

func status(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestAdmission_Admitted(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		success bool
	}{
		{"ok", http.StatusOK, true},
		{"client error", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAdmitter{}
			var seen string
			h := withRoute(Admission(admitterFor(f, &seen), nil, nil)(status(tt.code)), "users")

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "users", seen)
			require.Len(t, f.done, 1)
			assert.Equal(t, tt.success, f.done[0].Success)
		})
	}
}

func TestAdmission_Rejected(t *testing.T) {
	f := &fakeAdmitter{err: bbr.ErrLimitExceed}
	var rejected []string
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	h := withRoute(Admission(admitterFor(f, nil), nil, func(id string) {
		rejected = append(rejected, id)
	})(next), "orders")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"code":"overloaded"`)
	assert.Equal(t, []string{"orders"}, rejected)
	assert.Empty(t, f.done)
}

func TestAdmission_PanicReportsFailure(t *testing.T) {
	f := &fakeAdmitter{}
	h := withRoute(Admission(admitterFor(f, nil), nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})), "r")

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	require.Len(t, f.done, 1)
	assert.False(t, f.done[0].Success)
}

func TestAdmission_SkipAndUnknownRoute(t *testing.T) {
	f := &fakeAdmitter{}
	var seen string
	h := Admission(admitterFor(f, &seen), map[string]struct{}{"/health": {}}, nil)(status(http.StatusOK))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Zero(t, f.calls)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "unknown", seen)
}

func TestAdmission_ResolveError(t *testing.T) {
	h := Admission(func(string) (Admitter, error) {
		return nil, errors.New("bad config")
	}, nil, nil)(status(http.StatusOK))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "admission_error")
}

func TestAdmission_RealLimiter(t *testing.T) {
	l, err := bbr.New(bbr.DefaultConfig(), bbr.WithCPU(constCPU(0)), bbr.WithJanitor(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	h := withRoute(Admission(func(string) (Admitter, error) { return l, nil }, nil, nil)(status(http.StatusOK)), "r")
	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Zero(t, l.Stat().InFlight)
}

type constCPU float64

func (c constCPU) Load() float64 { return float64(c) }

func TestRouteMatcher(t *testing.T) {
	rr := routing.New()
	rr.Add(&routing.Route{ID: "api", Prefix: "/api"})

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt, ok := routing.RouteFrom(r); ok {
			got = rt.ID
		}
	})
	h := RouteMatcher(rr, map[string]struct{}{"/health": {}})(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api", got)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_route")

	got = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, got)
}

func TestBodyLimit(t *testing.T) {
	var readErr error
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abc")))
	assert.NoError(t, readErr)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdef")))
	var maxErr *http.MaxBytesError
	assert.ErrorAs(t, readErr, &maxErr)
}

func TestStatusRecorder(t *testing.T) {
	rec := NewStatusRecorder(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rec.Status())

	n, err := rec.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	rec.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rec.Status())
	assert.Equal(t, 5, rec.Bytes())
}
