package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/bbr"
	"github.com/AlexKimmel/bbrgate/internal/config"
)

type Route struct {
	ID        string
	Methods   map[string]struct{}
	Prefix    string
	UpURL     *url.URL
	Timeout   time.Duration
	Admission bbr.Config
}

type Router struct {
	routes []*Route
	byID   map[string]*Route
}

func New() *Router {
	return &Router{byID: make(map[string]*Route)}
}

// FromConfig builds a router from validated route config.
func FromConfig(cfg *config.Root) (*Router, error) {
	rr := New()
	for _, rc := range cfg.Routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse upstream url: %w", rc.ID, err)
		}
		if up.Scheme == "" || up.Host == "" {
			return nil, fmt.Errorf("route %s: upstream url %q needs scheme and host", rc.ID, rc.Upstream.URL)
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		rr.Add(&Route{
			ID:        rc.ID,
			Methods:   methods,
			Prefix:    normalizePrefix(rc.Match.PathPrefix),
			UpURL:     up,
			Timeout:   rc.Timeout(),
			Admission: cfg.Admission.LimiterFor(rc.Admission),
		})
	}
	return rr, nil
}

func (r *Router) Add(rt *Route) {
	rt.Prefix = normalizePrefix(rt.Prefix)
	r.routes = append(r.routes, rt)
	r.byID[rt.ID] = rt
}

func (r *Router) Routes() []*Route {
	return r.routes
}

func (r *Router) ByID(id string) (*Route, bool) {
	rt, ok := r.byID[id]
	return rt, ok
}

// Match returns the first route whose method set contains method (an empty
// set matches any method) and whose prefix covers path.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if rt.Prefix == "/" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
