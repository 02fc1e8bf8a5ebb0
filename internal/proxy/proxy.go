package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/AlexKimmel/bbrgate/internal/obs"
	"github.com/AlexKimmel/bbrgate/internal/routing"
	"github.com/rs/zerolog/hlog"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type Option func(*Proxy)

// WithErrorHook is told the route of every request the upstream did not answer.
func WithErrorHook(fn func(routeID string)) Option {
	return func(p *Proxy) { p.onError = fn }
}

// Proxy forwards requests to the upstream of the route stored by RouteMatcher.
type Proxy struct {
	byRoute map[string]*httputil.ReverseProxy
	onError func(routeID string)
}

func New(rr *routing.Router, tr http.RoundTripper, opts ...Option) *Proxy {
	p := &Proxy{byRoute: make(map[string]*httputil.ReverseProxy, len(rr.Routes()))}
	for _, opt := range opts {
		opt(p)
	}
	for _, rt := range rr.Routes() {
		p.byRoute[rt.ID] = p.reverseProxy(rt, tr)
	}
	return p
}

func (p *Proxy) reverseProxy(rt *routing.Route, tr http.RoundTripper) *httputil.ReverseProxy {
	up := rt.UpURL
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(up)
			pr.SetXForwarded()
			if id := obs.RequestID(pr.In); id != "" {
				pr.Out.Header.Set(obs.RequestIDHeader, id)
			}
		},
		Transport: tr,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			code, msg := http.StatusBadGateway, "bad_gateway"
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
				code, msg = http.StatusGatewayTimeout, "upstream_timeout"
			}
			hlog.FromRequest(r).Warn().Err(err).
				Str("route", rt.ID).
				Str("upstream", up.Host).
				Msg("[proxy] upstream request failed")
			if p.onError != nil {
				p.onError(rt.ID)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"code":"` + msg + `","message":"upstream unavailable"}}`))
		},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := routing.RouteFrom(r)
	var rp *httputil.ReverseProxy
	if ok {
		rp, ok = p.byRoute[rt.ID]
	}
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"no_route_ctx","message":"route not in context"}}`))
		return
	}

	if rt.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	rp.ServeHTTP(w, r)
}
