package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// NewUpstreamProxy forwards domain routes to the data platform at target.
// A nil target answers 503 so the edge can run without an upstream.
func NewUpstreamProxy(target *url.URL, timeout time.Duration) http.Handler {
	if target == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusServiceUnavailable, "upstream_not_configured", "Upstream is not configured")
		})
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("upstream", target.Host).Msg("upstream request failed")
			respondError(w, http.StatusBadGateway, "upstream_unavailable", "Upstream request failed")
		},
	}
}
