package api

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"labreserve/internal/config"
)

// HTTPAuth applies API key auth and per-client rate limiting to HTTP routes.
type HTTPAuth struct {
	keys *apiKeyAuth
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{keys: newAPIKeyAuth(cfg)}
}

// Wrap guards every route except the health check.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}

		if a.keys.enabled {
			err := a.keys.authorize(
				r.Header.Get(a.keys.keyHeader),
				r.Header.Get(a.keys.extraHeader),
				requiredPermissionHTTP(r),
			)
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		}

		if !a.keys.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiredPermissionHTTP(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	switch {
	case strings.HasPrefix(path, "/approvals"),
		strings.HasSuffix(path, "/reject"),
		strings.HasSuffix(path, "/evaluate"):
		return permManageApprovals
	case strings.HasPrefix(path, "/stats"), strings.HasPrefix(path, "/export"):
		return permReadReports
	case strings.HasPrefix(path, "/labs"):
		return permReadLabs
	case strings.HasPrefix(path, "/reservations"):
		if r.Method == http.MethodGet {
			return permReadReservations
		}
		return permWriteReservations
	default:
		return ""
	}
}

// clientKey buckets callers by API key, falling back to the remote host.
func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.keyHeader)); apiKey != "" {
		return apiKey
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
