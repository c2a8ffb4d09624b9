package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"labreserve/internal/config"

	"golang.org/x/time/rate"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"
	defaultBurst          = 5
)

const (
	permReadReservations  = "read:reservations"
	permWriteReservations = "write:reservations"
	permManageApprovals   = "manage:approvals"
	permReadLabs          = "read:labs"
	permReadReports       = "read:reports"
)

var (
	errMissingAPIKey    = errors.New("missing api key headers")
	errInvalidAPIKey    = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
)

// apiKeyAuth checks API key pairs and permissions and throttles per client.
// HTTP and gRPC front it with their own header extraction.
type apiKeyAuth struct {
	enabled     bool
	keyHeader   string
	extraHeader string
	clients     map[string]config.APIClientKey
	limiter     *rateLimiter
}

func newAPIKeyAuth(cfg config.APIConfig) *apiKeyAuth {
	clients := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		clients[k.Key] = k
	}
	return &apiKeyAuth{
		enabled:     cfg.Auth.Enabled,
		keyHeader:   headerName(cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault),
		extraHeader: headerName(cfg.Auth.HeaderExtra, apiExtraHeaderDefault),
		clients:     clients,
		limiter:     newRateLimiter(cfg.RateLimit),
	}
}

func headerName(name, fallback string) string {
	if h := strings.ToLower(strings.TrimSpace(name)); h != "" {
		return h
	}
	return fallback
}

// authorize validates the key pair and checks that the client holds the
// permission. An empty required permission or an empty client permission
// list lets the call through.
func (a *apiKeyAuth) authorize(apiKey, extra, required string) error {
	apiKey, extra = strings.TrimSpace(apiKey), strings.TrimSpace(extra)
	if apiKey == "" || extra == "" {
		return errMissingAPIKey
	}
	client, ok := a.clients[apiKey]
	if !ok {
		return errInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errInvalidExtra
	}

	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

// allow takes a token from the client's bucket. Without a configured rate it always allows.
func (a *apiKeyAuth) allow(clientKey string) bool {
	if !a.limiter.enabled() {
		return true
	}
	return a.limiter.get(clientKey).Allow()
}

// rateLimiter keeps one token bucket per client key.
type rateLimiter struct {
	limiters sync.Map
	limit    rate.Limit
	burst    int
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &rateLimiter{limit: rate.Limit(cfg.RPS), burst: burst}
}

func (l *rateLimiter) enabled() bool {
	return l.limit > 0
}

func (l *rateLimiter) get(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.limit, l.burst))
	return actual.(*rate.Limiter)
}
