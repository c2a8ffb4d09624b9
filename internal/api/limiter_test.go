package api

import (
	"testing"

	"labreserve/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestAPIKeyAuthAuthorize(t *testing.T) {
	auth := newAPIKeyAuth(config.APIConfig{Auth: config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{
			{Key: "portal", Extra: "p-extra", Permissions: []string{permReadLabs, " " + permWriteReservations}},
			{Key: "admin", Extra: "a-extra"},
		},
	}})

	assert.Equal(t, apiKeyHeaderDefault, auth.keyHeader)
	assert.Equal(t, apiExtraHeaderDefault, auth.extraHeader)

	tests := []struct {
		name     string
		key      string
		extra    string
		required string
		want     error
	}{
		{"missing key", "", "p-extra", permReadLabs, errMissingAPIKey},
		{"missing extra", "portal", " ", permReadLabs, errMissingAPIKey},
		{"unknown key", "nobody", "x", permReadLabs, errInvalidAPIKey},
		{"wrong extra", "portal", "a-extra", permReadLabs, errInvalidExtra},
		{"granted", "portal", "p-extra", permReadLabs, nil},
		{"granted after trim", "portal", "p-extra", permWriteReservations, nil},
		{"not granted", "portal", "p-extra", permManageApprovals, errPermissionDenied},
		{"no permission needed", "portal", "p-extra", "", nil},
		{"empty list allows all", "admin", "a-extra", permManageApprovals, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.authorize(tt.key, tt.extra, tt.required)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	auth := newAPIKeyAuth(config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 1}})

	assert.True(t, auth.allow("a"))
	assert.False(t, auth.allow("a"))
	assert.True(t, auth.allow("b"), "buckets are per client")

	unlimited := newAPIKeyAuth(config.APIConfig{})
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.allow("a"))
	}
}
