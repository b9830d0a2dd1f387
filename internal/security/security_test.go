package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/config"
)

func TestInputSanitizer_SanitizeString(t *testing.T) {
	s := NewInputSanitizer(DefaultSanitizerConfig())

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Main building", "Main building"},
		{"tags stripped", "<b>Lobby</b>", "Lobby"},
		{"entities kept as text", "Tom & Jerry", "Tom & Jerry"},
		{"trimmed", "  Room 101  ", "Room 101"},
		{"null bytes", "a\x00b", "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SanitizeString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := s.SanitizeString(`hello<script>alert(1)</script>`)
	require.NoError(t, err)
	assert.NotContains(t, got, "<script")
}

func TestInputSanitizer_MaxLength(t *testing.T) {
	s := NewInputSanitizer(SanitizerConfig{Enabled: true, MaxStringLength: 5})

	got, err := s.SanitizeString("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, "abcde", got)

	strict := NewInputSanitizer(SanitizerConfig{Enabled: true, MaxStringLength: 5, StrictMode: true})
	_, err = strict.SanitizeString("abcdefgh")
	assert.Error(t, err)
}

func TestInputSanitizer_SanitizeFields(t *testing.T) {
	s := NewInputSanitizer(DefaultSanitizerConfig())

	record := map[string]any{
		"name":        "<i>Edge</i> one",
		"description": 42,
		"metadata":    map[string]any{"note": "<b>x</b>"},
	}

	require.NoError(t, s.SanitizeFields(record, []string{"name", "description", "missing"}))
	assert.Equal(t, "Edge one", record["name"])
	assert.Equal(t, 42, record["description"])
	assert.Equal(t, map[string]any{"note": "<b>x</b>"}, record["metadata"])
}

func TestInputSanitizer_Disabled(t *testing.T) {
	s := NewInputSanitizer(SanitizerConfig{})
	got, err := s.SanitizeString("<b>x</b>")
	require.NoError(t, err)
	assert.Equal(t, "<b>x</b>", got)
}

func TestInputSanitizer_SanitizeFilename(t *testing.T) {
	s := NewInputSanitizer(DefaultSanitizerConfig())

	got, err := s.SanitizeFilename("../../etc/floor plan.png")
	require.NoError(t, err)
	assert.Equal(t, "floor plan.png", got)

	got, err = s.SanitizeFilename(`C:\plans\level1.svg`)
	require.NoError(t, err)
	assert.Equal(t, "level1.svg", got)

	_, err = s.SanitizeFilename("   ")
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	disabled := NewRateLimiter(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, disabled.Allow("any"))
	}
	require.NoError(t, disabled.Wait(context.Background(), "any"))

	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2})
	assert.True(t, rl.Allow("edges"))
	assert.True(t, rl.Allow("edges"))
	assert.False(t, rl.Allow("edges"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "edges"))
}

func TestRateLimiter_EndpointLimit(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 100, BurstSize: 100})
	rl.SetEndpointLimit("/pb/api/logs", 1, 1)

	assert.True(t, rl.Allow("/pb/api/logs"))
	assert.False(t, rl.Allow("/pb/api/logs"))
	assert.True(t, rl.Allow("/pb/api/collections/edges/records"))
}
