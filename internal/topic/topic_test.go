package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic string
		valid bool
	}{
		{"a/b/#", true},
		{"a/#/b", false},
		{"a/+/c", true},
		{"a/b+/c", false},
		{"#", true},
		{"+", true},
		{"+/+/status", true},
		{"sensors/temp-1/reading_raw", true},
		{"", false},
		{"a/b#", false},
		{"a/##", false},
		{"a b/c", false},
		{"a/b/c$", false},
		{"café/menu", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateTopic(tt.topic))
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"site/+/temp", "site/e1/temp", true},
		{"site/+/temp", "site/e1/humidity", false},
		{"site/+/temp", "site/e1/temp/raw", false},
		{"site/#", "site/e1/temp/raw", true},
		{"site/#", "site", true},
		{"#", "anything/at/all", true},
		{"site/e1", "site/e1", true},
		{"site/e1", "site/e2", false},
		{"site/e1/temp", "site/e1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.topic))
		})
	}
}

func TestPermission_Allows(t *testing.T) {
	p := Permission{
		Publish:   []string{"devices/+/telemetry"},
		Subscribe: []string{"devices/#"},
	}

	assert.True(t, p.Allows(KindPublish, "devices/d1/telemetry"))
	assert.False(t, p.Allows(KindPublish, "devices/d1/commands"))
	assert.True(t, p.Allows(KindSubscribe, "devices/d1/commands"))
	assert.False(t, Permission{}.Allows(KindSubscribe, "devices/d1"))
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("publish")
	assert.NoError(t, err)
	assert.Equal(t, "publish_permissions", kind.Field())

	_, err = ParseKind("admin")
	assert.Error(t, err)
}
