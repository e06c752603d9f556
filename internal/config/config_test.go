package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNING_KEY", "test-signing-key")
	t.Setenv("PORT", "")
	t.Setenv("RECORDING_EXTENSION", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ".mp4", cfg.Recording.Extension)
	assert.Equal(t, 3*time.Second, cfg.Recording.StartDelay)
	assert.Equal(t, []string{"*"}, cfg.Security.CORSOrigins)
	assert.False(t, cfg.Security.GrantAutoApprove)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SIGNING_KEY", "test-signing-key")
	t.Setenv("PORT", "9090")
	t.Setenv("RECORDING_EXTENSION", "MKV")
	t.Setenv("START_DELAY", "250ms")
	t.Setenv("GRANT_AUTO_APPROVE", "true")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("PUBLIC_URL", "https://rec.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ".mkv", cfg.Recording.Extension)
	assert.Equal(t, 250*time.Millisecond, cfg.Recording.StartDelay)
	assert.True(t, cfg.Security.GrantAutoApprove)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Security.CORSOrigins)
	assert.Equal(t, "https://rec.example.com", cfg.Server.PublicURL)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing signing key",
			env:  map[string]string{"SIGNING_KEY": ""},
		},
		{
			name: "bad port",
			env:  map[string]string{"SIGNING_KEY": "k", "PORT": "eighty"},
		},
		{
			name: "bad rotation",
			env:  map[string]string{"SIGNING_KEY": "k", "DISPLAY_ROTATION": "45"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SIGNING_KEY", "test-signing-key")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Display.Width = 0
	assert.Error(t, cfg.Validate())

	cfg.Display.Width = 1280
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}
