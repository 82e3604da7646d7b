package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "sqlite", cfg.DB.Driver)
	require.Equal(t, "openai", cfg.Model.Provider)
	require.Equal(t, 60*time.Second, cfg.Model.Timeout)
	require.Equal(t, 30*time.Second, cfg.AutoSave.Interval)
	require.Equal(t, 25*time.Minute, cfg.Timeout.WarnAfter)
	require.Equal(t, 30*time.Minute, cfg.Timeout.HardAfter)
	require.Equal(t, "server_wins", cfg.SyncPolicy)
	require.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DB_DSN", "postgres://u:p@localhost/db")
	t.Setenv("LLM_PROVIDER", "grpc")
	t.Setenv("MODEL_TIMEOUT", "90")
	t.Setenv("AUTOSAVE_GRACE", "2s")
	t.Setenv("COST_PER_1K_TOKENS", "0.002")
	t.Setenv("LLM_JSON_MODE", "yes")
	t.Setenv("FRONTEND_URL", "https://courses.example.com/, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.DB.Driver)
	require.Equal(t, 90*time.Second, cfg.Model.Timeout)
	require.Equal(t, 2*time.Second, cfg.AutoSave.Grace)
	require.InDelta(t, 0.002, cfg.Model.CostPer1KTokens, 1e-9)
	require.True(t, cfg.Model.JSONMode)
	require.False(t, cfg.IsDevelopment())
	require.Equal(t, []string{"https://courses.example.com", "https://admin.example.com"}, cfg.AllowedOrigins())
}

func TestLoadInvalidFallsBack(t *testing.T) {
	t.Setenv("LLM_MAX_TOKENS", "lots")
	t.Setenv("TRANSCRIPT_LOG_QUEUE_SIZE", "-3")
	t.Setenv("TIMEOUT_HARD_AFTER", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 4000, cfg.Model.MaxTokens)
	require.Equal(t, 1000, cfg.Transcript.QueueSize)
	require.Equal(t, 30*time.Minute, cfg.Timeout.HardAfter)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without dsn", map[string]string{"DB_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"unknown provider", map[string]string{"LLM_PROVIDER": "carrier-pigeon"}},
		{"negative cost", map[string]string{"COST_PER_1K_TOKENS": "-1"}},
		{"empty port", map[string]string{"PORT": ""}},
		{"zero rate limit", map[string]string{"CHAT_RATE_LIMIT": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
