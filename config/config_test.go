package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENCRYPTION_KEY", "key")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com/")
	t.Setenv("SEQUENCE_PASS_INTERVAL", "30s")
	t.Setenv("SEQUENCE_RETRY_BACKOFF", "-1m")
	t.Setenv("SEQUENCE_BATCH_SIZE", "abc")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	require.NoError(t, LoadConfig())
	assert.Equal(t, "https://t.example.com", AppConfig.TrackingBaseURL)
	assert.Equal(t, 30*time.Second, AppConfig.Sequence.PassInterval)
	assert.Equal(t, 5*time.Minute, AppConfig.Sequence.RetryBackoff, "non-positive durations fall back")
	assert.Equal(t, 100, AppConfig.Sequence.BatchSize)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, AppConfig.AllowedOrigins)
	assert.Equal(t, 15*time.Minute, AppConfig.Sequence.ScoreSweepInterval)
}

func TestLoadConfig_RequiresSecrets(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENCRYPTION_KEY", "")
	assert.ErrorContains(t, LoadConfig(), "ENCRYPTION_KEY")

	t.Setenv("ENCRYPTION_KEY", "key")
	t.Setenv("SEQUENCE_BATCH_SIZE", "0")
	assert.ErrorContains(t, LoadConfig(), "SEQUENCE_BATCH_SIZE")
}

func TestLoadConfig_SeparateSecrets(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENCRYPTION_KEY", "master")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TRACKING_SECRET", "")

	require.NoError(t, LoadConfig())
	assert.NotEmpty(t, AppConfig.JWTSecret)
	assert.NotEmpty(t, AppConfig.TrackingSecret)
	assert.NotEqual(t, "master", AppConfig.JWTSecret)
	assert.NotEqual(t, "master", AppConfig.TrackingSecret)
	assert.NotEqual(t, AppConfig.JWTSecret, AppConfig.TrackingSecret)

	t.Setenv("JWT_SECRET", "jwt-key")
	t.Setenv("TRACKING_SECRET", "tracking-key")
	require.NoError(t, LoadConfig())
	assert.Equal(t, "jwt-key", AppConfig.JWTSecret)
	assert.Equal(t, "tracking-key", AppConfig.TrackingSecret)
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=x", maskPassword("host=db password=secret dbname=x"))
	assert.Equal(t, "host=db password=*****", maskPassword("host=db password=secret"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
