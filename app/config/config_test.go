package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: "3000"},
		Telegram: TelegramConfig{Token: "123:abc"},
		Database: DatabaseConfig{Driver: "sqlite"},
		Queue:    QueueConfig{Backend: "database", MaxAttempts: 3, VisibilityTimeout: time.Minute},
		Worker:   WorkerConfig{Concurrency: 2, MaxFileSizeMB: 50, TempDir: "/tmp/ytdl"},
		Sources:  SourcesConfig{AllowedHosts: []string{"youtube.com"}},
	}
}

func TestDefaults(t *testing.T) {
	viper.Reset()
	setDefaults()

	cfg, err := Decode()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, float64(2), cfg.Queue.BackoffFactor)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedMaxAge)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.FailedMaxAge)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, int64(50*1024*1024), cfg.Worker.MaxFileSizeBytes())
	assert.Equal(t, []string{"default", "android", "simple"}, cfg.Tools.Strategies)
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, validateConfig(validConfig()))

	cfg := validConfig()
	cfg.Telegram.Token = ""
	assert.Error(t, validateConfig(cfg))

	cfg = validConfig()
	cfg.Queue.Backend = "kafka"
	assert.Error(t, validateConfig(cfg))

	cfg = validConfig()
	cfg.Events.Enabled = true
	assert.Error(t, validateConfig(cfg))

	cfg = validConfig()
	cfg.Worker.Concurrency = 0
	require.NoError(t, validateConfig(cfg))
	assert.Equal(t, 2, cfg.Worker.Concurrency)
}
