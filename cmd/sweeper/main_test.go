package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"storegate/internal/config"
)

func TestNewMultiplexerBackends(t *testing.T) {
	tests := []struct {
		backend       string
		wantOperation bool
	}{
		{"postgres", true},
		{"redis", false},
		{"memory", false},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Usage.Backend = tt.backend
			cfg.Sweeper.LockWindow = 10 * time.Minute
			cfg.Sweeper.OperationRetention = 24 * time.Hour

			mux := newMultiplexer(cfg, nil, "w-1", slog.Default())

			assert.Equal(t, tt.wantOperation, mux.Operations != nil)
			assert.NotNil(t, mux.Expirer)
			assert.NotNil(t, mux.Deliveries)
			assert.Equal(t, 10*time.Minute, mux.LockWindow)
			assert.Equal(t, 24*time.Hour, mux.Retention.Operations)
			assert.Equal(t, "w-1", mux.WorkerID)
		})
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := newLogger("loud")

	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
}
