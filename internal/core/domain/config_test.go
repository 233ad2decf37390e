package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_Validates(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestAppConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{"memory needs no dsn", func(c *AppConfig) { c.Storage = StorageConfig{Driver: "memory"} }, ""},
		{"unknown driver", func(c *AppConfig) { c.Storage.Driver = "sqlite" }, "unsupported storage driver"},
		{"postgres without dsn", func(c *AppConfig) { c.Storage = StorageConfig{Driver: "postgres"} }, "dsn is required"},
		{"negative retries", func(c *AppConfig) { c.Workflow.MaxRetries = -1 }, "max_retries"},
		{"floor above threshold", func(c *AppConfig) { c.Workflow.Quality.RetryThresholdFloor = 90 }, "retry_threshold_floor"},
		{"tracker without url", func(c *AppConfig) { c.Tracker.Enabled = true }, "base_url"},
		{"zero batch", func(c *AppConfig) { c.Batch.MaxItems = 0 }, "batch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
