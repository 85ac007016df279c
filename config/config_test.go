package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("STORE_API_KEY", "key")
	t.Setenv("STORE_BASE_ID", "appBase")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 3, cfg.BatchProcessing.BatchSize)
	assert.Equal(t, 150*time.Millisecond, cfg.BatchProcessing.Pause)
	assert.Equal(t, 5*time.Minute, cfg.Cache.AggregateTTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.LabelTTL)
	assert.Equal(t, 30.0, cfg.Matching.MinScore)
	assert.Equal(t, "5250", cfg.Server.Port)
	assert.False(t, cfg.CRMEnabled(), "CRM is optional")
	assert.False(t, cfg.Geocoding.Enabled)
	assert.Equal(t, time.Second, cfg.Geocoding.Interval)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing store key",
			env:  map[string]string{"STORE_BASE_ID": "appBase"},
		},
		{
			name: "missing base id",
			env:  map[string]string{"STORE_API_KEY": "key"},
		},
		{
			name: "crm token without location",
			env:  map[string]string{"STORE_API_KEY": "key", "STORE_BASE_ID": "appBase", "CRM_API_TOKEN": "tok"},
		},
		{
			name: "zero fan-out",
			env:  map[string]string{"STORE_API_KEY": "key", "STORE_BASE_ID": "appBase", "FANOUT_BATCH_SIZE": "0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_API_KEY", "")
			t.Setenv("STORE_BASE_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestParse_CRMEnabled(t *testing.T) {
	t.Setenv("STORE_API_KEY", "key")
	t.Setenv("STORE_BASE_ID", "appBase")
	t.Setenv("CRM_API_TOKEN", "tok")
	t.Setenv("CRM_LOCATION_ID", "loc1")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.True(t, cfg.CRMEnabled())
}
