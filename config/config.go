package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	// Record store holding buyers, properties and matches
	Store struct {
		APIKey  string `env:"STORE_API_KEY,required"`
		BaseID  string `env:"STORE_BASE_ID,required"`
		BaseURL string `env:"STORE_BASE_URL" envDefault:"https://api.airtable.com/v0"`
	}

	// CRM association graph. An empty token disables relation sync.
	CRM struct {
		APIToken          string `env:"CRM_API_TOKEN"`
		LocationID        string `env:"CRM_LOCATION_ID"`
		BaseURL           string `env:"CRM_BASE_URL" envDefault:"https://services.leadconnectorhq.com"`
		PropertyObjectKey string `env:"CRM_PROPERTY_OBJECT" envDefault:"custom_objects.properties"`
		AddressField      string `env:"CRM_PROPERTY_ADDRESS_FIELD" envDefault:"address"`
		OpportunityField  string `env:"CRM_PROPERTY_OPPORTUNITY_FIELD" envDefault:"opportunity_id"`
		StageMappingPath  string `env:"CRM_STAGE_MAPPING_PATH"`
	}

	// Retry policy for rate-limited upstreams
	Retry struct {
		MaxRetries   int           `env:"HTTP_MAX_RETRIES" envDefault:"3"`
		InitialDelay time.Duration `env:"HTTP_BACKOFF_INITIAL" envDefault:"1s"`
		MaxDelay     time.Duration `env:"HTTP_BACKOFF_MAX" envDefault:"5s"`
		Timeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	}

	// BatchProcessing controls concurrent fan-out against the record store
	BatchProcessing struct {
		// Number of requests sent concurrently in one batch
		BatchSize int `env:"FANOUT_BATCH_SIZE" envDefault:"3"`

		// Pause between batches
		Pause time.Duration `env:"FANOUT_PAUSE" envDefault:"150ms"`
	}

	Cache struct {
		AggregateTTL time.Duration `env:"AGGREGATE_CACHE_TTL" envDefault:"5m"`
		LabelTTL     time.Duration `env:"LABEL_CACHE_TTL" envDefault:"30m"`

		// SQLite file for the cache; empty keeps the cache in memory
		DBPath string `env:"CACHE_DB_PATH"`

		// How often the scheduler checks for staleness; 0 disables it
		AutoSyncInterval time.Duration `env:"AUTO_SYNC_INTERVAL" envDefault:"15m"`
	}

	Matching struct {
		MinScore float64 `env:"MATCH_MIN_SCORE" envDefault:"30"`
	}

	// Geocoding of properties without coordinates, used for radius searches
	Geocoding struct {
		Enabled   bool          `env:"GEOCODING_ENABLED" envDefault:"false"`
		BaseURL   string        `env:"GEOCODER_BASE_URL" envDefault:"https://nominatim.openstreetmap.org"`
		UserAgent string        `env:"GEOCODER_USER_AGENT" envDefault:"dealflow-matcher/1.0"`
		Interval  time.Duration `env:"GEOCODER_INTERVAL" envDefault:"1s"`
	}

	Server struct {
		Port           string   `env:"PORT" envDefault:"5250"`
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
		LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	}
}

// CRMEnabled reports whether CRM credentials were supplied.
func (c *Config) CRMEnabled() bool {
	return c.CRM.APIToken != ""
}

// LoadConfig reads the environment, after loading a .env file if present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment without touching .env files.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("HTTP_MAX_RETRIES must not be negative")
	}
	if c.BatchProcessing.BatchSize < 1 {
		return fmt.Errorf("FANOUT_BATCH_SIZE must be at least 1")
	}
	if c.CRMEnabled() && c.CRM.LocationID == "" {
		return fmt.Errorf("CRM_LOCATION_ID is required when CRM_API_TOKEN is set")
	}
	return nil
}
