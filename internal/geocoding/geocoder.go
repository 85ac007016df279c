// Package geocoding resolves property addresses to coordinates so buyers
// with a search radius can be scored by distance.
package geocoding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"dealflow/server/internal/cache"
	"dealflow/server/internal/models"
	"dealflow/server/internal/resilient"
)

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "dealflow-matcher/1.0"

	keyPrefix = "geo:"

	// Misses are retried after a day, hits are kept forever
	missTTL = 24 * time.Hour
)

var ErrNoResult = errors.New("no geocoding result")

// Options configures a Geocoder.
type Options struct {
	BaseURL   string
	UserAgent string

	// Minimum gap between provider requests
	Interval time.Duration
}

type cachedLocation struct {
	Found     bool    `json:"found"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Geocoder looks addresses up with a Nominatim-compatible search API.
// Results, including misses, are kept in the cache store.
type Geocoder struct {
	opts   Options
	http   *resilient.Client
	cache  cache.Store
	logger *logrus.Logger

	mu    sync.Mutex
	last  time.Time
	now   func() time.Time
	sleep resilient.Sleeper
}

func NewGeocoder(opts Options, httpClient *resilient.Client, cs cache.Store, logger *logrus.Logger) *Geocoder {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = logrus.New()
	}
	if httpClient == nil {
		httpClient = resilient.NewClient(logger)
	}
	if cs == nil {
		cs = cache.NewMemory()
	}
	return &Geocoder{
		opts:   opts,
		http:   httpClient,
		cache:  cs,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Locate fills in the property's coordinates when they are missing. It
// reports whether coordinates were added.
func (g *Geocoder) Locate(ctx context.Context, p *models.Property) (bool, error) {
	if p.HasCoordinates() {
		return false, nil
	}
	address := p.FullAddress()
	if address == "" {
		return false, nil
	}

	lat, lon, err := g.GeocodeAddress(ctx, address)
	if errors.Is(err, ErrNoResult) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.Latitude, p.Longitude = &lat, &lon
	return true, nil
}

// GeocodeAddress returns the coordinates of address, from cache when known.
func (g *Geocoder) GeocodeAddress(ctx context.Context, address string) (float64, float64, error) {
	key := keyPrefix + strings.ToLower(strings.TrimSpace(address))

	var cached cachedLocation
	ok, err := cache.GetJSON(ctx, g.cache, key, &cached)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to read geocode cache")
	}
	if ok {
		if !cached.Found {
			return 0, 0, ErrNoResult
		}
		g.logger.WithFields(logrus.Fields{
			"address": address,
			"source":  "cache",
		}).Debug("Found coordinates in cache")
		return cached.Latitude, cached.Longitude, nil
	}

	if err := g.wait(ctx); err != nil {
		return 0, 0, err
	}

	lat, lon, err := g.search(ctx, address)
	switch {
	case errors.Is(err, ErrNoResult):
		g.logger.WithField("address", address).Warn("No geocoding results found")
		g.remember(ctx, key, cachedLocation{}, missTTL)
		return 0, 0, err
	case err != nil:
		return 0, 0, err
	}

	g.logger.WithFields(logrus.Fields{
		"address":   address,
		"latitude":  lat,
		"longitude": lon,
		"source":    "provider",
	}).Info("Successfully geocoded address")
	g.remember(ctx, key, cachedLocation{Found: true, Latitude: lat, Longitude: lon}, 0)
	return lat, lon, nil
}

func (g *Geocoder) search(ctx context.Context, address string) (float64, float64, error) {
	params := url.Values{
		"q":      []string{address},
		"format": []string{"json"},
		"limit":  []string{"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.BaseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", g.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Send(ctx, req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geocoding request returned HTTP %d", resp.StatusCode)
	}

	first := gjson.GetBytes(body, "0")
	if !first.Exists() {
		return 0, 0, ErrNoResult
	}
	lat, lon := first.Get("lat"), first.Get("lon")
	if !lat.Exists() || !lon.Exists() {
		return 0, 0, fmt.Errorf("failed to parse response: missing lat/lon")
	}
	return lat.Float(), lon.Float(), nil
}

// wait spaces provider requests at least Interval apart.
func (g *Geocoder) wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.Interval > 0 && !g.last.IsZero() {
		if d := g.opts.Interval - g.now().Sub(g.last); d > 0 {
			if err := g.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	g.last = g.now()
	return nil
}

func (g *Geocoder) remember(ctx context.Context, key string, loc cachedLocation, ttl time.Duration) {
	if err := cache.SetJSON(ctx, g.cache, key, loc, ttl); err != nil {
		g.logger.WithError(err).Warn("Failed to write geocode cache")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
