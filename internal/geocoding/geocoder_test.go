package geocoding

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/server/internal/cache"
	"dealflow/server/internal/models"
	"dealflow/server/internal/resilient"
)

func newTestGeocoder(t *testing.T, handler http.HandlerFunc, interval time.Duration) (*Geocoder, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	httpClient := resilient.NewClient(logger, resilient.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	g := NewGeocoder(Options{BaseURL: server.URL, Interval: interval}, httpClient, cache.NewMemory(), logger)
	var waits []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return g, &waits
}

func TestGeocodeAddress_CachesResults(t *testing.T) {
	var calls int32
	g, _ := newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "12 Oak St, Austin, TX 78701", r.URL.Query().Get("q"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"lat":"30.2672","lon":"-97.7431","display_name":"12 Oak St"}]`))
	}, 0)
	ctx := context.Background()

	lat, lon, err := g.GeocodeAddress(ctx, "12 Oak St, Austin, TX 78701")
	require.NoError(t, err)
	assert.InDelta(t, 30.2672, lat, 1e-6)
	assert.InDelta(t, -97.7431, lon, 1e-6)

	// Case and whitespace do not defeat the cache
	_, _, err = g.GeocodeAddress(ctx, " 12 oak st, austin, tx 78701 ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeocodeAddress_RemembersMisses(t *testing.T) {
	var calls int32
	g, _ := newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`[]`))
	}, 0)
	ctx := context.Background()

	_, _, err := g.GeocodeAddress(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNoResult)
	_, _, err = g.GeocodeAddress(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeocodeAddress_ProviderError(t *testing.T) {
	g, _ := newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 0)

	_, _, err := g.GeocodeAddress(context.Background(), "12 Oak St")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResult)
}

func TestGeocodeAddress_SpacesRequests(t *testing.T) {
	g, waits := newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"lat":"1","lon":"2"}]`))
	}, time.Second)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := g.GeocodeAddress(ctx, "a")
	require.NoError(t, err)
	now = now.Add(200 * time.Millisecond)
	_, _, err = g.GeocodeAddress(ctx, "b")
	require.NoError(t, err)

	require.Len(t, *waits, 1)
	assert.Equal(t, 800*time.Millisecond, (*waits)[0])
}

func TestLocate(t *testing.T) {
	g, _ := newTestGeocoder(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "1 Unknown Rd" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"30.5","lon":"-97.5"}]`))
	}, 0)
	ctx := context.Background()

	p := &models.Property{Address: "12 Oak St", City: "Austin", State: "TX"}
	added, err := g.Locate(ctx, p)
	require.NoError(t, err)
	assert.True(t, added)
	require.True(t, p.HasCoordinates())
	assert.InDelta(t, 30.5, *p.Latitude, 1e-9)

	// Already located
	added, err = g.Locate(ctx, p)
	require.NoError(t, err)
	assert.False(t, added)

	missing := &models.Property{Address: "1 Unknown Rd"}
	added, err = g.Locate(ctx, missing)
	require.NoError(t, err)
	assert.False(t, added)
	assert.False(t, missing.HasCoordinates())
}
