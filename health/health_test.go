package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP near_node_is_syncing whether the node is still syncing
# TYPE near_node_is_syncing gauge
near_node_is_syncing 0
# HELP near_block_height_head current chain head height
# TYPE near_block_height_head gauge
near_block_height_head 12345
# HELP near_block_expected_shutdown scheduled shutdown height
# TYPE near_block_expected_shutdown gauge
near_block_expected_shutdown 0
# HELP near_config_reloads_total count of dynamic config reloads
# TYPE near_config_reloads_total counter
near_config_reloads_total 3
# HELP near_validator_production_slot upcoming production slots for this validator
# TYPE near_validator_production_slot gauge
near_validator_production_slot{height="12350"} 1
near_validator_production_slot{height="12348"} 1
`

func TestScrapeParsesAllAccessors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	s := New(srv.URL)
	snap, err := s.Scrape(context.Background())
	require.NoError(t, err)

	require.False(t, snap.IsSyncing)
	require.Equal(t, uint64(12345), snap.BlockHeightHead)
	require.Equal(t, uint64(0), snap.ExpectedShutdown)
	require.Equal(t, uint64(3), snap.ConfigReloadsTotal)
	require.Equal(t, []uint64{12348, 12350}, snap.ProductionSlots)
}

func TestScrapeFailureReturnsScrapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL)
	_, err := s.Scrape(context.Background())
	require.Error(t, err)
}

func TestStaleForTracksLastSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	s := New(srv.URL)
	require.Equal(t, time.Duration(0), s.StaleFor(time.Now()))

	_, err := s.Scrape(context.Background())
	require.NoError(t, err)

	stale := s.StaleFor(time.Now().Add(45 * time.Second))
	require.GreaterOrEqual(t, stale, 45*time.Second)
}
