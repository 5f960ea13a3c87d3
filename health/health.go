// Package health scrapes and interprets neard's own /metrics endpoint,
// per spec.md §4.5. neard emits untyped Prometheus text; this package
// parses it with github.com/prometheus/common/expfmt (the same text
// format parser the rest of the Prometheus-instrumented examples in this
// codebase pull in transitively) and exposes a handful of typed
// accessors, deliberately not modeling neard's full metric schema per
// spec.md §9's design note.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/kuutamo/kneard/kerrors"
)

// scrapeTimeout bounds a single HTTP scrape, per spec.md §5.
const scrapeTimeout = 2 * time.Second

const (
	metricIsSyncing        = "near_node_is_syncing"
	metricBlockHeightHead  = "near_block_height_head"
	metricExpectedShutdown = "near_block_expected_shutdown"
	metricConfigReloads    = "near_config_reloads_total"
	metricProductionSlot   = "near_validator_production_slot" // gauge=1, label height=<n>
)

// Snapshot is the flattened, typed view of one successful scrape.
type Snapshot struct {
	IsSyncing          bool
	BlockHeightHead    uint64
	ExpectedShutdown   uint64
	ConfigReloadsTotal uint64
	ProductionSlots    []uint64 // ascending
	ScrapedAt          time.Time
}

// Scraper polls a single neard instance's metrics endpoint.
type Scraper struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	last        *Snapshot
	lastSuccess time.Time
}

// New builds a Scraper against the given metrics URL (e.g.
// "http://127.0.0.1:3030/metrics").
func New(url string) *Scraper {
	return &Scraper{
		url:    url,
		client: &http.Client{Timeout: scrapeTimeout},
	}
}

// Scrape fetches and parses one sample. On failure, it returns a
// *kerrors.ScrapeError but does not clear the last good snapshot: callers
// decide staleness via StaleFor.
func (s *Scraper) Scrape(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, kerrors.NewScrapeError(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, kerrors.NewScrapeError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.NewScrapeError(fmt.Errorf("scrape: unexpected status %d", resp.StatusCode))
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, kerrors.NewScrapeError(fmt.Errorf("parse metrics: %w", err))
	}

	snap := buildSnapshot(families)
	snap.ScrapedAt = time.Now()

	s.mu.Lock()
	s.last = snap
	s.lastSuccess = snap.ScrapedAt
	s.mu.Unlock()

	return snap, nil
}

// Last returns the most recent successful snapshot, or nil if none yet.
func (s *Scraper) Last() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// StaleFor reports how long it has been since the last successful scrape.
// Zero duration means either never scraped or scraped just now.
func (s *Scraper) StaleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSuccess.IsZero() {
		return 0
	}
	return now.Sub(s.lastSuccess)
}

func buildSnapshot(families map[string]*dto.MetricFamily) *Snapshot {
	snap := &Snapshot{}

	if mf, ok := families[metricIsSyncing]; ok {
		if v, ok := firstGaugeValue(mf); ok {
			snap.IsSyncing = v == 1
		}
	}
	if mf, ok := families[metricBlockHeightHead]; ok {
		if v, ok := firstGaugeValue(mf); ok {
			snap.BlockHeightHead = uint64(v)
		}
	}
	if mf, ok := families[metricExpectedShutdown]; ok {
		if v, ok := firstGaugeValue(mf); ok {
			snap.ExpectedShutdown = uint64(v)
		}
	}
	if mf, ok := families[metricConfigReloads]; ok {
		if v, ok := firstCounterValue(mf); ok {
			snap.ConfigReloadsTotal = uint64(v)
		}
	}
	if mf, ok := families[metricProductionSlot]; ok {
		snap.ProductionSlots = productionSlots(mf)
	}

	return snap
}

func productionSlots(mf *dto.MetricFamily) []uint64 {
	var slots []uint64
	for _, m := range mf.Metric {
		if m.Gauge == nil || m.Gauge.Value == nil || *m.Gauge.Value != 1 {
			continue
		}
		for _, lp := range m.Label {
			if lp.GetName() == "height" {
				if h, err := strconv.ParseUint(lp.GetValue(), 10, 64); err == nil {
					slots = append(slots, h)
				}
			}
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func firstGaugeValue(mf *dto.MetricFamily) (float64, bool) {
	for _, m := range mf.Metric {
		if m.Gauge != nil && m.Gauge.Value != nil {
			return *m.Gauge.Value, true
		}
	}
	return 0, false
}

func firstCounterValue(mf *dto.MetricFamily) (float64, bool) {
	for _, m := range mf.Metric {
		if m.Counter != nil && m.Counter.Value != nil {
			return *m.Counter.Value, true
		}
	}
	return 0, false
}
