package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuutamo/kneard/health"
)

func TestTargetForWaitSkipsProductionSlot(t *testing.T) {
	s := New(t.TempDir(), 10_000, health.New("http://unused"), func() error { return nil })

	target, err := s.TargetForWait(100, 1, []uint64{101, 102})
	require.NoError(t, err)
	require.Equal(t, uint64(103), target)
}

func TestTargetForWaitReturnsHeadPlusWaitWhenFree(t *testing.T) {
	s := New(t.TempDir(), 10_000, health.New("http://unused"), func() error { return nil })

	target, err := s.TargetForWait(100, 5, []uint64{101, 102})
	require.NoError(t, err)
	require.Equal(t, uint64(105), target)
}

func TestTargetForWaitFailsWhenWindowExhausted(t *testing.T) {
	s := New(t.TempDir(), 2, health.New("http://unused"), func() error { return nil })

	slots := []uint64{101, 102, 103}
	_, err := s.TargetForWait(100, 1, slots)
	require.Error(t, err)
}

func TestScheduleWritesDynConfigAndConfirms(t *testing.T) {
	home := t.TempDir()
	var expected uint64
	var reloads int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := atomic.LoadUint64(&expected)
		_, _ = w.Write([]byte(
			"near_block_expected_shutdown " + strconv.FormatUint(e, 10) + "\n" +
				"near_config_reloads_total " + strconv.FormatUint(uint64(atomic.LoadInt32(&reloads)), 10) + "\n",
		))
	}))
	defer srv.Close()

	scraper := health.New(srv.URL)
	s := New(home, 10_000, scraper, func() error {
		atomic.AddInt32(&reloads, 1)
		atomic.StoreUint64(&expected, 1000)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Schedule(ctx, 1000, true))

	raw, err := os.ReadFile(filepath.Join(home, "dyn_config.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "1000")
}
