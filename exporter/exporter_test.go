package exporter

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuutamo/kneard/statemachine"
)

type fakeBackend struct {
	snap statemachine.Snapshot
	pid  int
}

func (f *fakeBackend) Snapshot() statemachine.Snapshot { return f.snap }
func (f *fakeBackend) NeardPID() int                   { return f.pid }

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startExporter(t *testing.T, backend Backend) (string, func()) {
	t.Helper()
	addr := freeAddr(t)
	e := New(addr, backend)
	go e.ListenAndServe()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	return addr, func() { e.Shutdown() }
}

func TestMetricsReportsOneHotState(t *testing.T) {
	backend := &fakeBackend{snap: statemachine.Snapshot{State: statemachine.Validating, StartedAt: time.Now()}}
	addr, stop := startExporter(t, backend)
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), `kneard_state{type="Validating"} 1`)
	require.Contains(t, string(body), `kneard_state{type="Voting"} 0`)
}

func TestNeardPIDEmptyWhenNoChild(t *testing.T) {
	backend := &fakeBackend{pid: 0}
	addr, stop := startExporter(t, backend)
	defer stop()

	resp, err := http.Get("http://" + addr + "/neard-pid")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, string(body))
}

func TestNeardPIDReportsCurrentPID(t *testing.T) {
	backend := &fakeBackend{pid: 4242}
	addr, stop := startExporter(t, backend)
	defer stop()

	resp, err := http.Get("http://" + addr + "/neard-pid")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "4242", string(body))
}

func TestRestartsGaugeReflectsSnapshot(t *testing.T) {
	backend := &fakeBackend{snap: statemachine.Snapshot{State: statemachine.Voting, Restarts: 7, StartedAt: time.Now()}}
	addr, stop := startExporter(t, backend)
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "kneard_neard_restarts 7")
}
