package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuutamo/kneard/kerrors"
)

// fakeConsul is a minimal in-memory stand-in for a Consul agent's HTTP API,
// enough to exercise session create/renew/destroy and KV acquire/release/get.
// Modeled after the in-memory fakes used elsewhere in this codebase rather
// than a real Consul test container, so these tests run without a network
// dependency.
type fakeConsul struct {
	mu sync.Mutex

	nextSession int
	sessions    map[string]bool
	kv          map[string]*kvEntry
}

type kvEntry struct {
	Value   []byte
	Session string
}

func newFakeConsul() *fakeConsul {
	return &fakeConsul{
		sessions: make(map[string]bool),
		kv:       make(map[string]*kvEntry),
	}
}

func (f *fakeConsul) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/session/create", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nextSession++
		id := "session-" + strconv.Itoa(f.nextSession)
		f.sessions[id] = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"ID": id})
	})

	mux.HandleFunc("/v1/session/renew/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/session/renew/"):]
		f.mu.Lock()
		ok := f.sessions[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"ID": id}})
	})

	mux.HandleFunc("/v1/session/destroy/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/session/destroy/"):]
		f.mu.Lock()
		delete(f.sessions, id)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(true)
	})

	mux.HandleFunc("/v1/kv/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/v1/kv/"):]
		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			entry, ok := f.kv[key]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{{
				"Key":     key,
				"Value":   base64.StdEncoding.EncodeToString(entry.Value),
				"Session": entry.Session,
			}})
		case http.MethodPut:
			acquire := r.URL.Query().Get("acquire")
			release := r.URL.Query().Get("release")
			body, _ := io.ReadAll(r.Body)

			f.mu.Lock()
			defer f.mu.Unlock()
			if acquire != "" {
				existing, ok := f.kv[key]
				if ok && existing.Session != "" && existing.Session != acquire {
					_ = json.NewEncoder(w).Encode(false)
					return
				}
				f.kv[key] = &kvEntry{Value: body, Session: acquire}
				_ = json.NewEncoder(w).Encode(true)
				return
			}
			if release != "" {
				existing, ok := f.kv[key]
				if ok {
					existing.Session = ""
				}
				_ = json.NewEncoder(w).Encode(true)
				return
			}
			f.kv[key] = &kvEntry{Value: body}
			_ = json.NewEncoder(w).Encode(true)
		}
	})

	return httptest.NewServer(mux)
}

func TestSessionCreateRenewDestroy(t *testing.T) {
	fc := newFakeConsul()
	srv := fc.server()
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)

	ctx := context.Background()
	id, err := c.CreateSession(ctx, 15*time.Second, 10*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.Renew(ctx, id))
	require.NoError(t, c.DestroySession(ctx, id))
}

func TestAcquireThenAlreadyHeld(t *testing.T) {
	fc := newFakeConsul()
	srv := fc.server()
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)
	ctx := context.Background()

	id1, err := c.CreateSession(ctx, 15*time.Second, 10*time.Second)
	require.NoError(t, err)
	id2, err := c.CreateSession(ctx, 15*time.Second, 10*time.Second)
	require.NoError(t, err)

	res, err := c.Acquire(ctx, "validator/lock", id1, "node-a")
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	res, err = c.Acquire(ctx, "validator/lock", id2, "node-b")
	require.NoError(t, err)
	require.Equal(t, AlreadyHeld, res)
}

func TestReadReturnsHolder(t *testing.T) {
	fc := newFakeConsul()
	srv := fc.server()
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)
	ctx := context.Background()

	id, err := c.CreateSession(ctx, 15*time.Second, 10*time.Second)
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "validator/lock", id, "node-a")
	require.NoError(t, err)

	holder, session, err := c.Read(ctx, "validator/lock")
	require.NoError(t, err)
	require.Equal(t, id, session)
	require.Equal(t, "node-a", holder.NodeID)
}

func TestReadUnsetKeyReturnsNil(t *testing.T) {
	fc := newFakeConsul()
	srv := fc.server()
	defer srv.Close()

	c, err := New(srv.URL, "")
	require.NoError(t, err)

	holder, session, err := c.Read(context.Background(), "validator/lock")
	require.NoError(t, err)
	require.Nil(t, holder)
	require.Equal(t, "", session)
}

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), time.Millisecond, time.Millisecond*10, func() error {
		calls++
		return kerrors.NewCoordinationError("acquire", false, context.Canceled)
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryWithBackoffRetriesTransient(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return kerrors.NewCoordinationError("acquire", true, context.DeadlineExceeded)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}
