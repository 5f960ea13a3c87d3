// Package fakeconsul is an in-memory stand-in for a Consul agent's HTTP
// API: sessions and KV acquire/release/get. It exists so integration
// tests can exercise the full coordination contract (coord.Client talking
// to a real HTTP server) without a network dependency on an actual Consul
// cluster, mirroring the in-memory test double pattern used elsewhere in
// this codebase's test helpers.
package fakeconsul

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

type kvEntry struct {
	Value   []byte
	Session string
}

// Server is a minimal Consul agent double.
type Server struct {
	mu          sync.Mutex
	nextSession int
	sessions    map[string]bool
	kv          map[string]*kvEntry
	httpServer  *httptest.Server
}

// New starts a fake Consul agent listening on a loopback port.
func New() *Server {
	s := &Server{
		sessions: make(map[string]bool),
		kv:       make(map[string]*kvEntry),
	}
	s.httpServer = httptest.NewServer(s.mux())
	return s
}

// URL is the base address to hand to coord.New.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts the fake server down.
func (s *Server) Close() { s.httpServer.Close() }

// ForceExpireSession simulates TTL expiry: the session and anything it
// held are dropped, as Consul would after missed renewals.
func (s *Server) ForceExpireSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	for _, e := range s.kv {
		if e.Session == sessionID {
			e.Session = ""
		}
	}
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/session/create", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.nextSession++
		id := "session-" + strconv.Itoa(s.nextSession)
		s.sessions[id] = true
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"ID": id})
	})

	mux.HandleFunc("/v1/session/renew/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/session/renew/"):]
		s.mu.Lock()
		ok := s.sessions[id]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"ID": id}})
	})

	mux.HandleFunc("/v1/session/destroy/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/session/destroy/"):]
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(true)
	})

	mux.HandleFunc("/v1/kv/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/v1/kv/"):]
		switch r.Method {
		case http.MethodGet:
			s.mu.Lock()
			entry, ok := s.kv[key]
			s.mu.Unlock()
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

			s.mu.Lock()
			defer s.mu.Unlock()
			switch {
			case acquire != "":
				existing, ok := s.kv[key]
				if ok && existing.Session != "" && existing.Session != acquire {
					_ = json.NewEncoder(w).Encode(false)
					return
				}
				s.kv[key] = &kvEntry{Value: body, Session: acquire}
				_ = json.NewEncoder(w).Encode(true)
			case release != "":
				if existing, ok := s.kv[key]; ok {
					existing.Session = ""
				}
				_ = json.NewEncoder(w).Encode(true)
			default:
				s.kv[key] = &kvEntry{Value: body}
				_ = json.NewEncoder(w).Encode(true)
			}
		}
	})

	return mux
}
