// Package control implements the local control channel (C7): a Unix
// domain socket speaking newline-delimited JSON, one request per line,
// one response per line, per spec.md §4.7. Authentication is filesystem
// permissions on the containing directory (0700), not a wire-level
// credential.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kuutamo/kneard/kerrors"
	"github.com/kuutamo/kneard/maintenance"
	"github.com/kuutamo/kneard/statemachine"
)

// Request is the wire shape of one control-channel call.
type Request struct {
	Command     string `json:"command"`
	JSON        bool   `json:"json,omitempty"`
	ScheduleAt  *uint64 `json:"schedule_at,omitempty"`
	Wait        *uint64 `json:"wait,omitempty"`
	Cancel      bool    `json:"cancel,omitempty"`
	BlockUntil  bool    `json:"block_until_done,omitempty"`
}

// Response is the wire shape of one control-channel reply. Per spec.md
// §9, the JSON key for the active validator is "Node" (not "ID") —
// treated as part of the interface, not inferred from history.
type Response struct {
	Node          string `json:"Node,omitempty"`
	State         string `json:"State,omitempty"`
	TargetHeight  uint64 `json:"target_height,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Text          string `json:"text,omitempty"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Backend is what the control server calls into to answer requests. The
// state machine and maintenance scheduler satisfy it together via the
// Server's constructor closures below.
type Backend interface {
	Snapshot() statemachine.Snapshot
	ScheduleRestart(scheduleAt, wait *uint64, cancel bool, blockUntil bool) (uint64, error)
	ScheduleShutdown(scheduleAt, wait *uint64, cancel bool, blockUntil bool) (uint64, error)
	MaintenanceStatus() *maintenance.Intent
}

// Server accepts connections on a Unix socket at path.
type Server struct {
	path    string
	backend Backend
}

// New builds a Server. The socket directory is created with 0700
// permissions before Listen, per spec.md §4.7.
func New(path string, backend Backend) *Server {
	return &Server{path: path, backend: backend}
}

// Listen creates the Unix socket, serving until the listener closes.
func (s *Server) Listen() (net.Listener, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create control socket dir: %w", err)
	}
	_ = os.Remove(s.path)

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		log.WithError(err).Warn("control: failed to chmod control socket")
	}
	return l, nil
}

// Serve accepts connections from l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		resp := s.dispatch(line)
		if err := enc.Encode(resp); err != nil {
			log.WithError(err).Debug("control: write response failed")
			return
		}
	}
}

func (s *Server) dispatch(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(kerrors.NewControlError(kerrors.ControlParseError, err.Error()))
	}

	switch req.Command {
	case "active-validator":
		snap := s.backend.Snapshot()
		if snap.State != statemachine.Validating {
			return Response{}
		}
		return Response{Node: snap.NodeID, State: snap.State.String()}

	case "maintenance-status":
		intent := s.backend.MaintenanceStatus()
		if intent == nil {
			return Response{Text: "no maintenance scheduled"}
		}
		return Response{Kind: intent.Kind.String(), TargetHeight: intent.TargetHeight, Text: fmt.Sprintf("%s scheduled for height %d", intent.Kind, intent.TargetHeight)}

	case "restart":
		target, err := s.backend.ScheduleRestart(req.ScheduleAt, req.Wait, req.Cancel, req.BlockUntil)
		if err != nil {
			return errorResponse(err)
		}
		return Response{TargetHeight: target}

	case "shutdown":
		target, err := s.backend.ScheduleShutdown(req.ScheduleAt, req.Wait, req.Cancel, req.BlockUntil)
		if err != nil {
			return errorResponse(err)
		}
		return Response{TargetHeight: target}

	default:
		return errorResponse(kerrors.NewControlError(kerrors.ControlUnknownCommand, req.Command))
	}
}

func errorResponse(err error) Response {
	tag := "error"
	switch {
	case isKind(err, kerrors.MaintenanceNoSlot):
		tag = "no_slot"
	case isKind(err, kerrors.MaintenanceAlreadyActive):
		tag = "already_active"
	case isKind(err, kerrors.MaintenanceCancelNothing):
		tag = "cancel_nothing"
	}
	return Response{Error: tag, Message: err.Error()}
}

func isKind(err error, kind kerrors.MaintenanceErrorKind) bool {
	var merr *kerrors.MaintenanceError
	if !errors.As(err, &merr) {
		return false
	}
	return merr.Kind == kind
}

// Client is a small helper for kneardctl to talk to a running supervisor
// over the same wire protocol.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient builds a Client for the control socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 10 * time.Second}
}

// Call sends req and decodes exactly one Response.
func (c *Client) Call(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
