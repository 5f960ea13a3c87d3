// Package coord wraps the subset of the Consul HTTP API the supervisor
// needs: session create/renew/destroy and KV acquire/release/read, per
// spec.md §4.1. The session+lock dance (create a session, then use it to
// CAS-acquire a KV key, then watch the key to notice loss of leadership)
// is the same one the predecessor consul client shows in
// hashicorp-consul-replicate/replicate.go; this package uses the modern
// github.com/hashicorp/consul/api client instead of the legacy
// armon/consul-api one that file imports.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"

	"github.com/kuutamo/kneard/kerrors"
)

// httpTimeout bounds every individual HTTP call, per spec.md §4.1 ("all
// HTTP calls have bounded timeout (≤ 5s)").
const httpTimeout = 5 * time.Second

// Holder is the payload stored at the lock key, visible to observers.
type Holder struct {
	NodeID string `json:"node_id"`
}

// AcquireResult reports the outcome of an Acquire call.
type AcquireResult int

const (
	Acquired AcquireResult = iota
	AlreadyHeld
)

// Client talks to a single Consul agent/cluster over HTTP.
type Client struct {
	consul *consulapi.Client
	token  string
}

// New creates a Client pointed at addr, optionally authenticating with
// token (empty ⇒ no Authorization header sent, per SPEC_FULL.md §12).
func New(addr, token string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	cfg.Token = token
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, kerrors.NewCoordinationError("dial", false, err)
	}
	return &Client{consul: c, token: token}, nil
}

// CreateSession opens a new session with the given TTL and lock delay, per
// spec.md §4.1. Returns the opaque session id.
func (c *Client) CreateSession(ctx context.Context, ttl, lockDelay time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	entry := &consulapi.SessionEntry{
		Name:      "kneard",
		TTL:       ttl.String(),
		LockDelay: lockDelay,
		Behavior:  consulapi.SessionBehaviorRelease,
	}
	id, _, err := c.consul.Session().CreateWithContext(ctx, entry, nil)
	if err != nil {
		return "", kerrors.NewCoordinationError("create_session", isTransient(err), err)
	}
	return id, nil
}

// Renew extends a session's TTL. Called at roughly ⅓·ttl by the caller
// per spec.md §4.1; a run of consecutive failures within ttl/2 should be
// treated by the caller as session loss.
func (c *Client) Renew(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	_, _, err := c.consul.Session().RenewWithContext(ctx, sessionID, nil)
	if err != nil {
		return kerrors.NewCoordinationError("renew", isTransient(err), err)
	}
	return nil
}

// DestroySession releases a session entirely (used on final Shutdown).
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	_, err := c.consul.Session().DestroyWithContext(ctx, sessionID, nil)
	if err != nil {
		return kerrors.NewCoordinationError("destroy_session", isTransient(err), err)
	}
	return nil
}

// Acquire attempts an atomic compare-and-set acquisition of key using
// sessionID, publishing payload as the visible holder record, per
// spec.md §4.1.
func (c *Client) Acquire(ctx context.Context, key, sessionID, nodeID string) (AcquireResult, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	payload, err := json.Marshal(Holder{NodeID: nodeID})
	if err != nil {
		return 0, fmt.Errorf("marshal holder payload: %w", err)
	}

	pair := &consulapi.KVPair{
		Key:     key,
		Value:   payload,
		Session: sessionID,
	}
	ok, _, err := c.consul.KV().AcquireWithContext(ctx, pair, nil)
	if err != nil {
		return 0, kerrors.NewCoordinationError("acquire", isTransient(err), err)
	}
	if ok {
		return Acquired, nil
	}
	return AlreadyHeld, nil
}

// Release explicitly unlocks key without destroying the session, per
// spec.md §4.1 ("does not destroy the session").
func (c *Client) Release(ctx context.Context, key, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	pair := &consulapi.KVPair{Key: key, Session: sessionID}
	_, _, err := c.consul.KV().ReleaseWithContext(ctx, pair, nil)
	if err != nil {
		return kerrors.NewCoordinationError("release", isTransient(err), err)
	}
	return nil
}

// Read returns the current holder and the session id that holds the
// lock, or (nil, "", nil) if the key is unset/unheld.
func (c *Client) Read(ctx context.Context, key string) (*Holder, string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	pair, _, err := c.consul.KV().GetWithContext(ctx, key, nil)
	if err != nil {
		return nil, "", kerrors.NewCoordinationError("read", isTransient(err), err)
	}
	if pair == nil || pair.Session == "" {
		return nil, "", nil
	}
	var holder Holder
	if err := json.Unmarshal(pair.Value, &holder); err != nil {
		return nil, pair.Session, fmt.Errorf("unmarshal holder payload: %w", err)
	}
	return &holder, pair.Session, nil
}

// isTransient classifies an error from the Consul client as retryable.
// ACL/permission failures come back as a 403 in the error text and are
// permanent: retrying them forever would just mask a misconfiguration, so
// the caller should treat those as fatal and shut down instead.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "403") || strings.Contains(msg, "Permission denied") || strings.Contains(msg, "ACL not found") {
		return false
	}
	return true
}

// asCoordinationError reports whether err is (or wraps) a
// *kerrors.CoordinationError, storing it in *target on success.
func asCoordinationError(err error, target **kerrors.CoordinationError) bool {
	return errors.As(err, target)
}

// RetryWithBackoff runs fn, retrying on transient errors with jittered
// backoff until ctx is done. The teacher's round-trip code uses explicit
// retry loops rather than decorators (SPEC_FULL.md §9 carries this
// forward from spec.md's design notes, which call for exactly that).
func RetryWithBackoff(ctx context.Context, base, max time.Duration, fn func() error) error {
	backoff := base
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var coordErr *kerrors.CoordinationError
		transient := false
		if ok := asCoordinationError(err, &coordErr); ok {
			transient = coordErr.Transient
		}
		if !transient {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter
		log.WithError(err).WithField("wait", wait).Debug("coord: retrying after transient error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
