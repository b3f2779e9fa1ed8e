// Package apiclient talks to the potluck form backend, usually through
// potluck-proxy. It owns the CSRF token lifecycle: a token is fetched on
// Init, replaced whenever a response carries a fresher one, and refreshed
// once automatically when a submission is rejected for a stale token.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
)

// DefaultInvalidTokenMarker is the text the backend puts in error messages
// when it rejects a CSRF token.
const DefaultInvalidTokenMarker = "jeton invalide"

// State is the initialisation state of a Client.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "uninitialized"
	}
}

// Config configures a Client.
type Config struct {
	// BaseURL is the endpoint every request is sent to.
	BaseURL string
	// Origin identifies the calling page. It is sent as the Origin header
	// and as the origin parameter.
	Origin string
	// HTTPClient is optional. Any cookie jar on it is ignored.
	HTTPClient *http.Client
	// InvalidTokenMarker overrides DefaultInvalidTokenMarker.
	InvalidTokenMarker string
}

// Client is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	origin  string
	marker  string
	http    *http.Client
	logger  *slog.Logger

	token atomic.Pointer[string]

	mu        sync.Mutex
	state     State
	lastError string
	onReady   []func()
	onError   []func(error)
}

// New validates cfg and returns an uninitialised Client. Call Init before
// use, or let the first submission do it.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, errors.New("base url has no host")
	}
	if cfg.Origin == "" {
		return nil, errors.New("origin is required")
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	// Requests never carry ambient credentials.
	hc.Jar = nil

	marker := cfg.InvalidTokenMarker
	if marker == "" {
		marker = DefaultInvalidTokenMarker
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: u,
		origin:  cfg.Origin,
		marker:  marker,
		http:    hc,
		logger:  logger.With("component", "api_client"),
	}, nil
}

// Init fetches the first CSRF token. On success the client becomes ready and
// OnReady observers run; on failure it enters the error state and OnError
// observers run.
func (c *Client) Init(ctx context.Context) error {
	if err := c.RefreshToken(ctx); err != nil {
		c.mu.Lock()
		c.state = StateError
		observers := append([]func(error){}, c.onError...)
		c.mu.Unlock()

		c.logger.Error("client initialisation failed", "err", err)
		for _, fn := range observers {
			fn(err)
		}
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	observers := append([]func(){}, c.onReady...)
	c.mu.Unlock()

	c.logger.Debug("client ready")
	for _, fn := range observers {
		fn()
	}
	return nil
}

// RefreshToken replaces the current token with a fresh one from the backend.
func (c *Client) RefreshToken(ctx context.Context) error {
	env, err := c.do(ctx, http.MethodGet, nil, nil)
	if err != nil {
		return c.fail(err)
	}
	tok := env.String("csrfToken")
	if tok == "" {
		return c.fail(&Error{Kind: KindMissingToken, Message: "Token CSRF manquant dans la réponse"})
	}
	c.token.Store(&tok)
	c.logger.Debug("csrf token refreshed")
	return nil
}

// Token returns the current CSRF token, or "" before the first refresh.
func (c *Client) Token() string {
	if p := c.token.Load(); p != nil {
		return *p
	}
	return ""
}

// State returns the initialisation state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the message of the most recent failure, or "".
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// OnReady registers fn to run each time Init succeeds.
func (c *Client) OnReady(fn func()) {
	c.mu.Lock()
	c.onReady = append(c.onReady, fn)
	c.mu.Unlock()
}

// OnError registers fn to run each time Init fails.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	return c.Init(ctx)
}

// fail records err as the last error and returns it unchanged.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	return err
}
