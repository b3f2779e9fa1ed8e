// Package service implements the core proxy forwarding logic.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"potluck-proxy-go/internal/client"
	"potluck-proxy-go/internal/config"
	"potluck-proxy-go/internal/model"
)

var (
	// ErrPayloadTooLarge is returned when a request body exceeds server.body_max_bytes.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedBody is returned when a JSON-typed body does not parse.
	ErrMalformedBody = errors.New("malformed JSON body")

	// ErrMethodNotAllowed is returned for methods other than GET and POST.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrBodyRead is returned when the inbound body cannot be read, usually
	// because the client went away mid-request.
	ErrBodyRead = errors.New("read request body")
)

// defaultContentType is sent upstream when the caller declared none.
const defaultContentType = "application/json"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
	maxBody int64
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	maxBody := cfg.Server.BodyMaxBytes
	if maxBody <= 0 {
		maxBody = config.DefaultBodyMaxBytes
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
		maxBody: maxBody,
	}, nil
}

// MaxBodyBytes returns the largest accepted POST body.
func (s *ProxyService) MaxBodyBytes() int64 {
	return s.maxBody
}

// ReadBody reads a POST body. A declared length above the limit is rejected
// before any byte is read; bodies of unknown length (-1) are read through
// the limit and rejected when they overflow it.
func (s *ProxyService) ReadBody(body io.Reader, declaredLength int64) ([]byte, error) {
	if declaredLength > s.maxBody {
		return nil, ErrPayloadTooLarge
	}
	if body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodyRead, err)
	}
	if int64(len(data)) > s.maxBody {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

// CheckBody parses body as JSON when contentType declares JSON. Other
// content types pass through unchecked.
func (s *ProxyService) CheckBody(contentType string, body []byte) error {
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// GET copies the inbound query verbatim onto the upstream URL. POST sends
// the body unchanged with the caller's content type, application/json when
// none was given. Any other method fails with ErrMethodNotAllowed before
// upstream is contacted.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Method != http.MethodGet && pr.Method != http.MethodPost {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, pr.Method)
	}
	upstreamURL := s.buildUpstreamURL(pr.Query)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"origin", pr.Origin,
		"bytes", len(pr.Body),
	)

	var (
		resp *model.ProxyResponse
		err  error
	)
	switch pr.Method {
	case http.MethodGet:
		resp, err = s.client.Get(pr.Ctx, upstreamURL)
	case http.MethodPost:
		if err := s.CheckBody(pr.ContentType, pr.Body); err != nil {
			return nil, err
		}
		contentType := pr.ContentType
		if contentType == "" {
			contentType = defaultContentType
		}
		resp, err = s.client.Post(pr.Ctx, upstreamURL, contentType, pr.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// buildUpstreamURL appends query to the configured base URL, keeping any
// parameters the base URL already carries.
func (s *ProxyService) buildUpstreamURL(query url.Values) string {
	u := *s.baseURL

	q := u.Query()
	for k, vals := range query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String()
}
