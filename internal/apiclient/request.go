package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
)

// maxResponseBytes caps how much of a response body is decoded.
const maxResponseBytes = 4 << 20

// Envelope is a decoded backend response. Fields stay raw until asked for.
type Envelope map[string]json.RawMessage

// String returns the string field key, or "" when absent or not a string.
func (e Envelope) String(key string) string {
	raw, ok := e[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Result returns the envelope's result field, "success" or "error".
func (e Envelope) Result() string {
	return e.String("result")
}

// Request sends one call to the backend. GET encodes params in the query
// string; POST sends data as a JSON body with csrfToken and origin added.
// Any token carried by the response replaces the current one, including on
// application errors.
func (c *Client) Request(ctx context.Context, method string, params url.Values, data map[string]any) (Envelope, error) {
	env, err := c.do(ctx, method, params, data)
	if err != nil {
		return nil, c.fail(err)
	}

	tok := env.String("newCsrfToken")
	if tok == "" {
		tok = env.String("csrfToken")
	}
	if tok != "" {
		c.token.Store(&tok)
	}

	if env.Result() == "error" {
		msg := env.String("error")
		if msg == "" {
			msg = "Erreur inconnue du serveur"
		}
		return nil, c.fail(applicationError(msg, c.marker))
	}
	return env, nil
}

// do performs the round trip and decodes the envelope. It rejects non-2xx
// statuses and bodies that are not a JSON object.
func (c *Client) do(ctx context.Context, method string, params url.Values, data map[string]any) (Envelope, error) {
	u := *c.baseURL
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if !q.Has("origin") {
		q.Set("origin", c.origin)
	}
	u.RawQuery = q.Encode()

	var body io.Reader = http.NoBody
	if method == http.MethodPost {
		payload := make(map[string]any, len(data)+2)
		maps.Copy(payload, data)
		payload["csrfToken"] = c.Token()
		payload["origin"] = c.origin
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindInvalidFormat, Message: "Données non sérialisables", Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "Requête invalide", Err: err}
	}
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "method", method, "err", err)
		return nil, &Error{Kind: KindNetwork, Message: "Erreur réseau", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &Error{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "Erreur réseau", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env == nil {
		return nil, &Error{Kind: KindInvalidFormat, Message: "Format de réponse invalide", Err: err}
	}
	return env, nil
}
