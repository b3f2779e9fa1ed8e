package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"potluck-proxy-go/internal/client"
	"potluck-proxy-go/internal/config"
	"potluck-proxy-go/internal/metrics"
	"potluck-proxy-go/internal/service"
)

const testOrigin = "https://potluck.example.org"

// recordedRequest is what the fake upstream saw.
type recordedRequest struct {
	Method      string
	Query       url.Values
	ContentType string
	Body        string
}

// fakeUpstream counts calls and answers every request with status and body.
type fakeUpstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Pointer[recordedRequest]
}

func newFakeUpstream(t *testing.T, status int, body string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		f.last.Store(&recordedRequest{
			Method:      r.Method,
			Query:       r.URL.Query(),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(b),
		})
		// Upstream labels JSON as text to check the proxy forces the type.
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Path: "/", BodyMaxBytes: config.DefaultBodyMaxBytes},
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{testOrigin},
			MaxAgeSeconds:  86400,
		},
	}
}

// newTestEcho wires the full route set against upstreamURL.
func newTestEcho(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := service.NewProxyService(uc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger, cfg)
	RegisterRoutes(e, cfg, nil, NewProxyHandler(svc, nil, logger), NewHealthHandler(cfg, "test"))
	return e
}

// newMeteredEcho is newTestEcho with a metrics registry attached to the
// proxy handler.
func newMeteredEcho(t *testing.T, cfg *config.Config) (*echo.Echo, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(cfg.Server.Path)
	svc, err := service.NewProxyService(client.NewUpstreamClient(cfg, logger, m), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger, cfg)
	RegisterRoutes(e, cfg, m, NewProxyHandler(svc, m, logger), NewHealthHandler(cfg, "test"))
	return e, m
}

func rejections(t *testing.T, m *metrics.Metrics, reason string) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.RejectionsTotal.WithLabelValues(reason).Write(&out); err != nil {
		t.Fatalf("read rejections_total{reason=%q}: %v", reason, err)
	}
	return out.GetCounter().GetValue()
}

func doRequest(e *echo.Echo, method, target, origin string, body io.Reader, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if origin != "" {
		req.Header.Set(echo.HeaderOrigin, origin)
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	if body["result"] != "error" {
		t.Errorf("body.result = %q, want %q", body["result"], "error")
	}
	return body["error"]
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	want := map[string]string{
		"Access-Control-Allow-Origin":  testOrigin,
		"Access-Control-Allow-Methods": "GET,POST,OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type,X-Requested-With",
		"Access-Control-Max-Age":       "86400",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestProxy_Preflight(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodOptions, "/", testOrigin, http.NoBody, nil)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	assertCORS(t, rec)
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_OriginRejectedBeforeUpstream(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodOptions, http.MethodDelete} {
		for _, origin := range []string{"https://evil.example.com", ""} {
			t.Run(method+" "+origin, func(t *testing.T) {
				rec := doRequest(e, method, "/?action=getData", origin, strings.NewReader(`{}`), nil)

				if rec.Code != http.StatusForbidden {
					t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
				}
				if msg := decodeError(t, rec); msg != "Origine non autorisée" {
					t.Errorf("error = %q, want %q", msg, "Origine non autorisée")
				}
			})
		}
	}

	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead, "PROPFIND"} {
		t.Run(method, func(t *testing.T) {
			rec := doRequest(e, method, "/", testOrigin, http.NoBody, nil)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
			}
			if got := rec.Header().Get("Allow"); got != "GET, POST, OPTIONS" {
				t.Errorf("Allow = %q, want %q", got, "GET, POST, OPTIONS")
			}
			assertCORS(t, rec)
		})
	}

	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_MethodNotAllowedCountedOnce(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e, m := newMeteredEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodPut, "/", testOrigin, strings.NewReader(`{}`), nil)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if msg := decodeError(t, rec); msg != MsgMethodNotAllowed {
		t.Errorf("error = %q, want %q", msg, MsgMethodNotAllowed)
	}
	if got := rejections(t, m, metrics.ReasonMethod); got != 1 {
		t.Errorf("rejections_total{reason=method} = %v, want 1", got)
	}
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

// failingReader errors on the first read, like a client that hung up.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestProxy_POSTBodyReadFailure(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e, m := newMeteredEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodPost, "/", testOrigin, failingReader{}, func(r *http.Request) {
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := decodeError(t, rec); msg != MsgBodyUnreadable {
		t.Errorf("error = %q, want %q", msg, MsgBodyUnreadable)
	}
	assertCORS(t, rec)

	if got := rejections(t, m, metrics.ReasonBodyRead); got != 1 {
		t.Errorf("rejections_total{reason=body_read} = %v, want 1", got)
	}
	if got := rejections(t, m, metrics.ReasonUpstreamFailed); got != 0 {
		t.Errorf("rejections_total{reason=upstream_failed} = %v, want 0", got)
	}
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_UnroutableMethod(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, "XYZZY", "/", testOrigin, http.NoBody, nil)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST, OPTIONS" {
		t.Errorf("Allow = %q, want %q", got, "GET, POST, OPTIONS")
	}
	decodeError(t, rec)
	assertCORS(t, rec)

	rec = doRequest(e, "XYZZY", "/", "https://evil.example.com", http.NoBody, nil)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for unlisted origin, want empty", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want %q", got, "Origin")
	}

	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_GETForwardsQuery(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"result":"success","data":[]}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	sent := url.Values{
		"action": {"getData"},
		"origin": {testOrigin},
		"tag":    {"b", "a"},
	}
	rec := doRequest(e, http.MethodGet, "/?"+sent.Encode(), testOrigin, http.NoBody, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if rec.Body.String() != `{"result":"success","data":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	assertCORS(t, rec)

	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	got := up.last.Load()
	if got.Method != http.MethodGet {
		t.Errorf("upstream method = %q, want GET", got.Method)
	}
	for k, vals := range sent {
		if strings.Join(got.Query[k], ",") != strings.Join(vals, ",") {
			t.Errorf("upstream query[%q] = %v, want %v", k, got.Query[k], vals)
		}
	}
	if len(got.Query) != len(sent) {
		t.Errorf("upstream query = %v, want %v", got.Query, sent)
	}
}

func TestProxy_UpstreamStatusRelayed(t *testing.T) {
	up := newFakeUpstream(t, http.StatusNotFound, `{"result":"error","error":"introuvable"}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodGet, "/", testOrigin, http.NoBody, nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != `{"result":"error","error":"introuvable"}` {
		t.Errorf("body = %q, want upstream body verbatim", rec.Body.String())
	}
	assertCORS(t, rec)
}

func TestProxy_POSTJSON(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"result":"success","newCsrfToken":"t2"}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	payload := `{"nom":"Ada","csrfToken":"t1"}`
	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(payload), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"result":"success","newCsrfToken":"t2"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	assertCORS(t, rec)

	got := up.last.Load()
	if got == nil {
		t.Fatal("upstream not called")
	}
	if got.Method != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", got.Method)
	}
	if got.ContentType != "application/json" {
		t.Errorf("upstream Content-Type = %q, want %q", got.ContentType, "application/json")
	}
	if got.Body != payload {
		t.Errorf("upstream body = %q, want %q", got.Body, payload)
	}
}

func TestProxy_POSTRawPassthrough(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"result":"success"}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	payload := `not json at all {`
	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(payload), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain;charset=utf-8")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	got := up.last.Load()
	if got.ContentType != "text/plain;charset=utf-8" {
		t.Errorf("upstream Content-Type = %q", got.ContentType)
	}
	if got.Body != payload {
		t.Errorf("upstream body = %q, want %q", got.Body, payload)
	}
}

func TestProxy_POSTDefaultContentType(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"result":"success"}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(`{"a":1}`), func(r *http.Request) {
		r.Header.Del("Content-Type")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := up.last.Load().ContentType; got != "application/json" {
		t.Errorf("upstream Content-Type = %q, want %q", got, "application/json")
	}
}

func TestProxy_POSTMalformedJSON(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(`{"nom":`), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if msg := decodeError(t, rec); msg != MsgMalformedBody {
		t.Errorf("error = %q, want %q", msg, MsgMalformedBody)
	}
	assertCORS(t, rec)
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

// trackingReader records whether the handler touched the body.
type trackingReader struct {
	read bool
}

func (r *trackingReader) Read(p []byte) (int, error) {
	r.read = true
	return 0, io.EOF
}

func TestProxy_POSTDeclaredTooLarge(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	e := newTestEcho(t, testConfig(up.srv.URL))

	body := &trackingReader{}
	rec := doRequest(e, http.MethodPost, "/", testOrigin, body, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
		r.ContentLength = config.DefaultBodyMaxBytes + 1
	})

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if body.read {
		t.Error("body was read despite oversized Content-Length")
	}
	if msg := decodeError(t, rec); msg != MsgPayloadTooLarge {
		t.Errorf("error = %q, want %q", msg, MsgPayloadTooLarge)
	}
	assertCORS(t, rec)
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_POSTExactlyAtLimit(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"result":"success"}`)
	cfg := testConfig(up.srv.URL)
	cfg.Server.BodyMaxBytes = 16
	e := newTestEcho(t, cfg)

	payload := `{"n":"12345678"}` // 16 bytes
	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(payload), func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
	})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProxy_POSTUndeclaredTooLarge(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	cfg := testConfig(up.srv.URL)
	cfg.Server.BodyMaxBytes = 16
	e := newTestEcho(t, cfg)

	rec := doRequest(e, http.MethodPost, "/", testOrigin, strings.NewReader(strings.Repeat("x", 64)), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
		r.ContentLength = -1
	})

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if n := up.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestProxy_UpstreamFailureHidden(t *testing.T) {
	e := newTestEcho(t, testConfig("http://127.0.0.1:1/exec?csrfToken=secret"))

	rec := doRequest(e, http.MethodGet, "/?action=getData", testOrigin, http.NoBody, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	msg := decodeError(t, rec)
	if msg != MsgInternal {
		t.Errorf("error = %q, want %q", msg, MsgInternal)
	}
	if strings.Contains(rec.Body.String(), "127.0.0.1") || strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("body leaks upstream detail: %q", rec.Body.String())
	}
	assertCORS(t, rec)
}

func TestProxy_CustomPath(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"csrfToken":"abc"}`)
	cfg := testConfig(up.srv.URL)
	cfg.Server.Path = "/exec"
	e := newTestEcho(t, cfg)

	if rec := doRequest(e, http.MethodGet, "/exec", testOrigin, http.NoBody, nil); rec.Code != http.StatusOK {
		t.Errorf("GET /exec status = %d, want %d", rec.Code, http.StatusOK)
	}
	rec := doRequest(e, http.MethodGet, "/other", testOrigin, http.NoBody, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /other status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	decodeError(t, rec)
}

func TestProxyHandler_mapError_Upstream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	urlErr := &url.Error{Op: "Get", URL: "https://forms.example.org/exec", Err: errors.New("connection refused")}
	if err := h.mapError(c, fmt.Errorf("forward to upstream: %w", urlErr)); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if msg := decodeError(t, rec); msg != MsgInternal {
		t.Errorf("error = %q, want %q", msg, MsgInternal)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts csrfToken in URL",
			err:  `Get "https://forms.example.org/exec?csrfToken=secret123&action=getData": connection refused`,
			want: `Get "https://forms.example.org/exec?csrfToken=[REDACTED]&action=getData": connection refused`,
		},
		{
			name: "redacts newCsrfToken at end of URL",
			err:  `Get "https://forms.example.org/exec?newCsrfToken=secret123": EOF`,
			want: `Get "https://forms.example.org/exec?newCsrfToken=[REDACTED]": EOF`,
		},
		{
			name: "no token unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(errors.New(tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
