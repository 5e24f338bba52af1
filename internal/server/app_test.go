package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/replayproxy/internal/config"
)

func TestAbsoluteFormGoesToProxy(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app, httptest.NewRequest(http.MethodGet, "http://origin.example/healthcheck", nil))
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected proxy handler status 202, got %d", resp.StatusCode)
	}
	if app.recorder.proxied != 1 || app.recorder.passthrough != 0 {
		t.Fatalf("expected proxied request, got %+v", app.recorder)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestDirectRequestToMappedHostUsesPassthrough(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Host = "api.local"
	resp := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.routeName != "api" {
		t.Fatalf("expected api route, got %s", app.recorder.routeName)
	}
}

func TestDirectRequestReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/count", nil)
	req.Host = "unknown.local"
	resp := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if app.recorder.proxied+app.recorder.passthrough != 0 {
		t.Fatalf("unmapped host should not reach the proxy")
	}
}

func TestHealthcheckReadinessGate(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, HealthcheckPath, nil)
	resp := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"starting"`)) {
		t.Fatalf("unexpected body before ready: %s", body)
	}

	app.readiness.MarkReady()
	resp = doRequest(t, app, httptest.NewRequest(http.MethodGet, HealthcheckPath, nil))
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "OK" {
		t.Fatalf("expected 200 OK after ready, got %d %s", resp.StatusCode, body)
	}
}

func TestConnectIsRejected(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "origin.example:443"
	resp := doRequest(t, app, req)
	if resp.StatusCode != fiber.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"connect_unsupported"`)) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDiagnosticsPathFallsThrough(t *testing.T) {
	app := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/ping", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("diagnostics route should be reachable, got %d %s", resp.StatusCode, body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New(), Proxy: &proxyRecorder{}}); err == nil {
		t.Fatalf("expected error without listen port")
	}
}

type testApp struct {
	*fiber.App
	recorder  *proxyRecorder
	readiness *Readiness
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Passthrough: []config.PassthroughConfig{
			{Name: "api", Domain: "api.local", Upstream: "http://127.0.0.1:8080"},
		},
	}
	registry, err := NewPassthroughRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	readiness := NewReadiness()
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		Readiness:  readiness,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, recorder: recorder, readiness: readiness}
}

func doRequest(t *testing.T, app *testApp, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

type proxyRecorder struct {
	proxied     int
	passthrough int
	routeName   string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.proxied++
	return c.SendStatus(fiber.StatusAccepted)
}

func (p *proxyRecorder) Passthrough(c fiber.Ctx, route *PassthroughRoute) error {
	p.passthrough++
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
