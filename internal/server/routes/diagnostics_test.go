package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/cachekey"
	"github.com/any-hub/replayproxy/internal/config"
	"github.com/any-hub/replayproxy/internal/flight"
	"github.com/any-hub/replayproxy/internal/logging"
	"github.com/any-hub/replayproxy/internal/metrics"
	"github.com/any-hub/replayproxy/internal/server"
)

const testKey = cachekey.Key("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

func TestCacheStatsAndEntry(t *testing.T) {
	app, store := newDiagnosticsApp(t)
	if err := store.Put(context.Background(), testKey, cache.Entry{
		Status:  200,
		Headers: []cache.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte("hello"),
	}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	var stats statsPayload
	decodeJSON(t, app, httptest.NewRequest(http.MethodGet, "/-/cache", nil), http.StatusOK, &stats)
	if stats.Entries != 1 || stats.BodyBytes != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.KeyHeaders) != len(cachekey.DefaultKeyHeaders) {
		t.Fatalf("key headers should be reported: %v", stats.KeyHeaders)
	}

	var entry entryPayload
	decodeJSON(t, app, httptest.NewRequest(http.MethodGet, "/-/cache/entries/"+testKey.String(), nil), http.StatusOK, &entry)
	if entry.Status != 200 || entry.SizeBytes != 5 || entry.Expired {
		t.Fatalf("unexpected entry payload: %+v", entry)
	}
	if len(entry.Headers) != 1 || entry.Headers[0].Name != "Content-Type" {
		t.Fatalf("headers should be reported in order: %+v", entry.Headers)
	}
}

func TestCacheEntryErrors(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	resp := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/cache/entries/not-a-key", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/cache/entries/"+testKey.String(), nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing key, got %d", resp.StatusCode)
	}
}

func TestCacheEntryReportsWaiters(t *testing.T) {
	coordinator := flight.NewCoordinator()
	app, _ := newDiagnosticsAppWith(t, coordinator)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = coordinator.Do(context.Background(), testKey.String(), func(context.Context) (*cache.Entry, error) {
			<-release
			return &cache.Entry{Status: 200}, nil
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for coordinator.Waiters(testKey.String()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var payload map[string]interface{}
	decodeJSON(t, app, httptest.NewRequest(http.MethodGet, "/-/cache/entries/"+testKey.String(), nil), http.StatusNotFound, &payload)
	if payload["error"] != "entry_not_found" || payload["waiters"].(float64) != 1 {
		t.Fatalf("unexpected payload while fetch in flight: %v", payload)
	}

	close(release)
	<-done
}

func TestCacheResetAndRemove(t *testing.T) {
	app, store := newDiagnosticsApp(t)
	ctx := context.Background()
	store.Put(ctx, testKey, cache.Entry{Status: 200, Body: []byte("x")})

	resp := doRequest(t, app, httptest.NewRequest(http.MethodDelete, "/-/cache/entries/"+testKey.String(), nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on remove, got %d", resp.StatusCode)
	}
	if store.Stats().Entries != 0 {
		t.Fatalf("entry should be removed")
	}

	store.Put(ctx, testKey, cache.Entry{Status: 200, Body: []byte("x")})
	var payload map[string]interface{}
	decodeJSON(t, app, httptest.NewRequest(http.MethodDelete, "/-/cache", nil), http.StatusOK, &payload)
	if payload["status"] != "reset" || payload["removed"].(float64) != 1 {
		t.Fatalf("unexpected reset payload: %v", payload)
	}
	if store.Stats().Entries != 0 {
		t.Fatalf("store should be empty after reset")
	}
}

func TestPassthroughListing(t *testing.T) {
	app, _ := newDiagnosticsApp(t)
	var payload struct {
		Routes []passthroughPayload `json:"routes"`
	}
	decodeJSON(t, app, httptest.NewRequest(http.MethodGet, "/-/passthrough", nil), http.StatusOK, &payload)
	if len(payload.Routes) != 1 || payload.Routes[0].Name != "api" || payload.Routes[0].Port != 5000 {
		t.Fatalf("unexpected passthrough payload: %+v", payload.Routes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t)
	resp := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "replayproxy_requests_total") {
		t.Fatalf("metrics exposition missing counters:\n%s", body)
	}
}

func newDiagnosticsApp(t *testing.T) (*fiber.App, cache.Store) {
	t.Helper()
	return newDiagnosticsAppWith(t, flight.NewCoordinator())
}

func newDiagnosticsAppWith(t *testing.T, coordinator *flight.Coordinator) (*fiber.App, cache.Store) {
	t.Helper()

	store, err := cache.NewStore(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Passthrough: []config.PassthroughConfig{
			{Name: "api", Domain: "api.local", Upstream: "http://127.0.0.1:8080"},
		},
	}
	registry, err := server.NewPassthroughRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	collector := metrics.New()
	collector.ObserveRequest(metrics.OutcomeHit, time.Millisecond)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Registry:   registry,
		Proxy:      noopProxy{},
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	RegisterDiagnosticsRoutes(app, Diagnostics{
		Store:       store,
		Expiry:      cache.NewExpiryPolicy(0),
		Coordinator: coordinator,
		Registry:    registry,
		Metrics:     collector,
		KeyHeaders:  cachekey.DefaultKeyHeaders,
		Logger:      logging.Discard(),
	})
	return app, store
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, app *fiber.App, req *http.Request, status int, out interface{}) {
	t.Helper()
	resp := doRequest(t, app, req)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d (body=%s)", status, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode body %s: %v", body, err)
	}
}

type noopProxy struct{}

func (noopProxy) Handle(c fiber.Ctx) error {
	return c.SendStatus(fiber.StatusTeapot)
}

func (noopProxy) Passthrough(c fiber.Ctx, _ *server.PassthroughRoute) error {
	return c.SendStatus(fiber.StatusTeapot)
}
