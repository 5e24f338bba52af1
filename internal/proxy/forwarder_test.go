package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/replayproxy/internal/config"
	"github.com/any-hub/replayproxy/internal/server"
)

func TestForwarderRecoversHandlerPanic(t *testing.T) {
	logger, logBuf := newTestLogger()
	forwarder := NewForwarder(panicHandler{}, logger)

	app := fiber.New()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().Header.SetMethod(fiber.MethodGet)
	ctx.Request().SetRequestURI("http://origin.example/boom")

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder should swallow panic: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if !bytes.Contains(ctx.Response().Body(), []byte("proxy_panic")) {
		t.Fatalf("expected proxy_panic body, got %s", ctx.Response().Body())
	}
	if !strings.Contains(logBuf.String(), "proxy_panic") {
		t.Fatalf("expected panic to be logged, got %s", logBuf.String())
	}
}

func TestForwarderPassthroughPanicIncludesRoute(t *testing.T) {
	logger, logBuf := newTestLogger()
	forwarder := NewForwarder(panicHandler{}, logger)

	app := fiber.New()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	route := &server.PassthroughRoute{Config: config.PassthroughConfig{Name: "api", Domain: "api.local"}}
	if err := forwarder.Passthrough(ctx, route); err != nil {
		t.Fatalf("forwarder should swallow panic: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if !strings.Contains(logBuf.String(), `"passthrough":"api"`) {
		t.Fatalf("expected route name in log, got %s", logBuf.String())
	}
}

func TestForwarderWithoutHandler(t *testing.T) {
	logger, _ := newTestLogger()
	forwarder := NewForwarder(nil, logger)

	app := fiber.New()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(ctx.Response().Body(), []byte("proxy_handler_missing")) {
		t.Fatalf("expected proxy_handler_missing body, got %s", ctx.Response().Body())
	}
}

func TestForwarderPanicThroughApp(t *testing.T) {
	logger, _ := newTestLogger()
	registry, err := server.NewPassthroughRegistry(&config.Config{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(panicHandler{}, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://origin.example/boom", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusInternalServerError || !bytes.Contains(body, []byte("proxy_panic")) {
		t.Fatalf("expected 500 proxy_panic, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on panic response")
	}
}

type panicHandler struct{}

func (panicHandler) Handle(fiber.Ctx) error {
	panic("boom")
}

func (panicHandler) Passthrough(fiber.Ctx, *server.PassthroughRoute) error {
	panic("boom")
}

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}
