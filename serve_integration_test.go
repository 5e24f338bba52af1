package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/replayproxy/internal/probe"
)

// TestServeEndToEnd 启动真实监听，验证直连不缓存、代理请求回放、重启后缓存仍然有效。
func TestServeEndToEnd(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "%d", hits.Add(1))
	}))
	defer origin.Close()

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "db.sqlite")
	port := freePort(t)
	cfgPath := writeConfigFile(t, fmt.Sprintf(`
ListenHost = "127.0.0.1"
ListenPort = %d
LogLevel = "warn"
CachePath = "%s"

[[Passthrough]]
Name = "origin"
Domain = "origin.local"
Upstream = "%s"
`, port, cachePath, origin.URL))

	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	stop := startServe(t, cfgPath, proxyURL)

	// 场景 A：直连请求每次都回源
	direct := []string{directGet(t, proxyURL), directGet(t, proxyURL)}
	if direct[0] != "1" || direct[1] != "2" {
		t.Fatalf("直连请求应为 1,2，得到 %v", direct)
	}

	// 场景 B：代理请求第二次回放缓存
	proxied := []string{proxiedGet(t, proxyURL, origin.URL+"/count"), proxiedGet(t, proxyURL, origin.URL+"/count")}
	if proxied[0] != "3" || proxied[1] != "3" {
		t.Fatalf("代理请求应回放缓存，得到 %v", proxied)
	}
	stop()

	// 重启后缓存文件仍可命中
	stop = startServe(t, cfgPath, proxyURL)
	if got := proxiedGet(t, proxyURL, origin.URL+"/count"); got != "3" {
		t.Fatalf("重启后应命中缓存，得到 %s", got)
	}
	stop()

	// 删除缓存文件后从空缓存开始
	if err := os.Remove(cachePath); err != nil {
		t.Fatalf("删除缓存文件失败: %v", err)
	}
	stop = startServe(t, cfgPath, proxyURL)
	defer stop()
	if got := proxiedGet(t, proxyURL, origin.URL+"/count"); got != "4" {
		t.Fatalf("删除缓存文件后应重新回源，得到 %s", got)
	}
}

func startServe(t *testing.T, cfgPath, proxyURL string) func() {
	t.Helper()
	useBufferWriters(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, cliOptions{configPath: cfgPath, explicitConfig: true})
	}()

	// 场景 C：通过 healthcheck 等待就绪
	if _, err := probe.WaitReady(context.Background(), proxyURL+"/healthcheck", probe.Options{
		MaxRetries:     40,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}); err != nil {
		cancel()
		t.Fatalf("代理未就绪: %v", err)
	}

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case code := <-done:
			if code != 0 {
				t.Fatalf("服务退出码 %d (stderr=%s)", code, stdErrBuffer().String())
			}
		case <-time.After(15 * time.Second):
			t.Fatalf("服务未在超时内退出")
		}
	}
}

func directGet(t *testing.T, proxyURL string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, proxyURL+"/count", nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	req.Host = "origin.local"
	return readBody(t, http.DefaultClient, req)
}

func proxiedGet(t *testing.T, proxyURL, target string) string {
	t.Helper()
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("解析代理地址失败: %v", err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(parsed)}}
	defer client.CloseIdleConnections()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	return readBody(t, client, req)
}

func readBody(t *testing.T, client *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return string(body)
}
