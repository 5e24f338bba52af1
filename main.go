package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/replayproxy/internal/cache"
	"github.com/any-hub/replayproxy/internal/cachekey"
	"github.com/any-hub/replayproxy/internal/config"
	"github.com/any-hub/replayproxy/internal/flight"
	"github.com/any-hub/replayproxy/internal/logging"
	"github.com/any-hub/replayproxy/internal/metrics"
	"github.com/any-hub/replayproxy/internal/origin"
	"github.com/any-hub/replayproxy/internal/probe"
	"github.com/any-hub/replayproxy/internal/proxy"
	"github.com/any-hub/replayproxy/internal/server"
	"github.com/any-hub/replayproxy/internal/server/routes"
	"github.com/any-hub/replayproxy/internal/version"
)

const (
	defaultConfigPath = "config.toml"
	configEnv         = "REPLAYPROXY_CONFIG"
	shutdownTimeout   = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	// explicitConfig 表示路径来自 -config 或环境变量，此时文件必须存在。
	explicitConfig bool
	checkOnly      bool
	showVersion    bool
	waitReadyURL   string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(resolveConfigPath(opts))
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["passthrough"] = config.PassthroughNames(cfg.Passthrough)
		fields["cache_path"] = cfg.Global.CachePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if opts.waitReadyURL != "" {
		return waitReady(ctx, cfg, opts.waitReadyURL)
	}

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		waitURL    string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 REPLAYPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&waitURL, "wait-ready", "", "轮询指定地址直到返回 200 后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	explicit := path != ""
	if path == "" {
		path = defaultConfigPath
	}

	return cliOptions{
		configPath:     path,
		explicitConfig: explicit,
		checkOnly:      checkOnly,
		showVersion:    showVer,
		waitReadyURL:   waitURL,
	}, nil
}

// resolveConfigPath 在未显式指定且默认文件不存在时返回空串，交由 Load 使用默认值。
func resolveConfigPath(opts cliOptions) string {
	if opts.explicitConfig {
		return opts.configPath
	}
	if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return opts.configPath
}

func waitReady(ctx context.Context, cfg *config.Config, url string) int {
	attempts, err := probe.WaitReady(ctx, url, probe.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "%s 未就绪（尝试 %d 次）: %v\n", url, attempts, err)
		return 1
	}
	fmt.Fprintf(stdOut, "%s ready after %d attempt(s)\n", url, attempts)
	return 0
}

// serve 启动遵循“配置 → 缓存文件 → 合并器/指标 → Fiber server”顺序，
// 所有请求共享同一个 Store 与 Coordinator 实例。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	store, err := cache.NewStore(ctx, cfg.Global.CachePath)
	if err != nil {
		return fmt.Errorf("初始化缓存文件失败: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
		}
	}()

	app, err := buildApp(cfg, store, logger)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen"] = cfg.Global.ListenAddr()
	fields["healthcheck"] = cfg.Global.HealthURL()
	fields["cache_path"] = cfg.Global.CachePath
	fields["cache_entries"] = store.Stats().Entries
	fields["passthrough"] = config.PassthroughNames(cfg.Passthrough)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return listenUntilDone(ctx, app, cfg.Global.ListenAddr(), logger)
}

// buildApp 组装代理引擎与诊断接口。
func buildApp(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*fiber.App, error) {
	registry, err := server.NewPassthroughRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建直连映射失败: %w", err)
	}

	expiry := cache.NewExpiryPolicy(cfg.EffectiveCacheTTL())
	keys := cachekey.NewBuilder(cfg.Global.KeyHeaders)
	coordinator := flight.NewCoordinator()
	collector := metrics.New()
	collector.RegisterGauge("replayproxy_cache_entries", "Entries currently held in the cache file", func() float64 {
		return float64(store.Stats().Entries)
	})
	collector.RegisterGauge("replayproxy_inflight_fetches", "Origin fetches currently shared by waiters", func() float64 {
		return float64(coordinator.InFlight())
	})

	handler := proxy.NewHandler(proxy.Options{
		Fetcher:     origin.NewFetcher(server.NewOriginClient(cfg), cfg.Global.UpstreamTimeout.DurationValue()),
		Store:       store,
		Coordinator: coordinator,
		Keys:        keys,
		Expiry:      expiry,
		Metrics:     collector,
		Logger:      logger,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Store:       store,
		Expiry:      expiry,
		Coordinator: coordinator,
		Registry:    registry,
		Metrics:     collector,
		KeyHeaders:  keys.Headers(),
		Logger:      logger,
	})
	return app, nil
}

// listenUntilDone 阻塞直到监听失败或 ctx 结束；ctx 结束时先关闭监听再返回，
// 调用方随后关闭缓存文件。
func listenUntilDone(ctx context.Context, app *fiber.App, addr string, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"addr":   addr,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止监听")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("关闭监听失败: %w", err)
	}
	return <-errCh
}
