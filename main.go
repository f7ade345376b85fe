package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/cache"
	"github.com/geocache/geocache/internal/config"
	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/server"
	"github.com/geocache/geocache/internal/server/routes"
	"github.com/geocache/geocache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	listEntries bool
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
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
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
		fields["sources"] = config.SourceNames(cfg.Sources)
		fields["store"] = cfg.Global.StoreID
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 数据源后端 → 缓存库 →（可选）目录监听 → Fiber server。
	b, err := backend.NewFileSystem(cfg.SourceSpecs(),
		backend.WithCompressionLevel(cfg.Global.CompressionLevel),
		backend.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化数据源失败: %v\n", err)
		return 1
	}
	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.StoreID,
		cache.WithLogger(logger),
		cache.WithStrictLoad(cfg.Global.StrictLoad),
	)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.listEntries {
		return listEntries(ctx, store)
	}

	if cfg.Global.WatchStore {
		if err := store.Watch(ctx); err != nil {
			logger.WithFields(logging.BaseFields("store_watch_failed", opts.configPath)).
				WithError(err).Warn("store watcher disabled")
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = config.SourceNames(cfg.Sources)
	fields["store"] = cfg.Global.StoreID
	fields["storage_path"] = cfg.Global.StoragePath
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	deps := routes.Deps{
		Store:        store,
		Materializer: cache.NewMaterializer(store, b),
		Sources:      b,
		Logger:       logger,
		Timeout:      cfg.Global.MaterializeTimeout.DurationValue(),
	}
	if err := startHTTPServer(ctx, cfg, deps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// listEntries 以 JSON 输出全部已完成条目。
func listEntries(ctx context.Context, store *cache.Store) int {
	entries, err := store.Query(ctx, "", "")
	if err != nil {
		fmt.Fprintf(stdErr, "读取缓存条目失败: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(routes.EncodeEntries(entries)); err != nil {
		fmt.Fprintf(stdErr, "输出缓存条目失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("geocache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		list       bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&list, "list", false, "以 JSON 输出缓存条目后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(config.EnvConfigPath)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		listEntries: list,
	}, nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

func startHTTPServer(ctx context.Context, cfg *config.Config, deps routes.Deps, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterEntryRoutes(app, deps)
	routes.RegisterSourceRoutes(app, deps)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
