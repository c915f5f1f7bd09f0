package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenMCP-Search/internal/config"
	"OpenMCP-Search/internal/mcp"
	"OpenMCP-Search/internal/observability/metrics"
	"OpenMCP-Search/internal/search"
	"OpenMCP-Search/internal/search/eshttp"
	"OpenMCP-Search/internal/search/memindex"
	"OpenMCP-Search/internal/tool"
	"OpenMCP-Search/pkg/logger"
	"OpenMCP-Search/pkg/plugin"
)

// main 是工具服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("searchmcpd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SEARCHMCP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "searchmcp.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := createEngine(cfg)
	if err != nil {
		return err
	}
	if closer, ok := engine.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	registry := tool.NewRegistry()
	if err := search.RegisterTools(registry, engine); err != nil {
		return err
	}

	if cfg.Plugins.Manifest != "" {
		manager, err := loadPlugins(cfg.Plugins.Manifest, registry)
		if err != nil {
			return err
		}
		defer func() {
			if err := manager.Close(context.Background()); err != nil {
				logger.L().Warn("插件关闭失败", slog.Any("error", err))
			}
		}()
	}

	logger.L().Info("工具注册完成",
		slog.String("driver", cfg.Search.Driver),
		slog.Any("tools", registry.Names()),
	)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	opts := []mcp.ServerOption{
		mcp.WithCallObserver(metrics.ObserveToolCall),
	}
	if cfg.Server.MaxFrameBytes > 0 {
		opts = append(opts, mcp.WithMaxFrameSize(uint32(cfg.Server.MaxFrameBytes)))
	}
	if cfg.Server.ConnTimeoutSeconds > 0 {
		opts = append(opts, mcp.WithConnTimeout(time.Duration(cfg.Server.ConnTimeoutSeconds)*time.Second))
	}

	server := mcp.NewServer(cfg.Server.Address, registry, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadPlugins 加载插件清单，并把每个插件贡献的工具并入注册表。
// 任何一步失败都会中止启动，已加载的插件随即关闭。
func loadPlugins(manifest string, registry *tool.Registry) (*plugin.Manager, error) {
	managerCfg, err := plugin.LoadManagerConfig(manifest)
	if err != nil {
		return nil, err
	}
	manager, err := plugin.NewManager(managerCfg)
	if err != nil {
		return nil, err
	}
	for _, spec := range manager.Tools() {
		err := registry.Register(tool.Func{
			Desc: tool.Descriptor{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
			Fn: spec.Handler,
		})
		if err != nil {
			_ = manager.Close(context.Background())
			return nil, err
		}
	}
	for _, info := range manager.Infos() {
		logger.L().Info("插件已加载",
			slog.String("id", info.ID),
			slog.String("name", info.Name),
			slog.String("version", info.Version),
		)
	}
	return manager, nil
}

// createEngine 根据配置选择检索后端：内置内存索引或远端集群。
func createEngine(cfg *config.Config) (search.Engine, error) {
	switch cfg.Search.Driver {
	case "", "memory":
		if cfg.Search.Seed != "" {
			defs, err := search.LoadSeedDefinitions(cfg.Search.Seed)
			if err != nil {
				return nil, err
			}
			return memindex.NewFromSeed(defs)
		}
		return memindex.New(""), nil
	case "http":
		return eshttp.NewClient(eshttp.Config{
			BaseURL:    cfg.Search.HTTP.Endpoint,
			Username:   cfg.Search.HTTP.Username,
			Password:   cfg.Search.HTTP.Password,
			APIKey:     cfg.Search.HTTP.APIKey,
			Timeout:    cfg.Search.HTTP.Timeout(),
			MaxRetries: cfg.Search.HTTP.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("未知的检索驱动: %s", cfg.Search.Driver)
	}
}
