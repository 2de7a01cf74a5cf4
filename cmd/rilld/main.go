package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenRill/internal/api"
	"OpenRill/internal/checkpoint"
	"OpenRill/internal/config"
	"OpenRill/internal/observability/alerting"
	"OpenRill/internal/observability/metrics"
	"OpenRill/internal/prefs"
	"OpenRill/internal/relay"
	"OpenRill/internal/source"
	"OpenRill/internal/source/ethereum"
	"OpenRill/internal/source/file"
	"OpenRill/internal/source/process"
	"OpenRill/internal/source/rabbitmq"
	"OpenRill/internal/source/redisstream"
	"OpenRill/pkg/logger"
	"OpenRill/pkg/plugin"
)

// main 是 OpenRill 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("rilld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RILL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "rill.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	prefsMap, err := prefs.Load()
	if err != nil {
		return err
	}
	if cfg.Prefs.UserFile != "" {
		if err := prefsMap.Overlay(cfg.Prefs.UserFile); err != nil {
			return err
		}
	}

	store, err := createCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Error("关闭断点存储失败", "error", err)
		}
	}()

	registry := source.NewRegistry()
	builtins := []source.Factory{
		file.Factory{},
		process.Factory{},
		redisstream.Factory{},
		rabbitmq.Factory{},
		ethereum.Factory{},
	}
	for _, factory := range builtins {
		if err := registry.RegisterFactory(factory); err != nil {
			return err
		}
	}

	var pluginManager *plugin.Manager
	if cfg.Catalog.PluginConfig != "" {
		managerCfg, err := plugin.LoadManagerConfig(cfg.Catalog.PluginConfig)
		if err != nil {
			return err
		}
		pluginManager, err = plugin.NewManager(managerCfg, registry)
		if err != nil {
			return err
		}
	}
	defer func() {
		if pluginManager != nil {
			if err := pluginManager.Close(); err != nil {
				logger.L().Error("关闭插件失败", "error", err)
			}
		}
	}()

	if cfg.Catalog.Path != "" {
		if err := registry.LoadCatalog(cfg.Catalog.Path); err != nil {
			return err
		}
	}

	rl := relay.New(registry, store, prefsMap,
		relay.WithAlerter(alerting.NewFanout(&alerting.LogNotifier{})),
		relay.WithMaxSessions(cfg.Relay.MaxSessions),
	)
	defer func() {
		if err := rl.Close(); err != nil {
			logger.L().Error("关闭会话失败", "error", err)
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, rl, registry, prefsMap, api.AuthConfig{
		Mode: api.AuthMode(cfg.Auth.Mode),
		Keys: cfg.Auth.Keys,
	})

	logger.L().Info("rilld 启动", "address", cfg.Server.Address, "checkpoint_driver", cfg.Checkpoint.Driver)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createCheckpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Driver {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "mysql":
		return checkpoint.NewMySQLStore(ctx, checkpoint.MySQLConfig{
			DSN:             cfg.Checkpoint.MySQL.DSN,
			MaxOpenConns:    cfg.Checkpoint.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Checkpoint.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Checkpoint.MySQL.ConnMaxLifetime) * time.Second,
		})
	case "redis":
		return checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Address:  cfg.Checkpoint.Redis.Address,
			Password: cfg.Checkpoint.Redis.Password,
			DB:       cfg.Checkpoint.Redis.DB,
			Prefix:   cfg.Checkpoint.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的断点存储驱动: %s", cfg.Checkpoint.Driver)
	}
}
