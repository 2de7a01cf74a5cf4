package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 OpenRill 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Metrics    MetricsConfig    `json:"metrics"`
	Auth       AuthConfig       `json:"auth"`
	Catalog    CatalogConfig    `json:"catalog"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Relay      RelayConfig      `json:"relay"`
	Log        LogConfig        `json:"log"`
	Prefs      PrefsConfig      `json:"prefs"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址，留空表示不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AuthConfig 描述 API 鉴权方式。mode 支持 disabled 与 static。
type AuthConfig struct {
	Mode string   `json:"mode"`
	Keys []string `json:"keys"`
}

// CatalogConfig 指定数据源目录文件与插件配置。
type CatalogConfig struct {
	Path         string `json:"path"`
	PluginConfig string `json:"plugin_config"`
}

// CheckpointConfig 统一描述断点存储后端的连接信息。
type CheckpointConfig struct {
	Driver string                `json:"driver"`
	MySQL  MySQLCheckpointConfig `json:"mysql"`
	Redis  RedisCheckpointConfig `json:"redis"`
}

// MySQLCheckpointConfig 描述 MySQL 后端的连接池参数。
type MySQLCheckpointConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// RedisCheckpointConfig 描述 Redis 后端的连接参数。
type RedisCheckpointConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RelayConfig 控制会话层的运行参数。
type RelayConfig struct {
	MaxSessions int `json:"max_sessions"`
}

// LogConfig 控制日志输出方式。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动输出。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// PrefsConfig 指定用户偏好覆盖文件，留空表示只用内置默认值。
type PrefsConfig struct {
	UserFile string `json:"user_file"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "memory"
	}

	if c.Checkpoint.Redis.Prefix == "" {
		c.Checkpoint.Redis.Prefix = "rill:checkpoint"
	}

	if c.Relay.MaxSessions <= 0 {
		c.Relay.MaxSessions = 256
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Catalog.PluginConfig != "" && !filepath.IsAbs(c.Catalog.PluginConfig) {
		c.Catalog.PluginConfig = filepath.Join(baseDir, c.Catalog.PluginConfig)
	}

	if c.Prefs.UserFile != "" && !filepath.IsAbs(c.Prefs.UserFile) {
		c.Prefs.UserFile = filepath.Join(baseDir, c.Prefs.UserFile)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
