package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 SearchMCP 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	API          APIConfig          `json:"api"`
	Metrics      MetricsConfig      `json:"metrics"`
	Search       SearchConfig       `json:"search"`
	Plugins      PluginsConfig      `json:"plugins"`
	LLM          LLMConfig          `json:"llm"`
	SessionStore SessionStoreConfig `json:"session_store"`
	TurnStore    TurnStoreConfig    `json:"turn_store"`
	SessionQueue SessionQueueConfig `json:"session_queue"`
	Agent        AgentConfig        `json:"agent"`
	Client       ClientConfig       `json:"client"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Alerting     AlertingConfig     `json:"alerting"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制工具调用服务的 TCP 监听参数。
type ServerConfig struct {
	Address            string `json:"address"`
	MaxFrameBytes      int    `json:"max_frame_bytes"`
	ConnTimeoutSeconds int    `json:"conn_timeout_seconds"`
}

// APIConfig 控制会话 REST 服务的监听地址与访问控制。
type APIConfig struct {
	Address string     `json:"address"`
	Auth    AuthConfig `json:"auth"`
}

// AuthConfig 描述静态令牌认证的配置。
type AuthConfig struct {
	Mode   string      `json:"mode"`
	Tokens []AuthToken `json:"tokens"`
}

// AuthToken 是一条命名的服务令牌。
type AuthToken struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// MetricsConfig 控制指标暴露端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// SearchConfig 描述检索后端的接入方式。
type SearchConfig struct {
	Driver string           `json:"driver"`
	Seed   string           `json:"seed"`
	HTTP   SearchHTTPConfig `json:"http"`
}

// SearchHTTPConfig 描述远端检索集群的连接信息。
type SearchHTTPConfig struct {
	Endpoint       string `json:"endpoint"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// Timeout 返回远端检索请求的超时时间。
func (c SearchHTTPConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PluginsConfig 指向工具插件清单。清单为空时不加载任何插件。
type PluginsConfig struct {
	Manifest string `json:"manifest"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回推理请求的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// SessionStoreConfig 描述会话存储后端。
type SessionStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// TurnStoreConfig 描述对话记忆的持久化后端。
type TurnStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// SessionQueueConfig 描述会话队列后端与消费并发。
type SessionQueueConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列连接信息。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列连接信息。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AgentConfig 控制编排器的行为参数。
type AgentConfig struct {
	// MaxItems 限制单条工具结果在提示词中展开的条目数。
	MaxItems int `json:"max_items"`
	// MemoryDepth 控制注入提示词的历史轮数。
	MemoryDepth int `json:"memory_depth"`
	// MaxTurns 限制会话记忆保留的轮数，0 表示不限制。
	MaxTurns int `json:"max_turns"`
}

// ClientConfig 描述编排器访问工具服务的连接参数。
type ClientConfig struct {
	Address            string `json:"address"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
}

// DialTimeout 返回建立工具服务连接的超时时间。
func (c ClientConfig) DialTimeout() time.Duration {
	if c.DialTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// KnowledgeConfig 描述工具使用提示语料的加载方式。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 描述关键失败的外部通知方式。日志渠道始终开启。
type AlertingConfig struct {
	Webhook WebhookAlertConfig `json:"webhook"`
}

// WebhookAlertConfig 描述告警推送的 HTTP 端点。
type WebhookAlertConfig struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	AddSource   bool           `json:"add_source"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志落盘策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
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
// 相对路径一律以配置文件所在目录为基准展开。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.API.Auth.Mode == "" {
		c.API.Auth.Mode = "disabled"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9464"
	}

	if c.Search.Driver == "" {
		c.Search.Driver = "memory"
	}
	c.Search.Seed = resolvePath(baseDir, c.Search.Seed)

	c.Plugins.Manifest = resolvePath(baseDir, c.Plugins.Manifest)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.SessionStore.Driver == "" {
		c.SessionStore.Driver = "memory"
	}
	if c.SessionStore.MaxRetries <= 0 {
		c.SessionStore.MaxRetries = 3
	}

	if c.TurnStore.Driver == "" {
		c.TurnStore.Driver = "memory"
	}

	if c.SessionQueue.Driver == "" {
		c.SessionQueue.Driver = "memory"
	}
	if c.SessionQueue.Worker <= 0 {
		c.SessionQueue.Worker = 4
	}

	if c.Agent.MaxItems <= 0 {
		c.Agent.MaxItems = 5
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.MaxTurns < 0 {
		c.Agent.MaxTurns = 0
	}

	if c.Client.Address == "" {
		c.Client.Address = "127.0.0.1:8000"
	}

	c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)

	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// resolvePath 将相对路径转换为基于配置目录的绝对路径，空串原样返回。
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
