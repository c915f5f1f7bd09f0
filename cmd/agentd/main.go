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
	"strings"
	"syscall"
	"time"

	"OpenMCP-Search/internal/agent"
	"OpenMCP-Search/internal/api"
	"OpenMCP-Search/internal/auth"
	"OpenMCP-Search/internal/config"
	"OpenMCP-Search/internal/knowledge"
	"OpenMCP-Search/internal/llm"
	"OpenMCP-Search/internal/llm/openai"
	"OpenMCP-Search/internal/llm/pythonbridge"
	"OpenMCP-Search/internal/mcp"
	"OpenMCP-Search/internal/memory"
	"OpenMCP-Search/internal/observability/alerting"
	"OpenMCP-Search/internal/observability/metrics"
	"OpenMCP-Search/internal/session"
	"OpenMCP-Search/internal/storage/mysql"
	"OpenMCP-Search/pkg/logger"
)

// main 是会话服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
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
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	var turnRepo mysql.TurnRepository
	switch cfg.TurnStore.Driver {
	case "memory", "":
		repo, err := mysql.NewMemoryTurnRepository(dataDir)
		if err != nil {
			return err
		}
		turnRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLTurnRepository(ctx, mysql.Config{
			DSN:             cfg.TurnStore.DSN,
			MaxOpenConns:    cfg.TurnStore.MaxOpenConns,
			MaxIdleConns:    cfg.TurnStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.TurnStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.TurnStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		turnRepo = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := turnRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var store session.Store
	switch cfg.SessionStore.Driver {
	case "memory", "":
		store = session.NewMemoryStore()
	case "mysql":
		mysqlStore, err := session.NewMySQLStore(cfg.SessionStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", cfg.SessionStore.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	var queue session.Queue
	switch cfg.SessionQueue.Driver {
	case "", "memory":
		queue = session.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := session.NewRedisQueue(session.RedisQueueConfig{
			Address:   cfg.SessionQueue.Redis.Address,
			Password:  cfg.SessionQueue.Redis.Password,
			DB:        cfg.SessionQueue.Redis.DB,
			Queue:     cfg.SessionQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.SessionQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := session.NewRabbitMQQueue(session.RabbitMQConfig{
			URL:        cfg.SessionQueue.RabbitMQ.URL,
			Queue:      cfg.SessionQueue.RabbitMQ.Queue,
			Prefetch:   cfg.SessionQueue.RabbitMQ.Prefetch,
			Durable:    cfg.SessionQueue.RabbitMQ.Durable,
			AutoDelete: cfg.SessionQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.SessionQueue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭会话队列失败", slog.Any("error", err))
			}
		}
	}()

	toolClient, err := mcp.NewClient(ctx, cfg.Client.Address,
		mcp.WithDialTimeout(cfg.Client.DialTimeout()),
	)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	authService, err := auth.NewService(authConfig(cfg))
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.Webhook.Endpoint != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			Endpoint: cfg.Alerting.Webhook.Endpoint,
			Headers:  cfg.Alerting.Webhook.Headers,
		})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	factory := newAgentFactory(cfg, toolClient, llmClient, turnRepo, knowledgeProvider)

	service := session.NewService(store, queue, cfg.SessionStore.MaxRetries)
	recovered, err := service.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.L().Info("已恢复中断会话", slog.Int("count", recovered))
	}

	runner := session.NewRunner(factory, store, queue, queue,
		session.WithWorkerCount(cfg.SessionQueue.Worker),
		session.WithAlertDispatcher(dispatcher),
	)

	runnerCtx, runnerCancel := context.WithCancel(ctx)
	defer runnerCancel()

	go func() {
		if err := runner.Start(runnerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("会话执行器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.API.Address, service, api.WithAuthService(authService))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newAgentFactory 返回按会话构造编排器的工厂。对话记忆透写到轮次仓库，
// 重启后再次领取同一会话时会用持久化的轮次恢复上下文。
func newAgentFactory(
	cfg *config.Config,
	toolClient *mcp.Client,
	llmClient llm.Client,
	turnRepo mysql.TurnRepository,
	knowledgeProvider knowledge.Provider,
) session.AgentFactory {
	return func(ctx context.Context, sessionID string) (*agent.Orchestrator, error) {
		memOpts := []memory.Option{memory.WithSink(mysql.NewSinkAdapter(turnRepo))}
		if cfg.Agent.MaxTurns > 0 {
			memOpts = append(memOpts, memory.WithLimit(cfg.Agent.MaxTurns))
		}
		mem := memory.NewLog(sessionID, memOpts...)

		records, err := turnRepo.ListBySession(ctx, sessionID, cfg.Agent.MaxTurns)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			turns := make([]memory.Turn, 0, len(records))
			for _, record := range records {
				turns = append(turns, memory.Turn{
					Input:     record.Input,
					Output:    record.Output,
					CreatedAt: time.Unix(record.CreatedAt, 0),
				})
			}
			mem.Restore(turns)
		}

		opts := []agent.Option{
			agent.WithMaxItems(cfg.Agent.MaxItems),
			agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
			agent.WithKnowledgeProvider(knowledgeProvider),
			agent.WithMemory(mem),
		}
		if cfg.LLM.Provider == "openai" {
			opts = append(opts, agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()))
		}
		return agent.New(toolClient, llmClient, opts...), nil
	}
}

func authConfig(cfg *config.Config) auth.Config {
	tokens := make([]auth.Token, 0, len(cfg.API.Auth.Tokens))
	for _, token := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.Token{Name: token.Name, Token: token.Token})
	}
	return auth.Config{Mode: auth.Mode(cfg.API.Auth.Mode), Tokens: tokens}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
