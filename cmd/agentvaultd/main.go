package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"AgentVault/internal/agent"
	"AgentVault/internal/api"
	"AgentVault/internal/compliance"
	"AgentVault/internal/config"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/execution"
	"AgentVault/internal/market"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/proposer"
	"AgentVault/internal/risk"
	"AgentVault/internal/storage/mysql"
	"AgentVault/internal/storage/redis"
	"AgentVault/internal/task"
	"AgentVault/internal/vault"
	"AgentVault/internal/web3"
	"AgentVault/internal/web3/provider"
	"AgentVault/pkg/logger"
)

// main 是 AgentVault 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentvaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		AddSource:   cfg.Log.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("agentvaultd")

	m := metrics.New()
	dbs := newDatabasePool()
	defer dbs.Close()

	// 金库存储。
	var vaults vault.Store
	switch strings.ToLower(cfg.Storage.VaultStore.Driver) {
	case "mysql":
		db, err := dbs.Open(ctx, cfg.Storage.VaultStore)
		if err != nil {
			return err
		}
		vaults = mysql.NewVaultStore(db)
	default:
		vaults = vault.NewMemoryStore()
	}
	defer vaults.Close()

	// 链注册表与余额来源。
	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return err
	}
	chains, err := web3.NewChains(defs, cfg.Web3.DefaultChain)
	if err != nil {
		return err
	}
	balances, closeBalances, err := buildBalances(ctx, cfg, defs, lg)
	if err != nil {
		return err
	}
	defer closeBalances()

	// 行情数据源。
	feed, closeFeed, err := buildFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFeed()

	// 合规审计。
	auditor, err := buildAuditor(cfg)
	if err != nil {
		return err
	}

	// 执行后端。
	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	minProfit, err := decimal.NewFromString(cfg.Execution.MinProfit)
	if err != nil {
		return fmt.Errorf("min_profit 配置无效: %w", err)
	}
	runner := execution.NewRunner(backend,
		execution.WithStepTimeout(cfg.Execution.StepTimeout),
		execution.WithMinProfit(minProfit),
		execution.WithStepObserver(m.ObserveStep),
		execution.WithRunnerLogger(logger.Named("execution")),
	)
	planner := execution.NewPlanner(chains,
		execution.WithPriceFeed(feed),
		execution.WithBaseCurrency(cfg.Pipeline.BaseCurrency),
		execution.WithSlippage(cfg.Execution.Slippage),
		execution.WithQuoteTimeout(cfg.Pipeline.FeedTimeout),
	)

	// 事件总线。
	bus, err := buildEventBus(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := bus.Close(shutdownCtx); err != nil {
			lg.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()
	if err := m.RegisterCounterFunc("events", "dropped_total", "Events dropped because the bus was full or closed.", func() float64 {
		return float64(bus.Dropped())
	}); err != nil {
		return err
	}
	if err := m.RegisterCounterFunc("events", "failed_total", "Events the publisher failed to deliver.", func() float64 {
		return float64(bus.Failed())
	}); err != nil {
		return err
	}

	riskOpts := []risk.Option{}
	if cfg.Pipeline.JitterSeed != 0 {
		riskOpts = append(riskOpts, risk.WithRandSource(risk.NewSeededSource(cfg.Pipeline.JitterSeed)))
	}

	orchestrator, err := agent.New(agent.Dependencies{
		Proposer: proposer.New(feed,
			proposer.WithFeedTimeout(cfg.Pipeline.FeedTimeout),
			proposer.WithRiskAdjustmentDivisor(cfg.Pipeline.RiskAdjustmentDivisor),
			proposer.WithDefaultChain(chains.Default()),
		),
		Risk:     risk.New(riskOpts...),
		Auditor:  auditor,
		Planner:  planner,
		Runner:   runner,
		Vaults:   vaults,
		Balances: balances,
	},
		agent.WithEventBus(bus),
		agent.WithObserver(m),
		agent.WithBalanceAnchoring(strings.EqualFold(cfg.Web3.BalanceSource, "chain")),
	)
	if err != nil {
		return err
	}

	// 异步任务。
	var taskStore task.Store
	switch strings.ToLower(cfg.Storage.TaskStore.Driver) {
	case "mysql":
		db, err := dbs.Open(ctx, cfg.Storage.TaskStore)
		if err != nil {
			return err
		}
		taskStore = task.NewMySQLStore(db)
	default:
		taskStore = task.NewMemoryStore()
	}

	taskQueue, err := buildTaskQueue(ctx, cfg)
	if err != nil {
		return err
	}

	if mq, ok := taskQueue.(*task.MemoryQueue); ok {
		if err := m.RegisterGaugeFunc("task_queue", "depth", "Tasks waiting in the in-process queue.", func() float64 {
			return float64(mq.Len())
		}); err != nil {
			return err
		}
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.TaskQueue.MaxRetries)
	defer func() {
		if err := taskService.Close(); err != nil {
			lg.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()
	processor := task.NewProcessor(orchestrator, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithEventBus(bus),
	)
	recoverer := task.NewRecoverer(taskStore, taskQueue, cfg.TaskQueue.RecoverTick)

	server := api.NewServer(cfg.Server.Address, orchestrator,
		api.WithTaskService(taskService),
		api.WithProgressTracker(runner),
		api.WithRuleManager(auditor),
		api.WithRequestObserver(m),
	)

	lg.Info("AgentVault 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("vault_store", cfg.Storage.VaultStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("execution", cfg.Execution.Backend),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	group.Go(func() error {
		recoverer.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return m.StartServer(groupCtx, cfg.Metrics.Address, cfg.Metrics.Path)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("AgentVault 已退出")
	return nil
}

// databasePool 按 DSN 复用连接池，金库与任务存储指向同一库时只建立一次连接。
type databasePool struct {
	dbs map[string]*sql.DB
}

func newDatabasePool() *databasePool {
	return &databasePool{dbs: make(map[string]*sql.DB)}
}

func (p *databasePool) Open(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	if db, ok := p.dbs[cfg.DSN]; ok {
		return db, nil
	}
	db, err := mysql.Open(ctx, mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	p.dbs[cfg.DSN] = db
	return db, nil
}

func (p *databasePool) Close() {
	for dsn, db := range p.dbs {
		_ = db.Close()
		delete(p.dbs, dsn)
	}
}

func buildBalances(ctx context.Context, cfg *config.Config, defs web3.ChainDefinitions, lg *slog.Logger) (agent.BalanceProvider, func(), error) {
	if strings.EqualFold(cfg.Web3.BalanceSource, "chain") {
		registry, err := provider.NewRegistry(ctx, defs, cfg.Web3.DefaultChain)
		if err != nil {
			return nil, nil, err
		}
		client, err := registry.Default()
		if err != nil {
			registry.Close()
			return nil, nil, err
		}
		snapshots, failures := registry.Snapshots(ctx)
		for _, snap := range snapshots {
			lg.Info("已连接链节点", slog.String("chain", snap.Name), slog.String("chain_id", snap.ChainID), slog.String("block", snap.BlockNumber))
		}
		for name, err := range failures {
			lg.Warn("链节点不可用", slog.String("chain", name), slog.Any("error", err))
		}
		return agent.NewTimeoutBalance(client, cfg.Web3.BalanceTimeout), registry.Close, nil
	}

	capital, err := decimal.NewFromString(cfg.Pipeline.DefaultCapital)
	if err != nil {
		return nil, nil, fmt.Errorf("default_capital 配置无效: %w", err)
	}
	return agent.NewStaticBalance(capital), func() {}, nil
}

func buildFeed(ctx context.Context, cfg *config.Config) (market.Feed, func(), error) {
	var upstream market.Feed
	switch strings.ToLower(cfg.Market.Source) {
	case "http":
		feed, err := market.NewHTTPFeed(market.HTTPConfig{BaseURL: cfg.Market.BaseURL, Timeout: cfg.Market.Timeout})
		if err != nil {
			return nil, nil, err
		}
		upstream = feed
	default:
		if cfg.Market.SnapshotPath == "" {
			upstream = market.NewStaticFeed(market.Snapshot{})
		} else {
			feed, err := market.LoadStaticFeed(cfg.Market.SnapshotPath)
			if err != nil {
				return nil, nil, err
			}
			upstream = feed
		}
	}

	switch strings.ToLower(cfg.Market.Cache.Driver) {
	case "redis":
		cache, err := redis.NewCache(ctx, redis.CacheConfig{
			Address:  cfg.Market.Cache.Redis.Address,
			Password: cfg.Market.Cache.Redis.Password,
			DB:       cfg.Market.Cache.Redis.DB,
			Prefix:   cfg.Market.Cache.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		return market.NewCachedFeed(upstream, cache, cfg.Market.Cache.TTL), func() { _ = cache.Close() }, nil
	case "memory":
		return market.NewCachedFeed(upstream, market.NewMemoryCache(), cfg.Market.Cache.TTL), func() {}, nil
	default:
		return upstream, func() {}, nil
	}
}

func buildAuditor(cfg *config.Config) (*compliance.Auditor, error) {
	filePolicy, err := compliance.LoadPolicy(cfg.Compliance.PolicyFile)
	if err != nil {
		return nil, err
	}
	policy := compliance.Policy{
		Blacklist:       cfg.Compliance.Blacklist,
		SupportedChains: cfg.Compliance.SupportedChains,
		Regulatory: compliance.RegulatorySettings{
			RestrictedJurisdictions: cfg.Compliance.RestrictedJurisdictions,
			RestrictedAssets:        cfg.Compliance.RestrictedAssets,
			RequireAccreditation:    cfg.Compliance.RequireAccreditation,
		},
	}.Merge(filePolicy)
	return compliance.NewFromPolicy(policy, compliance.WithLogger(logger.Named("compliance")))
}

func buildBackend(cfg *config.Config) (execution.Backend, error) {
	if strings.EqualFold(cfg.Execution.Backend, "http") {
		backend, err := execution.NewHTTPBackend(execution.HTTPConfig{
			Endpoint: cfg.Execution.Endpoint,
			Timeout:  cfg.Execution.StepTimeout,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
	return execution.NewSimulatedBackend(execution.WithFailAtStep(cfg.Execution.FailAtStep - 1)), nil
}

func buildEventBus(cfg *config.Config) (*events.Bus, error) {
	var publishers []events.Publisher
	if cfg.Events.Log {
		publishers = append(publishers, events.NewLogPublisher(logger.Named("events")))
	}
	if cfg.Events.RabbitMQ.URL != "" {
		publisher, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
		})
		if err != nil {
			closePublishers(publishers)
			return nil, err
		}
		publishers = append(publishers, publisher)
	}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
		})
		if err != nil {
			closePublishers(publishers)
			return nil, err
		}
		publishers = append(publishers, publisher)
	}
	if hooks := cfg.Events.Alerts.Webhooks; len(hooks) > 0 {
		notifiers := make([]alerting.Notifier, 0, len(hooks))
		client := &http.Client{Timeout: 5 * time.Second}
		for _, hook := range hooks {
			notifiers = append(notifiers, &alerting.WebhookNotifier{
				URL:        hook.URL,
				Kind:       alerting.Channel(strings.ToLower(hook.Kind)),
				HTTPClient: client,
			})
		}
		minimum := xerrors.Severity(strings.ToLower(cfg.Events.Alerts.MinSeverity))
		publishers = append(publishers, alerting.NewPublisher(alerting.NewFanout(notifiers...), minimum))
	}
	return events.NewBus(events.NewFanout(publishers...), cfg.Events.Buffer), nil
}

func closePublishers(publishers []events.Publisher) {
	for _, p := range publishers {
		_ = p.Close()
	}
}

func buildTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch strings.ToLower(cfg.TaskQueue.Driver) {
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.TaskQueue.Redis.Address,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
			Queue:    cfg.TaskQueue.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Exchange:   cfg.TaskQueue.RabbitMQ.Exchange,
			RoutingKey: cfg.TaskQueue.RabbitMQ.RoutingKey,
			Durable:    true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	}
}
