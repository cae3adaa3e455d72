package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTVAULT_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的配置文件。
const DefaultConfigPath = "configs/agentvault.yaml"

// Config 描述了 AgentVault 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	TaskQueue  TaskQueueConfig  `yaml:"task_queue"`
	Market     MarketConfig     `yaml:"market"`
	Web3       Web3Config       `yaml:"web3"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Events     EventsConfig     `yaml:"events"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	OutputPaths []string       `yaml:"output_paths"`
	AddSource   bool           `yaml:"add_source"`
	Audit       AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig 统一描述金库与任务存储的后端。
type StorageConfig struct {
	VaultStore StoreConfig `yaml:"vault_store"`
	TaskStore  StoreConfig `yaml:"task_store"`
}

// StoreConfig 描述单个存储后端，driver 支持 memory 与 mysql。
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TaskQueueConfig 描述异步意图队列。
type TaskQueueConfig struct {
	Driver      string         `yaml:"driver"`
	Buffer      int            `yaml:"buffer"`
	Workers     int            `yaml:"workers"`
	MaxRetries  int            `yaml:"max_retries"`
	Redis       RedisConfig    `yaml:"redis"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
	RecoverTick time.Duration  `yaml:"recover_interval"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// MarketConfig 描述行情与收益数据源。
type MarketConfig struct {
	Source       string        `yaml:"source"`
	SnapshotPath string        `yaml:"snapshot_path"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	Cache        CacheConfig   `yaml:"cache"`
}

// CacheConfig 描述行情缓存，driver 支持 none、memory 与 redis。
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// Web3Config 描述链注册表与余额来源。
type Web3Config struct {
	ChainsFile     string        `yaml:"chains_file"`
	DefaultChain   string        `yaml:"default_chain"`
	BalanceSource  string        `yaml:"balance_source"`
	StaticBalance  string        `yaml:"static_balance"`
	BalanceTimeout time.Duration `yaml:"balance_timeout"`
}

// PipelineConfig 控制策略流水线的运行参数。
type PipelineConfig struct {
	FeedTimeout           time.Duration `yaml:"feed_timeout"`
	BaseCurrency          string        `yaml:"base_currency"`
	DefaultCapital        string        `yaml:"default_capital"`
	RiskAdjustmentDivisor float64       `yaml:"risk_adjustment_divisor"`
	JitterSeed            uint64        `yaml:"jitter_seed"`
}

// ComplianceConfig 描述合规策略。
type ComplianceConfig struct {
	PolicyFile              string   `yaml:"policy_file"`
	Blacklist               []string `yaml:"blacklist"`
	SupportedChains         []string `yaml:"supported_chains"`
	RestrictedJurisdictions []string `yaml:"restricted_jurisdictions"`
	RestrictedAssets        []string `yaml:"restricted_assets"`
	RequireAccreditation    bool     `yaml:"require_accreditation"`
}

// ExecutionConfig 描述执行后端。FailAtStep 仅对模拟后端生效，按 1 起计数，0 表示不注入失败。
type ExecutionConfig struct {
	Backend     string        `yaml:"backend"`
	Endpoint    string        `yaml:"endpoint"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	MinProfit   string        `yaml:"min_profit"`
	Slippage    float64       `yaml:"slippage"`
	FailAtStep  int           `yaml:"fail_at_step"`
}

// EventsConfig 描述流水线事件的分发方式。
type EventsConfig struct {
	Buffer   int            `yaml:"buffer"`
	Log      bool           `yaml:"log"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// AlertsConfig 描述告警 webhook。min_severity 为空时只按错误码的告警属性过滤。
type AlertsConfig struct {
	MinSeverity string          `yaml:"min_severity"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig 描述单个告警渠道，kind 支持 webhook、slack 与 dingtalk。
type WebhookConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// KafkaConfig 描述 Kafka 发布端。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PathFromEnv 返回配置文件路径，未设置环境变量时返回默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容但不补全默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置，便于测试与无配置启动。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 校验取值范围与驱动名称。
func (c *Config) Validate() error {
	if !oneOf(c.Storage.VaultStore.Driver, "memory", "mysql") {
		return fmt.Errorf("不支持的金库存储驱动: %s", c.Storage.VaultStore.Driver)
	}
	if !oneOf(c.Storage.TaskStore.Driver, "memory", "mysql") {
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	if c.Storage.VaultStore.Driver == "mysql" && c.Storage.VaultStore.DSN == "" {
		return errors.New("金库存储使用 mysql 时必须配置 dsn")
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		return errors.New("任务存储使用 mysql 时必须配置 dsn")
	}
	if !oneOf(c.TaskQueue.Driver, "memory", "redis", "rabbitmq") {
		return fmt.Errorf("不支持的任务队列驱动: %s", c.TaskQueue.Driver)
	}
	if !oneOf(c.Market.Source, "static", "http") {
		return fmt.Errorf("不支持的行情数据源: %s", c.Market.Source)
	}
	if c.Market.Source == "http" && c.Market.BaseURL == "" {
		return errors.New("http 行情数据源必须配置 base_url")
	}
	if !oneOf(c.Market.Cache.Driver, "none", "memory", "redis") {
		return fmt.Errorf("不支持的行情缓存驱动: %s", c.Market.Cache.Driver)
	}
	if !oneOf(c.Web3.BalanceSource, "static", "chain") {
		return fmt.Errorf("不支持的余额来源: %s", c.Web3.BalanceSource)
	}
	if !oneOf(c.Execution.Backend, "simulated", "http") {
		return fmt.Errorf("不支持的执行后端: %s", c.Execution.Backend)
	}
	if c.Execution.Backend == "http" && c.Execution.Endpoint == "" {
		return errors.New("http 执行后端必须配置 endpoint")
	}
	if c.Pipeline.RiskAdjustmentDivisor <= 0 {
		return errors.New("risk_adjustment_divisor 必须大于 0")
	}
	if c.Events.Alerts.MinSeverity != "" && !oneOf(c.Events.Alerts.MinSeverity, "info", "warning", "critical") {
		return fmt.Errorf("不支持的告警级别: %s", c.Events.Alerts.MinSeverity)
	}
	for _, hook := range c.Events.Alerts.Webhooks {
		if !oneOf(hook.Kind, "", "webhook", "slack", "dingtalk") {
			return fmt.Errorf("不支持的告警渠道: %s", hook.Kind)
		}
		if strings.TrimSpace(hook.URL) == "" {
			return errors.New("告警 webhook 必须配置 url")
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else {
			c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
		}
	}

	if c.Storage.VaultStore.Driver == "" {
		c.Storage.VaultStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 128
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.RecoverTick <= 0 {
		c.TaskQueue.RecoverTick = time.Minute
	}
	if c.TaskQueue.Redis.Key == "" {
		c.TaskQueue.Redis.Key = "agentvault:intents"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "agentvault.intents"
	}

	if c.Market.Source == "" {
		c.Market.Source = "static"
	}
	if c.Market.SnapshotPath != "" {
		c.Market.SnapshotPath = resolve(baseDir, c.Market.SnapshotPath)
	}
	if c.Market.Timeout <= 0 {
		c.Market.Timeout = 5 * time.Second
	}
	if c.Market.Cache.Driver == "" {
		c.Market.Cache.Driver = "memory"
	}
	if c.Market.Cache.TTL <= 0 {
		c.Market.Cache.TTL = 30 * time.Second
	}
	if c.Market.Cache.Redis.Key == "" {
		c.Market.Cache.Redis.Key = "agentvault:market"
	}

	if c.Web3.ChainsFile != "" {
		c.Web3.ChainsFile = resolve(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "ethereum"
	}
	if c.Web3.BalanceSource == "" {
		c.Web3.BalanceSource = "static"
	}
	if c.Web3.StaticBalance == "" {
		c.Web3.StaticBalance = "10000"
	}
	if c.Web3.BalanceTimeout <= 0 {
		c.Web3.BalanceTimeout = 5 * time.Second
	}

	if c.Pipeline.FeedTimeout <= 0 {
		c.Pipeline.FeedTimeout = 5 * time.Second
	}
	if c.Pipeline.BaseCurrency == "" {
		c.Pipeline.BaseCurrency = "USDC"
	}
	if c.Pipeline.DefaultCapital == "" {
		c.Pipeline.DefaultCapital = c.Web3.StaticBalance
	}
	if c.Pipeline.RiskAdjustmentDivisor == 0 {
		c.Pipeline.RiskAdjustmentDivisor = 10
	}

	if c.Compliance.PolicyFile != "" {
		c.Compliance.PolicyFile = resolve(baseDir, c.Compliance.PolicyFile)
	}
	if len(c.Compliance.SupportedChains) == 0 {
		c.Compliance.SupportedChains = []string{"ethereum", "arbitrum", "optimism", "polygon", "base"}
	}

	if c.Execution.Backend == "" {
		c.Execution.Backend = "simulated"
	}
	if c.Execution.StepTimeout <= 0 {
		c.Execution.StepTimeout = 30 * time.Second
	}
	if c.Execution.MinProfit == "" {
		c.Execution.MinProfit = "0"
	}
	if c.Execution.Slippage <= 0 {
		c.Execution.Slippage = 0.5
	}

	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "agentvault.events"
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "agentvault.pipeline"
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func oneOf(value string, allowed ...string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
