package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Orchestrator/internal/approval"
	"OpenMCP-Orchestrator/internal/auth"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/executor"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/internal/retry"
	"OpenMCP-Orchestrator/internal/routing"
	"OpenMCP-Orchestrator/internal/storage/redis"
	"OpenMCP-Orchestrator/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "ORCHESTRATOR_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/orchestrator.yaml"

// Config 描述了编排守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      auth.Config     `yaml:"auth"`
	Logging   logger.Config   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Retry     retry.Config    `yaml:"retry"`
	Budget    planning.Limits `yaml:"budget"`
	Routing   RoutingConfig   `yaml:"routing"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Redis     redis.Config    `yaml:"redis"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	TaskStore TaskStoreConfig `yaml:"task_store"`
	Executor  executor.Config `yaml:"executor"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuditConfig 选择决策记录的存储后端与保留期。
type AuditConfig struct {
	Backend           string        `yaml:"backend"`
	FilePath          string        `yaml:"file_path"`
	DSN               string        `yaml:"dsn"`
	MaxOpenConns      int           `yaml:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	Retention         time.Duration `yaml:"retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// WorkerConfig 描述一个可被路由的 Worker。
type WorkerConfig struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
}

// RoutingConfig 配置路由策略与负载计数后端。
type RoutingConfig struct {
	Policy      string         `yaml:"policy"`
	LoadTracker string         `yaml:"load_tracker"`
	RedisKey    string         `yaml:"redis_key"`
	Workers     []WorkerConfig `yaml:"workers"`
}

// RoutingWorkers 把配置转换为路由层的 Worker 列表。
func (r RoutingConfig) RoutingWorkers() []routing.Worker {
	workers := make([]routing.Worker, 0, len(r.Workers))
	for _, w := range r.Workers {
		workers = append(workers, routing.Worker{ID: w.ID, Capabilities: append([]string(nil), w.Capabilities...)})
	}
	return workers
}

// ApprovalConfig 在审批策略之外配置跨进程的结果转发。
type ApprovalConfig struct {
	approval.Policy `yaml:",inline"`
	Relay           RelayConfig `yaml:"relay"`
	// Retention 是已决议请求在内存中保留的时长，超过后由后台清理。
	Retention time.Duration `yaml:"retention"`
}

// RelayConfig 控制是否通过 Redis 频道转发审批结果。
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// EventsConfig 选择可观测事件的输出。
type EventsConfig struct {
	Log  bool       `yaml:"log"`
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig 描述事件发布使用的 RabbitMQ exchange。
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AlertingConfig 配置作业终态失败时的告警回调。
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig 是一个告警回调地址。
type WebhookConfig struct {
	Channel string `yaml:"channel"`
	URL     string `yaml:"url"`
}

// TaskQueueConfig 选择异步作业队列的实现。
type TaskQueueConfig struct {
	Driver      string `yaml:"driver"`
	Buffer      int    `yaml:"buffer"`
	RedisKey    string `yaml:"redis_key"`
	AMQPURL     string `yaml:"amqp_url"`
	AMQPQueue   string `yaml:"amqp_queue"`
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// TaskStoreConfig 选择作业持久化实现。
type TaskStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoadFromEnv 读取 ORCHESTRATOR_CONFIG 指向的配置文件，未设置时使用默认路径。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvPath))
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准展开。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, c.Logging.Audit.Path)
	}

	c.Audit.Backend = strings.ToLower(strings.TrimSpace(c.Audit.Backend))
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Audit.Backend == "file" {
		if c.Audit.FilePath == "" {
			c.Audit.FilePath = "decisions.jsonl"
		}
		if !filepath.IsAbs(c.Audit.FilePath) {
			c.Audit.FilePath = filepath.Join(c.Runtime.DataDir, c.Audit.FilePath)
		}
	}
	if c.Audit.Retention > 0 && c.Audit.RetentionInterval <= 0 {
		c.Audit.RetentionInterval = time.Hour
	}

	if c.Retry.Strategy == "" {
		c.Retry.Strategy = string(retry.StrategyExponential)
	}

	if c.Budget.Policy == "" {
		c.Budget.Policy = planning.PolicyBlock
	}
	if c.Budget.WarnThreshold <= 0 {
		c.Budget.WarnThreshold = planning.DefaultWarnThreshold
	}

	if c.Routing.Policy == "" {
		c.Routing.Policy = routing.PolicyRoundRobin
	}
	if c.Routing.LoadTracker == "" {
		c.Routing.LoadTracker = "memory"
	}
	if c.Routing.RedisKey == "" {
		c.Routing.RedisKey = "orchestrator:worker_load"
	}

	if c.Approval.Retention <= 0 {
		c.Approval.Retention = time.Hour
	}
	if c.Approval.Relay.Channel == "" {
		c.Approval.Relay.Channel = "orchestrator:approvals"
	}

	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "orchestrator.events"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 64
	}
	if c.TaskQueue.RedisKey == "" {
		c.TaskQueue.RedisKey = "orchestrator:jobs"
	}
	if c.TaskQueue.AMQPQueue == "" {
		c.TaskQueue.AMQPQueue = "orchestrator.jobs"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.MaxAttempts <= 0 {
		c.TaskQueue.MaxAttempts = 3
	}

	if c.TaskStore.Driver == "" {
		c.TaskStore.Driver = "memory"
	}
}

// Validate 在启动前检查配置的完整性，返回所有问题的合并错误。
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if _, err := auth.NewService(c.Auth); err != nil {
		problems = append(problems, fmt.Errorf("auth: %w", err))
	}

	switch c.Audit.Backend {
	case "memory", "file":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Audit.DSN) == "" {
			add("audit.dsn 不能为空 (backend=%s)", c.Audit.Backend)
		}
	default:
		add("不支持的 audit.backend: %s", c.Audit.Backend)
	}

	if _, err := retry.NewPolicy(c.Retry); err != nil {
		problems = append(problems, err)
	}
	if _, err := planning.ParseBudgetPolicy(string(c.Budget.Policy)); err != nil {
		problems = append(problems, err)
	}
	if c.Budget.WarnThreshold > 1 {
		add("budget.warn_threshold 必须位于 (0,1]: %v", c.Budget.WarnThreshold)
	}

	if _, err := routing.NewPolicy(c.Routing.Policy, nil); err != nil {
		problems = append(problems, err)
	}
	switch c.Routing.LoadTracker {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			add("routing.load_tracker=redis 需要配置 redis.address")
		}
	default:
		add("不支持的 routing.load_tracker: %s", c.Routing.LoadTracker)
	}
	if len(c.Routing.Workers) == 0 {
		add("routing.workers 至少需要一个 Worker")
	}
	seen := make(map[string]struct{}, len(c.Routing.Workers))
	for i, w := range c.Routing.Workers {
		if strings.TrimSpace(w.ID) == "" {
			add("routing.workers[%d].id 不能为空", i)
			continue
		}
		if _, dup := seen[w.ID]; dup {
			add("routing.workers 中存在重复 id: %s", w.ID)
		}
		seen[w.ID] = struct{}{}
	}

	if err := c.Approval.Policy.Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.Approval.Relay.Enabled && c.Redis.Address == "" {
		add("approval.relay 需要配置 redis.address")
	}

	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		add("events.amqp.url 不能为空")
	}

	if c.Alerting.Enabled {
		if len(c.Alerting.Webhooks) == 0 {
			add("alerting.webhooks 至少需要一个回调")
		}
		for i, hook := range c.Alerting.Webhooks {
			if _, err := alerting.ParseChannel(hook.Channel); err != nil {
				add("alerting.webhooks[%d]: %v", i, err)
			}
			if strings.TrimSpace(hook.URL) == "" {
				add("alerting.webhooks[%d].url 不能为空", i)
			}
		}
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			add("task_queue.driver=redis 需要配置 redis.address")
		}
	case "rabbitmq":
		if c.TaskQueue.AMQPURL == "" {
			add("task_queue.amqp_url 不能为空")
		}
	default:
		add("不支持的 task_queue.driver: %s", c.TaskQueue.Driver)
	}

	switch c.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.TaskStore.DSN == "" {
			add("task_store.dsn 不能为空")
		}
	default:
		add("不支持的 task_store.driver: %s", c.TaskStore.Driver)
	}

	if strings.TrimSpace(c.Executor.Endpoint) == "" {
		add("executor.endpoint 不能为空")
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, errors.Join(problems...), "配置校验失败")
}
