package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Orchestrator/internal/api"
	"OpenMCP-Orchestrator/internal/approval"
	"OpenMCP-Orchestrator/internal/audit"
	"OpenMCP-Orchestrator/internal/auth"
	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/executor"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/internal/retry"
	"OpenMCP-Orchestrator/internal/routing"
	"OpenMCP-Orchestrator/internal/storage/redis"
	"OpenMCP-Orchestrator/internal/storage/sqldb"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("orchestratord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("orchestratord")

	var redisClient *goredis.Client
	if needsRedis(cfg) {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	collector := metrics.NewCollector()
	emitter, closeEmitter, err := buildEmitter(cfg, collector)
	if err != nil {
		return err
	}
	defer closeEmitter()

	auditStore, err := audit.NewStore(ctx, audit.StoreConfig{
		Backend:         cfg.Audit.Backend,
		FilePath:        cfg.Audit.FilePath,
		DSN:             cfg.Audit.DSN,
		MaxOpenConns:    cfg.Audit.MaxOpenConns,
		MaxIdleConns:    cfg.Audit.MaxIdleConns,
		ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	trail := audit.NewTrail(auditStore)
	defer trail.Close()

	routingAuthority, err := buildRouting(cfg, redisClient, trail, emitter)
	if err != nil {
		return err
	}

	gateOpts := []approval.Option{approval.WithEmitter(emitter)}
	if cfg.Approval.Relay.Enabled {
		host, _ := os.Hostname()
		origin := fmt.Sprintf("%s-%d", host, os.Getpid())
		gateOpts = append(gateOpts, approval.WithRelay(approval.NewRedisRelay(redisClient, cfg.Approval.Relay.Channel, origin)))
	}
	gate, err := approval.NewGate(cfg.Approval.Policy, gateOpts...)
	if err != nil {
		return err
	}

	retryPolicy, err := retry.NewPolicy(cfg.Retry)
	if err != nil {
		return err
	}
	exec, err := executor.NewHTTPExecutor(cfg.Executor)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Executor: exec,
		Routing:  routingAuthority,
		Planning: planning.NewAuthority(trail, planning.WithEmitter(emitter)),
		Approval: gate,
		Trail:    trail,
		Retry:    retryPolicy,
		Emitter:  emitter,
	})
	if err != nil {
		return err
	}

	store, err := buildTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	queue, err := buildTaskQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer queue.Close()

	service := task.NewService(store, queue, cfg.TaskQueue.MaxAttempts,
		task.WithDefaultLimits(cfg.Budget),
		task.WithServiceEmitter(emitter),
	)
	processor := task.NewProcessor(orch, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorEmitter(emitter),
		task.WithProcessorLogger(logger.Named("processor")),
	)

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	apiOpts := []api.Option{
		api.WithTraces(trail),
		api.WithApprovals(gate),
		api.WithAuth(authService),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, api.WithMetrics(collector))
	}
	server := api.NewServer(cfg.Server.Address, service, apiOpts...)

	appLog.Info("编排守护进程启动",
		slog.String("address", cfg.Server.Address),
		slog.String("routing_policy", routingAuthority.PolicyName()),
		slog.String("audit_backend", cfg.Audit.Backend),
		slog.String("task_queue", cfg.TaskQueue.Driver),
		slog.String("task_store", cfg.TaskStore.Driver),
		slog.String("auth_mode", string(authService.Mode())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error {
		trail.RunRetention(gctx, cfg.Audit.Retention, cfg.Audit.RetentionInterval)
		return nil
	})
	g.Go(func() error {
		gate.RunJanitor(gctx, cfg.Approval.Retention, cfg.Approval.Retention/4)
		return nil
	})
	if cfg.Approval.Relay.Enabled {
		g.Go(func() error { return gate.Listen(gctx) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return collector.StartServer(gctx, cfg.Metrics.Address) })
	}

	err = g.Wait()
	appLog.Info("编排守护进程退出", slog.Any("reason", err))
	return err
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Routing.LoadTracker == "redis" ||
		cfg.Approval.Relay.Enabled ||
		cfg.TaskQueue.Driver == "redis"
}

// buildEmitter 组合指标、日志、告警与 AMQP 事件输出。
func buildEmitter(cfg *config.Config, collector *metrics.Collector) (events.Emitter, func(), error) {
	sinks := []events.Emitter{collector}
	closeFn := func() {}
	if cfg.Events.Log {
		sinks = append(sinks, events.NewLogSink(logger.Audit()))
	}
	if cfg.Alerting.Enabled {
		notifiers := make([]alerting.Notifier, 0, len(cfg.Alerting.Webhooks))
		for _, hook := range cfg.Alerting.Webhooks {
			channel, err := alerting.ParseChannel(hook.Channel)
			if err != nil {
				return nil, nil, err
			}
			n, err := alerting.NewWebhookNotifier(channel, hook.URL, nil)
			if err != nil {
				return nil, nil, err
			}
			notifiers = append(notifiers, n)
		}
		sinks = append(sinks, alerting.NewSink(alerting.NewFanout(notifiers...)))
	}
	if cfg.Events.AMQP.Enabled {
		sink, err := events.NewAMQPSink(events.AMQPConfig{
			URL:      cfg.Events.AMQP.URL,
			Exchange: cfg.Events.AMQP.Exchange,
			Durable:  cfg.Events.AMQP.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closeFn = func() { _ = sink.Close() }
	}
	return events.NewFanout(sinks...), closeFn, nil
}

func buildRouting(cfg *config.Config, client goredis.UniversalClient, trail *audit.Trail, emitter events.Emitter) (*routing.Authority, error) {
	var tracker routing.LoadTracker
	switch cfg.Routing.LoadTracker {
	case "redis":
		tracker = routing.NewRedisLoadTracker(client, cfg.Routing.RedisKey)
	default:
		tracker = routing.NewMemoryLoadTracker()
	}
	policy, err := routing.NewPolicy(cfg.Routing.Policy, tracker)
	if err != nil {
		return nil, err
	}
	return routing.NewAuthority(policy, cfg.Routing.RoutingWorkers(), trail,
		routing.WithEmitter(emitter),
		routing.WithLoadTracker(tracker),
	), nil
}

func buildTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.TaskStore.Driver {
	case "mysql":
		store, err := task.OpenMySQLStore(ctx, sqldb.Config{
			Dialect:         sqldb.DialectMySQL,
			DSN:             cfg.TaskStore.DSN,
			MaxOpenConns:    cfg.TaskStore.MaxOpenConns,
			MaxIdleConns:    cfg.TaskStore.MaxIdleConns,
			ConnMaxLifetime: cfg.TaskStore.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return task.NewMemoryStore(), nil
	}
}

func buildTaskQueue(cfg *config.Config, client goredis.UniversalClient) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "redis":
		queue, err := task.NewRedisQueue(client, task.RedisQueueConfig{Queue: cfg.TaskQueue.RedisKey})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:     cfg.TaskQueue.AMQPURL,
			Queue:   cfg.TaskQueue.AMQPQueue,
			Durable: true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	}
}
