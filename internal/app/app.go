// Package app 按配置组装各组件：健康监控 → 路由 → 对账 → 清理调度
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	badgerstore "github.com/EthanQC/authstate/internal/adapters/out/badger"
	"github.com/EthanQC/authstate/internal/adapters/out/db"
	"github.com/EthanQC/authstate/internal/adapters/out/durable"
	"github.com/EthanQC/authstate/internal/adapters/out/kafka"
	redisstore "github.com/EthanQC/authstate/internal/adapters/out/redis"
	"github.com/EthanQC/authstate/internal/application/cleanup"
	"github.com/EthanQC/authstate/internal/application/health"
	"github.com/EthanQC/authstate/internal/application/reconcile"
	"github.com/EthanQC/authstate/internal/application/routing"
	"github.com/EthanQC/authstate/internal/config"
	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
	"github.com/EthanQC/authstate/pkg/zlog"
)

// App 进程内的全部组件
type App struct {
	cfg      *config.Config
	keys     entity.KeySpace
	registry *prometheus.Registry

	Metrics    *metrics.Metrics
	Monitor    *health.Monitor
	Tokens     *routing.TokenRouter
	Blacklist  *routing.BlacklistRouter
	Reconciler *reconcile.Reconciler
	// Cleanup cleanup.enabled=false 时为空
	Cleanup *cleanup.Scheduler

	redis     redis.UniversalClient
	store     out.ConfigStore
	publisher out.EventPublisher
	closers   []func() error
}

// New 按配置连接 Redis、持久层与 Kafka
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	})

	store, err := openDurable(cfg.Durable)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	var publisher out.EventPublisher = kafka.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = kafka.NewKafkaPublisher(kafka.NewWriter(cfg.Kafka.Brokers))
		zap.L().Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	a, err := NewWithBackends(ctx, cfg, client, store, publisher)
	if err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func openDurable(c config.Durable) (out.ConfigStore, error) {
	switch c.Driver {
	case "badger":
		bdb, err := badgerstore.Open(c.BadgerDir, c.InMemory)
		if err != nil {
			return nil, err
		}
		zap.L().Info("durable backend ready", zap.String("driver", c.Driver), zap.String("dir", c.BadgerDir))
		return badgerstore.NewConfigStoreBadger(bdb), nil
	case "mysql", "sqlite":
		gdb, err := db.Open(c.Driver, c.DSN, db.PoolConfig{
			MaxIdleConns:    c.MaxIdleConns,
			MaxOpenConns:    c.MaxOpenConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		zap.L().Info("durable backend ready", zap.String("driver", c.Driver))
		return db.NewConfigStoreGorm(gdb), nil
	default:
		return nil, fmt.Errorf("unsupported durable driver %q", c.Driver)
	}
}

// NewWithBackends 使用已建立的连接组装组件，App 接管它们的关闭
func NewWithBackends(ctx context.Context, cfg *config.Config, client redis.UniversalClient, store out.ConfigStore, publisher out.EventPublisher) (*App, error) {
	keys := entity.NewKeySpace(cfg.Namespace)
	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.Register(reg)
	zlog.RegisterMetrics(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	topic := func(suffix string) string {
		if !cfg.Kafka.Enabled {
			return ""
		}
		return kafka.Topic(cfg.Kafka.TopicPrefix, suffix)
	}

	cacheRaw := redisstore.NewCacheBackend(client)
	durableRaw := durable.NewBackend(store)
	cacheTokens := redisstore.NewTokenStoreRedis(client, keys, cfg.Sync.DefaultTTL)
	cacheBlacklist := redisstore.NewBlacklistStoreRedis(client, keys, cfg.Blacklist.DefaultTTL)

	monitor := health.NewMonitor(health.Config{
		CheckInterval:    cfg.Health.CheckInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		RecoveryWindow:   cfg.Health.RecoveryWindow,
		EventTopic:       topic(kafka.TopicHealth),
	}, keys, map[entity.Backend]out.RawStore{
		entity.BackendCache:   cacheRaw,
		entity.BackendDurable: durableRaw,
	}, publisher, m)

	opts := routing.Options{OpTimeout: cfg.OpTimeout, BlacklistTTL: cfg.Blacklist.DefaultTTL}
	tokens := routing.NewTokenRouter(cacheTokens, durable.NewTokenStoreDurable(store, keys), monitor, m, opts)
	blacklist := routing.NewBlacklistRouter(cacheBlacklist, durable.NewBlacklistStoreDurable(store, keys), monitor, m, opts)

	rec := reconcile.NewReconciler(reconcile.Config{
		BatchSize:  cfg.Sync.BatchSize,
		LockTTL:    cfg.Sync.LockTTL,
		DefaultTTL: cfg.Sync.DefaultTTL,
		OpTimeout:  cfg.OpTimeout,
		EventTopic: topic(kafka.TopicSync),
	}, keys, reconcile.Backends{
		Cache:   cacheRaw,
		Locker:  cacheRaw,
		Durable: durableRaw,
		Indexes: []out.IndexRebuilder{cacheTokens, cacheBlacklist},
	}, monitor, publisher, m)

	a := &App{
		cfg:        cfg,
		keys:       keys,
		registry:   reg,
		Metrics:    m,
		Monitor:    monitor,
		Tokens:     tokens,
		Blacklist:  blacklist,
		Reconciler: rec,
		redis:      client,
		store:      store,
		publisher:  publisher,
	}

	if cfg.Cleanup.Enabled {
		deps := cleanup.Deps{
			Tokens:    tokens,
			Blacklist: blacklist,
			Stats:     durableRaw,
			Publisher: publisher,
			Metrics:   m,
		}
		syncSchedule := ""
		if cfg.Sync.Enabled {
			deps.Sync = rec
			syncSchedule = cfg.Sync.Schedule
		}
		sched, err := cleanup.NewScheduler(ctx, cleanup.Config{
			Schedule:       cfg.Cleanup.Schedule,
			SyncSchedule:   syncSchedule,
			RetentionDays:  cfg.Cleanup.RetentionDays,
			BatchSize:      cfg.Cleanup.BatchSize,
			MaxAttempts:    cfg.Cleanup.MaxAttempts,
			InitialBackoff: cfg.Cleanup.InitialBackoff,
			OpTimeout:      cfg.OpTimeout,
			EventTopic:     topic(kafka.TopicCleanup),
		}, keys, deps)
		if err != nil {
			return nil, err
		}
		a.Cleanup = sched
	}

	a.closers = append(a.closers, client.Close, store.Close)
	if c, ok := publisher.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	return a, nil
}

// Start 执行启动恢复并启动定时任务；启动恢复失败不会阻止进程启动
func (a *App) Start(ctx context.Context) {
	if a.cfg.Sync.Enabled {
		a.Reconciler.LoadStats(ctx)
		if a.cfg.Sync.StartupRecovery {
			res := a.Reconciler.PerformStartupRecovery(ctx)
			zap.L().Info("startup recovery finished",
				zap.Bool("success", res.Success),
				zap.String("message", res.Message))
		}
	}
	if a.Cleanup != nil {
		a.Cleanup.Start()
	}
}

// Close 停止定时任务并关闭所有连接
func (a *App) Close(ctx context.Context) error {
	if a.Cleanup != nil {
		a.Cleanup.Stop(ctx)
	}
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type healthReport struct {
	Available bool            `json:"available"`
	Backends  map[string]bool `json:"backends"`
}

type statsReport struct {
	Health  health.Stats         `json:"health"`
	Sync    entity.SyncStats     `json:"sync"`
	Cleanup *entity.CleanupStats `json:"cleanup,omitempty"`
}

// OpsHandler 运维端口：/metrics、/log/level、/healthz、/stats
func (a *App) OpsHandler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})))
	r.Any("/log/level", gin.WrapF(zlog.LevelHTTPHandler()))
	r.GET("/healthz", func(c *gin.Context) {
		report := healthReport{Backends: map[string]bool{}}
		for b, ok := range a.Monitor.AllHealth(c.Request.Context()) {
			report.Backends[b.String()] = ok
			report.Available = report.Available || ok
		}
		status := http.StatusOK
		if !report.Available {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	r.GET("/stats", func(c *gin.Context) {
		report := statsReport{Health: a.Monitor.Stats(), Sync: a.Reconciler.SyncStats()}
		if a.Cleanup != nil {
			st := a.Cleanup.Stats()
			report.Cleanup = &st
		}
		c.JSON(http.StatusOK, report)
	})
	return r
}
