package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// TokenSweeper 令牌清理只返回错误，删除数由前后两次计数得出
type TokenSweeper interface {
	CountActiveTokens(ctx context.Context) (int64, error)
	RemoveExpiredTokens(ctx context.Context) error
}

type BlacklistSweeper interface {
	CleanupExpiredEntries(ctx context.Context) (int64, error)
}

// SyncRunner 可选的定时双向同步
type SyncRunner interface {
	PerformBidirectionalSync(ctx context.Context) entity.SyncResult
}

// Config 清理任务配置
type Config struct {
	// Schedule 带秒字段的 cron 表达式
	Schedule string
	// SyncSchedule 为空时不注册定时同步
	SyncSchedule   string
	RetentionDays  int
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	RunTimeout     time.Duration
	OpTimeout      time.Duration
	EventTopic     string
}

func DefaultConfig() Config {
	return Config{
		Schedule:       "0 0 2 * * *",
		RetentionDays:  30,
		BatchSize:      1000,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		RunTimeout:     30 * time.Minute,
		OpTimeout:      5 * time.Second,
	}
}

// Deps 调度器依赖；Sync、Publisher、Metrics 可为空
type Deps struct {
	Tokens    TokenSweeper
	Blacklist BlacklistSweeper
	Sync      SyncRunner
	// Stats 持久层原始视图，用于保存累计统计
	Stats     out.RawStore
	Publisher out.EventPublisher
	Metrics   *metrics.Metrics
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler 定时清理过期令牌与黑名单，也支持手动触发
type Scheduler struct {
	cfg      Config
	keys     entity.KeySpace
	deps     Deps
	schedule cron.Schedule
	cron     *cron.Cron
	now      func() time.Time

	mu       sync.Mutex
	counters statsDoc
}

// NewScheduler 解析调度表达式并加载已持久化的统计
func NewScheduler(ctx context.Context, cfg Config, keys entity.KeySpace, deps Deps) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if deps.Tokens == nil || deps.Blacklist == nil {
		return nil, errs.Validation("cleanup scheduler needs token and blacklist sweepers")
	}

	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, errs.Validation("invalid cleanup schedule %q: %v", cfg.Schedule, err)
	}

	s := &Scheduler{
		cfg:      cfg,
		keys:     keys,
		deps:     deps,
		schedule: schedule,
		now:      time.Now,
		counters: statsDoc{Version: statsVersion},
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(zap.L()))),
		cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(zap.L())))),
	)
	s.cron.Schedule(schedule, cron.FuncJob(s.runScheduled))

	if cfg.SyncSchedule != "" && deps.Sync != nil {
		if _, err := s.cron.AddFunc(cfg.SyncSchedule, s.runSync); err != nil {
			return nil, errs.Validation("invalid sync schedule %q: %v", cfg.SyncSchedule, err)
		}
	}

	s.loadStats(ctx)
	zap.L().Info("cleanup scheduler initialized",
		zap.String("schedule", cfg.Schedule),
		zap.Int("retention_days", cfg.RetentionDays),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int64("total_runs", s.counters.TotalRuns))
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	zap.L().Info("cleanup scheduler started", zap.Time("next_run", s.schedule.Next(s.now())))
}

// Stop 停止调度并等待正在执行的任务结束，ctx 到期时不再等待
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		zap.L().Info("cleanup scheduler stopped")
	case <-ctx.Done():
		zap.L().Warn("cleanup scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	zap.L().Info("starting scheduled cleanup", zap.String("schedule", s.cfg.Schedule))
	res := s.RunNow(ctx)
	if !res.Success {
		zap.L().Warn("scheduled cleanup finished with errors", zap.String("error", res.ErrorMessage))
	}
	zap.L().Info("next scheduled cleanup", zap.Time("at", s.schedule.Next(s.now())))
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	res := s.deps.Sync.PerformBidirectionalSync(ctx)
	if !res.Success {
		zap.L().Warn("scheduled sync did not succeed", zap.String("message", res.Message))
	}
}

// RunNow 立即执行一次清理；失败只体现在结果中
func (s *Scheduler) RunNow(ctx context.Context) (res entity.CleanupResult) {
	start := s.now()
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("cleanup panicked", zap.Any("panic", p))
			end := s.now()
			res = entity.CleanupResult{
				StartTime:    start,
				EndTime:      end,
				DurationMs:   end.Sub(start).Milliseconds(),
				ErrorMessage: fmt.Sprintf("Cleanup failed: %v", p),
			}
			s.record(ctx, res)
		}
	}()

	tokens, tokenErr := s.sweepTokens(ctx)
	blacklist, blacklistErr := s.sweepBlacklist(ctx)
	end := s.now()

	res = entity.CleanupResult{
		RemovedTokens:           tokens,
		RemovedBlacklistEntries: blacklist,
		StartTime:               start,
		EndTime:                 end,
		DurationMs:              end.Sub(start).Milliseconds(),
		Success:                 tokenErr == nil && blacklistErr == nil,
		Details: fmt.Sprintf("Removed %d tokens and %d blacklist entries (retention %d days, batch size %d)",
			tokens, blacklist, s.cfg.RetentionDays, s.cfg.BatchSize),
	}
	if !res.Success {
		res.ErrorMessage = fmt.Sprintf("Partial cleanup failure - Token: %s, Blacklist: %s",
			phaseStatus(tokenErr), phaseStatus(blacklistErr))
		if tokenErr != nil {
			res.Details += fmt.Sprintf("; token cleanup error: %v", tokenErr)
		}
		if blacklistErr != nil {
			res.Details += fmt.Sprintf("; blacklist cleanup error: %v", blacklistErr)
		}
	}
	s.record(ctx, res)
	return res
}

func phaseStatus(err error) string {
	if err != nil {
		return "FAILED"
	}
	return "SUCCESS"
}

// sweepTokens 删除数 = max(0, 清理前 ACTIVE 数 - 清理后 ACTIVE 数)
func (s *Scheduler) sweepTokens(ctx context.Context) (int64, error) {
	return s.retry(ctx, entity.KindToken, func(ctx context.Context) (int64, error) {
		before, err := s.deps.Tokens.CountActiveTokens(ctx)
		if err != nil {
			return 0, fmt.Errorf("count active tokens before cleanup: %w", err)
		}
		if err := s.deps.Tokens.RemoveExpiredTokens(ctx); err != nil {
			return 0, fmt.Errorf("remove expired tokens: %w", err)
		}
		after, err := s.deps.Tokens.CountActiveTokens(ctx)
		if err != nil {
			return 0, fmt.Errorf("count active tokens after cleanup: %w", err)
		}
		return max(0, before-after), nil
	})
}

func (s *Scheduler) sweepBlacklist(ctx context.Context) (int64, error) {
	return s.retry(ctx, entity.KindBlacklist, s.deps.Blacklist.CleanupExpiredEntries)
}

type cleanupEvent struct {
	Event  string               `json:"event"`
	Result entity.CleanupResult `json:"result"`
}

// record 更新累计统计；持久化与发布失败只记日志
func (s *Scheduler) record(ctx context.Context, res entity.CleanupResult) {
	s.mu.Lock()
	s.counters.apply(res)
	snapshot := s.counters
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.CleanupRemoved.WithLabelValues(entity.KindToken).Add(float64(res.RemovedTokens))
		m.CleanupRemoved.WithLabelValues(entity.KindBlacklist).Add(float64(res.RemovedBlacklistEntries))
		m.CleanupDuration.Observe(res.EndTime.Sub(res.StartTime).Seconds())
		if !res.Success {
			m.CleanupFailures.Inc()
		}
	}

	fields := []zap.Field{
		zap.Int64("tokens_removed", res.RemovedTokens),
		zap.Int64("blacklist_removed", res.RemovedBlacklistEntries),
		zap.Int64("duration_ms", res.DurationMs),
		zap.Int64("total_runs", snapshot.TotalRuns),
	}
	if res.Success {
		zap.L().Info("cleanup completed", fields...)
	} else {
		zap.L().Warn("cleanup completed with errors", append(fields, zap.String("error", res.ErrorMessage))...)
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()
	s.saveStats(bctx, snapshot)

	if s.deps.Publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	data, err := json.Marshal(cleanupEvent{Event: "cleanup.completed", Result: res})
	if err != nil {
		return
	}
	if err := s.deps.Publisher.Publish(bctx, s.cfg.EventTopic, "cleanup", data); err != nil {
		zap.L().Warn("publish cleanup event failed", zap.Error(err))
	}
}

// Stats 累计统计与健康判断
func (s *Scheduler) Stats() entity.CleanupStats {
	s.mu.Lock()
	c := s.counters
	s.mu.Unlock()

	now := s.now()
	st := entity.CleanupStats{
		TotalRuns:                    c.TotalRuns,
		SuccessfulRuns:               c.SuccessfulRuns,
		FailedRuns:                   c.FailedRuns,
		TotalTokensRemoved:           c.TotalTokensRemoved,
		TotalBlacklistEntriesRemoved: c.TotalBlacklistEntriesRemoved,
		SuccessRate:                  1,
		LastCleanupTime:              c.LastCleanupTime,
		LastSuccessTime:              c.LastSuccessTime,
		HoursSinceLastSuccess:        -1,
		NextScheduledCleanup:         s.schedule.Next(now),
		Schedule:                     s.cfg.Schedule,
		RetentionDays:                s.cfg.RetentionDays,
	}
	if c.TotalRuns > 0 {
		st.SuccessRate = float64(c.SuccessfulRuns) / float64(c.TotalRuns)
		st.AverageDurationMs = float64(c.TotalDurationMs) / float64(c.TotalRuns)
	}
	if !c.LastSuccessTime.IsZero() {
		st.HoursSinceLastSuccess = now.Sub(c.LastSuccessTime).Hours()
	}
	st.IsHealthy = st.SuccessRate >= entity.HealthySuccessRate
	return st
}
