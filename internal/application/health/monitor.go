package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/metrics"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// OpHealthCheck 探测本身在计数器中的操作名
const OpHealthCheck = "health_check"

var errProbeMismatch = errors.New("health probe read back a different value")

// Config 健康检查配置
type Config struct {
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	RecoveryWindow   time.Duration
	ProbeTTL         time.Duration
	// EventTopic 为空时不发布事件
	EventTopic string
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 5,
		RecoveryWindow:   5 * time.Minute,
		ProbeTTL:         time.Minute,
	}
}

type backendState struct {
	healthy         bool
	checked         bool
	lastCheckedAt   time.Time
	lastUnhealthyAt time.Time
	lastFailureAt   time.Time
	lastSuccessAt   time.Time
	// 任意操作成功即清零
	consecutiveFailures int64
}

type opCounter struct {
	failures      int64
	totalFailures int64
	successes     int64
}

// Monitor 维护各后端的健康判定与操作计数，所有状态只通过方法访问
type Monitor struct {
	cfg       Config
	keys      entity.KeySpace
	backends  map[entity.Backend]out.RawStore
	publisher out.EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time

	probes singleflight.Group

	mu       sync.Mutex
	states   map[entity.Backend]*backendState
	counters map[string]*opCounter
}

// NewMonitor backends 中缺失的后端始终视为不健康
func NewMonitor(cfg Config, keys entity.KeySpace, backends map[entity.Backend]out.RawStore, publisher out.EventPublisher, m *metrics.Metrics) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = def.RecoveryWindow
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = def.ProbeTTL
	}
	return &Monitor{
		cfg:       cfg,
		keys:      keys,
		backends:  backends,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
		states:    make(map[entity.Backend]*backendState),
		counters:  make(map[string]*opCounter),
	}
}

// state 调用方需持有 mu
func (m *Monitor) state(b entity.Backend) *backendState {
	st, ok := m.states[b]
	if !ok {
		st = &backendState{}
		m.states[b] = st
	}
	return st
}

func counterKey(b entity.Backend, op string) string {
	return string(b) + "_" + op
}

// counter 调用方需持有 mu
func (m *Monitor) counter(b entity.Backend, op string) *opCounter {
	k := counterKey(b, op)
	c, ok := m.counters[k]
	if !ok {
		c = &opCounter{}
		m.counters[k] = c
	}
	return c
}

// IsHealthy 刷新间隔内返回缓存的判定，否则同步探测
// 连续失败达到阈值且最近一次失败仍在恢复窗口内时，不探测直接判定为不健康
func (m *Monitor) IsHealthy(ctx context.Context, b entity.Backend) bool {
	m.mu.Lock()
	st := m.state(b)
	now := m.now()
	if st.consecutiveFailures >= int64(m.cfg.FailureThreshold) && now.Sub(st.lastFailureAt) < m.cfg.RecoveryWindow {
		st.healthy = false
		st.lastUnhealthyAt = now
		m.mu.Unlock()
		m.setGauge(b, false)
		return false
	}
	if st.checked && now.Sub(st.lastCheckedAt) < m.cfg.CheckInterval {
		healthy := st.healthy
		m.mu.Unlock()
		return healthy
	}
	m.mu.Unlock()

	// 同一后端的并发探测合并为一次
	v, _, _ := m.probes.Do(string(b), func() (any, error) {
		return m.probe(context.WithoutCancel(ctx), b), nil
	})
	return v.(bool)
}

// probe 写入唯一标记，读回比对后删除；任何错误或超时都判为不健康
func (m *Monitor) probe(ctx context.Context, b entity.Backend) (healthy bool) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panic: %v", r)
			healthy = false
		}
		m.finishProbe(b, healthy, err)
	}()

	store, ok := m.backends[b]
	if !ok || store == nil {
		err = fmt.Errorf("backend %s is not configured", b)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	marker := uuid.NewString()
	key := m.keys.HealthProbeKey(marker)
	if err = store.Put(ctx, key, []byte(marker), m.cfg.ProbeTTL); err != nil {
		return false
	}
	got, getErr := store.Get(ctx, key)
	delErr := store.Delete(ctx, key)
	switch {
	case getErr != nil:
		err = getErr
	case string(got) != marker:
		err = errProbeMismatch
	case delErr != nil:
		err = delErr
	}
	return err == nil
}

func (m *Monitor) finishProbe(b entity.Backend, healthy bool, err error) {
	m.mu.Lock()
	st := m.state(b)
	now := m.now()
	st.checked = true
	st.healthy = healthy
	st.lastCheckedAt = now
	if !healthy {
		st.lastUnhealthyAt = now
	}
	m.mu.Unlock()

	m.setGauge(b, healthy)
	if healthy {
		m.RecordSuccess(b, OpHealthCheck)
		return
	}
	zap.L().Warn("backend health probe failed",
		zap.String("backend", b.String()),
		zap.Error(err))
	m.RecordFailure(b, OpHealthCheck, err)
}

func (m *Monitor) setGauge(b entity.Backend, healthy bool) {
	if m.metrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.metrics.BackendHealthy.WithLabelValues(b.String()).Set(v)
}

// RecordFailure 记录一次失败；连续失败刚好达到阈值时输出硬故障事件
func (m *Monitor) RecordFailure(b entity.Backend, op string, err error) {
	m.mu.Lock()
	c := m.counter(b, op)
	c.failures++
	c.totalFailures++
	st := m.state(b)
	st.consecutiveFailures++
	st.lastFailureAt = m.now()
	consecutive := st.consecutiveFailures
	crossed := consecutive == int64(m.cfg.FailureThreshold)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BackendFailures.WithLabelValues(b.String(), op).Inc()
	}
	if !crossed {
		zap.L().Debug("backend operation failed",
			zap.String("backend", b.String()),
			zap.String("op", op),
			zap.Int64("consecutive", consecutive),
			zap.Error(err))
		return
	}

	zap.L().Error("backend marked unhealthy after consecutive failures",
		zap.String("backend", b.String()),
		zap.String("op", op),
		zap.Int64("consecutive", consecutive),
		zap.Error(err))
	m.publishUnhealthy(b, op, consecutive, err)
}

// RecordSuccess 清零该操作与该后端的连续失败计数
func (m *Monitor) RecordSuccess(b entity.Backend, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(b, op)
	c.successes++
	c.failures = 0
	st := m.state(b)
	st.consecutiveFailures = 0
	st.lastSuccessAt = m.now()
}

type unhealthyEvent struct {
	Event               string    `json:"event"`
	Backend             string    `json:"backend"`
	Operation           string    `json:"operation"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Error               string    `json:"error,omitempty"`
	At                  time.Time `json:"at"`
}

// publishUnhealthy 异步发布，不阻塞调用方
func (m *Monitor) publishUnhealthy(b entity.Backend, op string, consecutive int64, cause error) {
	if m.publisher == nil || m.cfg.EventTopic == "" {
		return
	}
	ev := unhealthyEvent{
		Event:               "backend.unhealthy",
		Backend:             b.String(),
		Operation:           op,
		ConsecutiveFailures: consecutive,
		At:                  m.now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		defer cancel()
		if err := m.publisher.Publish(ctx, m.cfg.EventTopic, b.String(), data); err != nil {
			zap.L().Warn("publish backend health event failed", zap.Error(err))
		}
	}()
}

// ShouldFallbackToSecondary 缓存不健康、恢复窗口内曾不健康或连续失败达到阈值时返回 true
func (m *Monitor) ShouldFallbackToSecondary(ctx context.Context) bool {
	if !m.IsHealthy(ctx, entity.BackendCache) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(entity.BackendCache)
	if !st.lastUnhealthyAt.IsZero() && m.now().Sub(st.lastUnhealthyAt) < m.cfg.RecoveryWindow {
		return true
	}
	return st.consecutiveFailures >= int64(m.cfg.FailureThreshold)
}

// RecommendedPrimary 缓存健康时选缓存，否则选持久层
func (m *Monitor) RecommendedPrimary(ctx context.Context) entity.Backend {
	if m.IsHealthy(ctx, entity.BackendCache) {
		return entity.BackendCache
	}
	return entity.BackendDurable
}

// AllHealth 返回所有已配置后端的健康判定
func (m *Monitor) AllHealth(ctx context.Context) map[entity.Backend]bool {
	result := make(map[entity.Backend]bool, len(m.backends))
	for b := range m.backends {
		result[b] = m.IsHealthy(ctx, b)
	}
	return result
}

// IsServiceAvailable 任一后端健康即可用
func (m *Monitor) IsServiceAvailable(ctx context.Context) bool {
	for _, healthy := range m.AllHealth(ctx) {
		if healthy {
			return true
		}
	}
	return false
}

// Refresh 作废缓存的判定，下次查询重新探测
func (m *Monitor) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		st.checked = false
	}
}
