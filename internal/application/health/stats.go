package health

import (
	"sort"
	"strings"
	"time"

	"github.com/EthanQC/authstate/internal/domain/entity"
)

// OpStats 单个 (backend, op) 的计数
type OpStats struct {
	Backend entity.Backend `json:"backend"`
	Op      string         `json:"op"`
	// Failures 连续失败次数，成功后清零
	Failures      int64   `json:"failures"`
	TotalFailures int64   `json:"total_failures"`
	Successes     int64   `json:"successes"`
	SuccessRate   float64 `json:"success_rate"`
}

// BackendStats 后端级别的健康状态
type BackendStats struct {
	Healthy             bool      `json:"healthy"`
	Checked             bool      `json:"checked"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
}

type Stats struct {
	Operations []OpStats                       `json:"operations"`
	Backends   map[entity.Backend]BackendStats `json:"backends"`
}

// successRate 没有任何记录时视为 1
func successRate(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 1
	}
	return float64(successes) / float64(total)
}

// Stats 返回计数快照，按 backend、op 排序
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Operations: make([]OpStats, 0, len(m.counters)),
		Backends:   make(map[entity.Backend]BackendStats, len(m.states)),
	}
	for k, c := range m.counters {
		backend, op, _ := strings.Cut(k, "_")
		s.Operations = append(s.Operations, OpStats{
			Backend:       entity.Backend(backend),
			Op:            op,
			Failures:      c.failures,
			TotalFailures: c.totalFailures,
			Successes:     c.successes,
			SuccessRate:   successRate(c.successes, c.totalFailures),
		})
	}
	sort.Slice(s.Operations, func(i, j int) bool {
		if s.Operations[i].Backend != s.Operations[j].Backend {
			return s.Operations[i].Backend < s.Operations[j].Backend
		}
		return s.Operations[i].Op < s.Operations[j].Op
	})
	for b, st := range m.states {
		s.Backends[b] = BackendStats{
			Healthy:             st.healthy,
			Checked:             st.checked,
			LastCheckedAt:       st.lastCheckedAt,
			LastFailureAt:       st.lastFailureAt,
			LastSuccessAt:       st.lastSuccessAt,
			ConsecutiveFailures: st.consecutiveFailures,
		}
	}
	return s
}
