package entity

import "time"

// CleanupResult 单次清理的结果
type CleanupResult struct {
	RemovedTokens           int64     `json:"removed_tokens"`
	RemovedBlacklistEntries int64     `json:"removed_blacklist_entries"`
	StartTime               time.Time `json:"start_time"`
	EndTime                 time.Time `json:"end_time"`
	DurationMs              int64     `json:"duration_ms"`
	Success                 bool      `json:"success"`
	ErrorMessage            string    `json:"error_message,omitempty"`
	Details                 string    `json:"details,omitempty"`
}

func (r CleanupResult) TotalRemoved() int64 {
	return r.RemovedTokens + r.RemovedBlacklistEntries
}

// HealthySuccessRate 成功率不低于该值视为健康
const HealthySuccessRate = 0.9

// CleanupStats 累计清理统计
type CleanupStats struct {
	TotalRuns                    int64     `json:"total_runs"`
	SuccessfulRuns               int64     `json:"successful_runs"`
	FailedRuns                   int64     `json:"failed_runs"`
	TotalTokensRemoved           int64     `json:"total_tokens_removed"`
	TotalBlacklistEntriesRemoved int64     `json:"total_blacklist_entries_removed"`
	AverageDurationMs            float64   `json:"average_duration_ms"`
	SuccessRate                  float64   `json:"success_rate"`
	IsHealthy                    bool      `json:"is_healthy"`
	LastCleanupTime              time.Time `json:"last_cleanup_time"`
	LastSuccessTime              time.Time `json:"last_success_time"`
	HoursSinceLastSuccess        float64   `json:"hours_since_last_success"`
	NextScheduledCleanup         time.Time `json:"next_scheduled_cleanup"`
	Schedule                     string    `json:"schedule"`
	RetentionDays                int       `json:"retention_days"`
}
