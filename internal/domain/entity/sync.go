package entity

import "time"

// SyncResult 一次同步操作的结果，构造后不再修改
type SyncResult struct {
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processed_count"`
	SuccessCount   int    `json:"success_count"`
	FailureCount   int    `json:"failure_count"`
	Message        string `json:"message"`
	DurationMs     int64  `json:"duration_ms"`
}

// SyncSucceeded 没有失败，或成功数多于失败数
func SyncSucceeded(successCount, failureCount int) bool {
	return failureCount == 0 || (successCount > 0 && failureCount < successCount)
}

func NewSyncResult(processed, succeeded, failed int, message string, elapsed time.Duration) SyncResult {
	return SyncResult{
		Success:        SyncSucceeded(succeeded, failed),
		ProcessedCount: processed,
		SuccessCount:   succeeded,
		FailureCount:   failed,
		Message:        message,
		DurationMs:     elapsed.Milliseconds(),
	}
}

func FailedSyncResult(message string, elapsed time.Duration) SyncResult {
	return SyncResult{Success: false, Message: message, DurationMs: elapsed.Milliseconds()}
}

// ConsistencyCheckResult 缓存与持久层的差异报告
type ConsistencyCheckResult struct {
	Consistent       bool   `json:"consistent"`
	CacheCount       int    `json:"cache_count"`
	DurableCount     int    `json:"durable_count"`
	MissingInCache   int    `json:"missing_in_cache"`
	MissingInDurable int    `json:"missing_in_durable"`
	ConflictCount    int    `json:"conflict_count"`
	Details          string `json:"details"`

	MissingInCacheKeys   []string `json:"missing_in_cache_keys,omitempty"`
	MissingInDurableKeys []string `json:"missing_in_durable_keys,omitempty"`
	ConflictKeys         []string `json:"conflict_keys,omitempty"`
}

// SyncStats 同步统计
type SyncStats struct {
	TotalSyncs      int64         `json:"total_syncs"`
	SuccessfulSyncs int64         `json:"successful_syncs"`
	FailedSyncs     int64         `json:"failed_syncs"`
	LastSyncTime    time.Time     `json:"last_sync_time"`
	SuccessRate     float64       `json:"success_rate"`
	BatchSize       int           `json:"batch_size"`
	LockTTL         time.Duration `json:"lock_ttl"`
}
