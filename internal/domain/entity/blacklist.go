package entity

import (
	"strings"
	"time"

	"github.com/EthanQC/authstate/internal/domain/errs"
)

const (
	DefaultBlacklistReason  = "Manual revocation"
	DefaultBlacklistAddedBy = "system"
	DefaultBlacklistTTL     = 24 * time.Hour
)

// BlacklistEntry 已吊销令牌的黑名单条目
type BlacklistEntry struct {
	TokenHash string    `msgpack:"token_hash"`
	Reason    string    `msgpack:"reason"`
	AddedBy   string    `msgpack:"added_by"`
	AddedAt   time.Time `msgpack:"added_at"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

// NewBlacklistEntry 按默认值补全原因、操作人和过期时间
func NewBlacklistEntry(tokenHash, reason, addedBy string, now time.Time, ttl time.Duration) *BlacklistEntry {
	if reason == "" {
		reason = DefaultBlacklistReason
	}
	if addedBy == "" {
		addedBy = DefaultBlacklistAddedBy
	}
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}
	return &BlacklistEntry{
		TokenHash: tokenHash,
		Reason:    reason,
		AddedBy:   addedBy,
		AddedAt:   now,
		ExpiresAt: now.Add(ttl),
	}
}

func (e *BlacklistEntry) Validate() error {
	if e == nil {
		return errs.Validation("blacklist entry is nil")
	}
	if strings.TrimSpace(e.TokenHash) == "" {
		return errs.Validation("blacklist token hash is empty")
	}
	if e.ExpiresAt.IsZero() {
		return errs.Validation("blacklist entry %s has no expiry", e.TokenHash)
	}
	return nil
}

// IsActive 过期时间在未来时条目才生效
func (e *BlacklistEntry) IsActive(now time.Time) bool {
	return e.ExpiresAt.After(now)
}
