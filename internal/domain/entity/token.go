package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/EthanQC/authstate/internal/domain/errs"
)

// TokenStatus 令牌状态
type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "ACTIVE"
	TokenStatusRevoked TokenStatus = "REVOKED"
	TokenStatusExpired TokenStatus = "EXPIRED"
)

// AllTokenStatuses 按固定顺序列出全部状态，用于索引重建
var AllTokenStatuses = []TokenStatus{TokenStatusActive, TokenStatusRevoked, TokenStatusExpired}

func (s TokenStatus) Valid() bool {
	switch s {
	case TokenStatusActive, TokenStatusRevoked, TokenStatusExpired:
		return true
	}
	return false
}

// Terminal REVOKED 与 EXPIRED 为终态
func (s TokenStatus) Terminal() bool {
	return s == TokenStatusRevoked || s == TokenStatusExpired
}

// ParseTokenStatus 大小写不敏感地解析状态
func ParseTokenStatus(raw string) (TokenStatus, error) {
	s := TokenStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errs.Validation("unknown token status %q", raw)
	}
	return s, nil
}

// StatusChange 状态变更审计记录
type StatusChange struct {
	From   TokenStatus `msgpack:"from"`
	To     TokenStatus `msgpack:"to"`
	Reason string      `msgpack:"reason,omitempty"`
	Actor  string      `msgpack:"actor,omitempty"`
	At     time.Time   `msgpack:"at"`
}

// TokenRecord 已签发令牌的持久化记录，以 TokenHash 为唯一键
type TokenRecord struct {
	ID            string            `msgpack:"id"`
	UserID        string            `msgpack:"user_id"`
	TokenHash     string            `msgpack:"token_hash"`
	Status        TokenStatus       `msgpack:"status"`
	IssuedAt      time.Time         `msgpack:"issued_at"`
	ExpiresAt     time.Time         `msgpack:"expires_at"`
	CreatedAt     time.Time         `msgpack:"created_at"`
	UpdatedAt     time.Time         `msgpack:"updated_at"`
	RevokedAt     *time.Time        `msgpack:"revoked_at,omitempty"`
	RevokeReason  string            `msgpack:"revoke_reason,omitempty"`
	RevokedBy     string            `msgpack:"revoked_by,omitempty"`
	DeviceInfo    string            `msgpack:"device_info,omitempty"`
	IPAddress     string            `msgpack:"ip_address,omitempty"`
	UserAgent     string            `msgpack:"user_agent,omitempty"`
	Metadata      map[string]string `msgpack:"metadata,omitempty"`
	StatusHistory []StatusChange    `msgpack:"status_history,omitempty"`
}

// NewTokenRecord 创建一条 ACTIVE 状态的令牌记录
func NewTokenRecord(id, userID, tokenHash string, issuedAt, expiresAt time.Time) *TokenRecord {
	now := issuedAt
	if now.IsZero() {
		now = time.Now()
	}
	return &TokenRecord{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		Status:    TokenStatusActive,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate 检查写入前的必填字段
func (t *TokenRecord) Validate() error {
	if t == nil {
		return errs.Validation("token record is nil")
	}
	if strings.TrimSpace(t.TokenHash) == "" {
		return errs.Validation("token hash is empty")
	}
	if !t.Status.Valid() {
		return errs.Validation("token %s has unknown status %q", t.TokenHash, t.Status)
	}
	if !t.ExpiresAt.IsZero() && !t.IssuedAt.IsZero() && t.ExpiresAt.Before(t.IssuedAt) {
		return errs.Validation("token %s expires before it was issued", t.TokenHash)
	}
	return nil
}

// IsExpired 未设置过期时间的记录视为不过期
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

// ApplyStatus 执行状态迁移
// 重复设置当前状态返回 changed=false；从终态迁出返回 ErrInvalidStatusTransition
func (t *TokenRecord) ApplyStatus(next TokenStatus, reason, actor string, at time.Time) (bool, error) {
	if !next.Valid() {
		return false, errs.Validation("unknown token status %q", next)
	}
	if t.Status == next {
		return false, nil
	}
	if t.Status.Terminal() {
		return false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidStatusTransition, t.Status, next)
	}

	t.StatusHistory = append(t.StatusHistory, StatusChange{
		From:   t.Status,
		To:     next,
		Reason: reason,
		Actor:  actor,
		At:     at,
	})
	t.Status = next
	t.UpdatedAt = at
	if next == TokenStatusRevoked {
		revokedAt := at
		t.RevokedAt = &revokedAt
		t.RevokeReason = reason
		t.RevokedBy = actor
	}
	return true, nil
}

// Clone 深拷贝，避免调用方修改存储中的对象
func (t *TokenRecord) Clone() *TokenRecord {
	if t == nil {
		return nil
	}
	c := *t
	if t.RevokedAt != nil {
		ra := *t.RevokedAt
		c.RevokedAt = &ra
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StatusHistory != nil {
		c.StatusHistory = append([]StatusChange(nil), t.StatusHistory...)
	}
	return &c
}
