package entity

import (
	"strings"
)

const DefaultNamespace = "jwt"

const (
	KindToken     = "token"
	KindBlacklist = "blacklist"
)

// KeySpace 持久化键布局：{namespace}:{recordKind}:{tokenHash}
// 索引集合均可由主记录重建
type KeySpace struct {
	Namespace string
}

func NewKeySpace(ns string) KeySpace {
	if ns == "" {
		ns = DefaultNamespace
	}
	return KeySpace{Namespace: ns}
}

func (k KeySpace) join(parts ...string) string {
	return k.Namespace + ":" + strings.Join(parts, ":")
}

func (k KeySpace) TokenPrefix() string     { return k.join(KindToken) + ":" }
func (k KeySpace) BlacklistPrefix() string { return k.join(KindBlacklist) + ":" }

func (k KeySpace) TokenKey(hash string) string     { return k.TokenPrefix() + hash }
func (k KeySpace) BlacklistKey(hash string) string { return k.BlacklistPrefix() + hash }

func (k KeySpace) UserTokensKey(userID string) string { return k.join("user_tokens", userID) }
func (k KeySpace) StatusKey(s TokenStatus) string     { return k.join("status", string(s)) }
func (k KeySpace) BlacklistIndexKey() string          { return k.join("blacklist_index") }

func (k KeySpace) SyncLockKey() string     { return k.join("sync", "lock") }
func (k KeySpace) SyncStatsKey() string    { return k.join("sync", "stats") }
func (k KeySpace) CleanupStatsKey() string { return k.join("cleanup", "stats") }
func (k KeySpace) HealthProbeKey(id string) string {
	return k.join("health", "probe", id)
}

// HashFromKey 从主记录键中取出 tokenHash
func HashFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
