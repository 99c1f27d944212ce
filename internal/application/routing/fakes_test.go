package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EthanQC/authstate/internal/domain/entity"
	"github.com/EthanQC/authstate/internal/domain/errs"
)

var errDown = errs.Backend("fake", errors.New("connection refused"))

// fakeHealth 固定返回缓存的健康状态并记录上报
type fakeHealth struct {
	mu           sync.Mutex
	cacheHealthy bool
	successes    map[string]int
	failures     map[string]int
}

func newFakeHealth(cacheHealthy bool) *fakeHealth {
	return &fakeHealth{cacheHealthy: cacheHealthy, successes: map[string]int{}, failures: map[string]int{}}
}

func (h *fakeHealth) IsHealthy(_ context.Context, b entity.Backend) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b == entity.BackendCache {
		return h.cacheHealthy
	}
	return true
}

func (h *fakeHealth) IsServiceAvailable(context.Context) bool { return true }

func (h *fakeHealth) RecordSuccess(b entity.Backend, op string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[string(b)+":"+op]++
}

func (h *fakeHealth) RecordFailure(b entity.Backend, op string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[string(b)+":"+op]++
}

func (h *fakeHealth) failuresOf(b entity.Backend, op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[string(b)+":"+op]
}

// memTokenStore 内存令牌仓储，fail 非空时所有调用返回该错误
type memTokenStore struct {
	mu    sync.Mutex
	data  map[string]*entity.TokenRecord
	fail  error
	calls int
	now   func() time.Time
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{data: map[string]*entity.TokenRecord{}, now: time.Now}
}

func (s *memTokenStore) enter() error {
	s.calls++
	return s.fail
}

func (s *memTokenStore) Save(_ context.Context, t *entity.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return err
	}
	s.data[t.TokenHash] = t.Clone()
	return nil
}

func (s *memTokenStore) FindByHash(_ context.Context, h string) (*entity.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	return s.data[h].Clone(), nil
}

func (s *memTokenStore) FindByID(_ context.Context, id string) (*entity.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	for _, t := range s.data {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memTokenStore) FindActiveByUserID(_ context.Context, uid string) ([]*entity.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	var res []*entity.TokenRecord
	for _, t := range s.data {
		if t.UserID == uid && t.Status == entity.TokenStatusActive && !t.IsExpired(s.now()) {
			res = append(res, t.Clone())
		}
	}
	return res, nil
}

func (s *memTokenStore) update(h string, st entity.TokenStatus, reason, actor string) (*entity.TokenRecord, bool, error) {
	t, ok := s.data[h]
	if !ok {
		return nil, false, fmt.Errorf("token %s: %w", h, errs.ErrNotFound)
	}
	changed, err := t.ApplyStatus(st, reason, actor, s.now())
	if err != nil {
		return nil, false, err
	}
	return t.Clone(), changed, nil
}

func (s *memTokenStore) UpdateStatus(_ context.Context, h string, st entity.TokenStatus, reason, actor string) (*entity.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	t, _, err := s.update(h, st, reason, actor)
	return t, err
}

func (s *memTokenStore) BatchUpdateStatus(_ context.Context, hs []string, st entity.TokenStatus, reason, actor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	var n int64
	for _, h := range hs {
		_, changed, err := s.update(h, st, reason, actor)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *memTokenStore) CountActive(ctx context.Context) (int64, error) {
	return s.CountByStatus(ctx, entity.TokenStatusActive)
}

func (s *memTokenStore) CountByStatus(_ context.Context, st entity.TokenStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	var n int64
	for _, t := range s.data {
		if t.Status == st {
			n++
		}
	}
	return n, nil
}

func (s *memTokenStore) RemoveExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	var n int64
	for h, t := range s.data {
		if t.IsExpired(s.now()) {
			delete(s.data, h)
			n++
		}
	}
	return n, nil
}

func (s *memTokenStore) has(h string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[h]
	return ok
}

func (s *memTokenStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memBlacklistStore 内存黑名单仓储
type memBlacklistStore struct {
	mu    sync.Mutex
	data  map[string]*entity.BlacklistEntry
	fail  error
	calls int
	now   func() time.Time
}

func newMemBlacklistStore() *memBlacklistStore {
	return &memBlacklistStore{data: map[string]*entity.BlacklistEntry{}, now: time.Now}
}

func (s *memBlacklistStore) enter() error {
	s.calls++
	return s.fail
}

func (s *memBlacklistStore) Add(_ context.Context, e *entity.BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return err
	}
	c := *e
	s.data[e.TokenHash] = &c
	return nil
}

func (s *memBlacklistStore) Get(_ context.Context, h string) (*entity.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, err
	}
	e, ok := s.data[h]
	if !ok || !e.IsActive(s.now()) {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (s *memBlacklistStore) IsBlacklisted(ctx context.Context, h string) (bool, error) {
	e, err := s.Get(ctx, h)
	return e != nil, err
}

func (s *memBlacklistStore) Remove(_ context.Context, h string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return err
	}
	delete(s.data, h)
	return nil
}

func (s *memBlacklistStore) count(pred func(*entity.BlacklistEntry) bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	var n int64
	for _, e := range s.data {
		if pred(e) {
			n++
		}
	}
	return n, nil
}

func (s *memBlacklistStore) Size(context.Context) (int64, error) {
	return s.count(func(e *entity.BlacklistEntry) bool { return e.IsActive(s.now()) })
}

func (s *memBlacklistStore) CountExpiring(_ context.Context, within time.Duration) (int64, error) {
	return s.count(func(e *entity.BlacklistEntry) bool {
		return e.IsActive(s.now()) && !e.ExpiresAt.After(s.now().Add(within))
	})
}

func (s *memBlacklistStore) RemoveExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	var n int64
	for h, e := range s.data {
		if !e.IsActive(s.now()) {
			delete(s.data, h)
			n++
		}
	}
	return n, nil
}

func (s *memBlacklistStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
