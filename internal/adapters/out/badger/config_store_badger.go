package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// zapLogger 把 badger 的日志转到 zap
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

// Open 打开嵌入式 badger 库；inMemory 为 true 时忽略 dir
func Open(dir string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(zapLogger{s: zap.L().Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// ConfigStoreBadger 基于 badger 的持久化键值存储
type ConfigStoreBadger struct {
	db *badger.DB
}

func NewConfigStoreBadger(db *badger.DB) out.ConfigStore {
	return &ConfigStoreBadger{db: db}
}

func (s *ConfigStoreBadger) SaveConfig(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errs.Backend("badger set", err)
	}
	return nil
}

func (s *ConfigStoreBadger) GetConfig(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Backend("badger get", err)
	}
	return value, nil
}

func (s *ConfigStoreBadger) DeleteConfig(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errs.Backend("badger delete", err)
	}
	return nil
}

// Exists 只查键，不读取值
func (s *ConfigStoreBadger) Exists(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, errs.Backend("badger exists", err)
	}
}

// Keys 只遍历键，不预取值
func (s *ConfigStoreBadger) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errs.Backend("badger list keys", err)
	}
	return keys, nil
}

func (s *ConfigStoreBadger) Close() error {
	return s.db.Close()
}
