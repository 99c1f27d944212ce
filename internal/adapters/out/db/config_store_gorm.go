package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/authstate/internal/domain/errs"
	"github.com/EthanQC/authstate/internal/ports/out"
)

// KVModel 通用配置存储表
type KVModel struct {
	Key       string    `gorm:"column:config_key;primaryKey;type:varchar(255)"`
	Value     []byte    `gorm:"column:config_value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (KVModel) TableName() string {
	return "authstate_kv"
}

// PoolConfig 连接池参数，零值表示使用驱动默认值
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open 按驱动名打开数据库并自动建表，driver 取 mysql 或 sqlite
func Open(driver, dsn string, pool PoolConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = time.Hour
	}
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.AutoMigrate(&KVModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate %s failed: %w", KVModel{}.TableName(), err)
	}
	return db, nil
}

// ConfigStoreGorm 基于 GORM 的持久化键值存储
type ConfigStoreGorm struct {
	db *gorm.DB
}

func NewConfigStoreGorm(db *gorm.DB) out.ConfigStore {
	return &ConfigStoreGorm{db: db}
}

func (s *ConfigStoreGorm) SaveConfig(ctx context.Context, key string, value []byte) error {
	model := &KVModel{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_value", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		return errs.Backend("gorm save config", err)
	}
	return nil
}

func (s *ConfigStoreGorm) GetConfig(ctx context.Context, key string) ([]byte, error) {
	var model KVModel
	err := s.db.WithContext(ctx).Where("config_key = ?", key).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Backend("gorm get config", err)
	}
	return model.Value, nil
}

func (s *ConfigStoreGorm) DeleteConfig(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("config_key = ?", key).Delete(&KVModel{}).Error
	if err != nil {
		return errs.Backend("gorm delete config", err)
	}
	return nil
}

func (s *ConfigStoreGorm) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&KVModel{}).Where("config_key = ?", key).Count(&count).Error
	if err != nil {
		return false, errs.Backend("gorm count config", err)
	}
	return count > 0, nil
}

func (s *ConfigStoreGorm) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&KVModel{}).
		Where("config_key LIKE ? ESCAPE '!'", escapeLike(prefix)+"%").
		Order("config_key").
		Pluck("config_key", &keys).Error
	if err != nil {
		return nil, errs.Backend("gorm list config keys", err)
	}
	return keys, nil
}

func (s *ConfigStoreGorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
