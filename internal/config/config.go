// Package config 加载 authstate 的进程配置，加载后不再修改
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/EthanQC/authstate/pkg/zlog"
)

const envPrefix = "AUTHSTATE"

type Server struct {
	OpsPort int `mapstructure:"ops_port" validate:"min=1,max=65535"`
}

type Redis struct {
	Addr        string        `mapstructure:"addr" validate:"required"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"min=0"`
	PoolSize    int           `mapstructure:"pool_size" validate:"min=1"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

type Durable struct {
	Driver    string `mapstructure:"driver" validate:"oneof=mysql sqlite badger"`
	DSN       string `mapstructure:"dsn" validate:"required_unless=Driver badger"`
	BadgerDir string `mapstructure:"badger_dir"`
	InMemory  bool   `mapstructure:"in_memory"`
	// MaxOpenConns 等连接池参数只对 gorm 驱动生效
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Health struct {
	CheckInterval    time.Duration `mapstructure:"check_interval" validate:"gt=0"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	RecoveryWindow   time.Duration `mapstructure:"recovery_window" validate:"gt=0"`
}

type Sync struct {
	Enabled         bool          `mapstructure:"enabled"`
	LockTTL         time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"min=1"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	StartupRecovery bool          `mapstructure:"startup_recovery"`
	// Schedule 为空时不做定时双向同步
	Schedule string `mapstructure:"schedule"`
}

type Cleanup struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule" validate:"required"`
	RetentionDays  int           `mapstructure:"retention_days" validate:"min=1"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
}

type Blacklist struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
}

type Kafka struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix" validate:"required"`
}

// Config 进程配置
type Config struct {
	Env       string        `mapstructure:"-"`
	Namespace string        `mapstructure:"namespace" validate:"required,excludesall=:*"`
	OpTimeout time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	Server    Server        `mapstructure:"server"`
	Log       zlog.Config   `mapstructure:"log"`
	Redis     Redis         `mapstructure:"redis"`
	Durable   Durable       `mapstructure:"durable"`
	Health    Health        `mapstructure:"health"`
	Sync      Sync          `mapstructure:"sync"`
	Cleanup   Cleanup       `mapstructure:"cleanup"`
	Blacklist Blacklist     `mapstructure:"blacklist"`
	Kafka     Kafka         `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "jwt")
	v.SetDefault("op_timeout", 5*time.Second)
	v.SetDefault("server.ops_port", 9464)
	zlog.SetDefaults(v, "log")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("durable.driver", "badger")
	v.SetDefault("durable.badger_dir", "./data/badger")
	v.SetDefault("durable.max_open_conns", 20)
	v.SetDefault("durable.max_idle_conns", 10)
	v.SetDefault("durable.conn_max_lifetime", time.Hour)

	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("health.failure_threshold", 5)
	v.SetDefault("health.recovery_window", 5*time.Minute)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.lock_ttl", 30*time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.default_ttl", 24*time.Hour)
	v.SetDefault("sync.startup_recovery", true)
	v.SetDefault("sync.schedule", "")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.schedule", "0 0 2 * * *")
	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.batch_size", 1000)
	v.SetDefault("cleanup.max_attempts", 3)
	v.SetDefault("cleanup.initial_backoff", time.Second)

	v.SetDefault("blacklist.default_ttl", 24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "authstate")
}

// Load 读取 configs/config.{APP_ENV}.yaml，环境变量 AUTHSTATE_* 覆盖文件中的值
// 找不到配置文件时只用默认值与环境变量
func Load(paths ...string) (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	if len(paths) == 0 {
		paths = []string{"./configs", "../configs"}
	}

	v := viper.New()
	v.SetConfigName("config." + env)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config failed: %w", err)
	}
	cfg.Env = env
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 结构校验之外再校验日志段
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid config: kafka.brokers is empty while kafka is enabled")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
