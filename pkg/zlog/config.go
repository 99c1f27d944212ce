package zlog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件策略
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 为空时不写文件
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件上限（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`
}

// Config 日志配置，作为应用配置中的 log 段加载
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Development  bool       `mapstructure:"development"`
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

// SetDefaults 在 prefix 段下注册默认值
func SetDefaults(v *viper.Viper, prefix string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	v.SetDefault(key("service"), "authstate")
	v.SetDefault(key("level"), "info")
	v.SetDefault(key("encoding"), "json")
	v.SetDefault(key("stdout"), true)
	v.SetDefault(key("file.max_size"), 100)
	v.SetDefault(key("file.max_backups"), 60)
	v.SetDefault(key("file.max_age"), 30)
	v.SetDefault(key("enable_metric"), true)
}

// Validate 校验并补全文件相关的缺省值
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("log config: service is empty")
	}
	c.Level = strings.ToLower(c.Level)
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log config: unknown level %q", c.Level)
	}
	c.Encoding = strings.ToLower(c.Encoding)
	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log config: unknown encoding %q", c.Encoding)
	}
	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("log config: file.path is required when stdout is disabled")
	}
	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
