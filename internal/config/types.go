package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/geocache/geocache/internal/backend"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：日志、HTTP 端口与本地缓存库。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StoreID            string   `mapstructure:"StoreID"`
	CompressionLevel   int      `mapstructure:"CompressionLevel"`
	StrictLoad         bool     `mapstructure:"StrictLoad"`
	WatchStore         bool     `mapstructure:"WatchStore"`
	MaterializeTimeout Duration `mapstructure:"MaterializeTimeout"`
}

// SourceConfig 描述一个可被物化的远端数据源。
type SourceConfig struct {
	Name     string         `mapstructure:"Name"`
	Title    string         `mapstructure:"Title"`
	UUID     string         `mapstructure:"UUID"`
	Root     string         `mapstructure:"Root"`
	Pattern  string         `mapstructure:"Pattern"`
	Driver   string         `mapstructure:"Driver"`
	MetaInfo map[string]any `mapstructure:"MetaInfo"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Sources []SourceConfig `mapstructure:"Source"`
}

// Spec 转换为后端使用的数据源描述。
func (s SourceConfig) Spec() backend.SourceSpec {
	return backend.SourceSpec{
		ID:       s.Name,
		Title:    s.Title,
		UUID:     s.UUID,
		Root:     s.Root,
		Pattern:  s.Pattern,
		Driver:   s.Driver,
		MetaInfo: s.MetaInfo,
	}
}

// SourceSpecs 返回全部数据源的后端描述，顺序与配置文件一致。
func (c *Config) SourceSpecs() []backend.SourceSpec {
	specs := make([]backend.SourceSpec, len(c.Sources))
	for i, src := range c.Sources {
		specs[i] = src.Spec()
	}
	return specs
}

// SourceNames 返回数据源名称与驱动摘要，例如 sst:gridfile，供启动日志使用。
func SourceNames(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = fmt.Sprintf("%s:%s", src.Name, src.Driver)
	}
	return result
}
