package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/geocache/geocache/internal/backend"
)

// 环境变量覆盖项。
const (
	EnvConfigPath = "GEOCACHE_CONFIG"
	EnvStorePath  = "GEOCACHE_STORE_PATH"
)

// DefaultStoreID 与 cache.DefaultStoreID 保持一致。
const DefaultStoreID = "local"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i], filepath.Dir(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "")
	v.SetDefault("StoreID", DefaultStoreID)
	v.SetDefault("CompressionLevel", 0)
	v.SetDefault("StrictLoad", false)
	v.SetDefault("WatchStore", false)
	v.SetDefault("MaterializeTimeout", "30m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreID = strings.TrimSpace(g.StoreID)
	if g.StoreID == "" {
		g.StoreID = DefaultStoreID
	}
	if override := strings.TrimSpace(os.Getenv(EnvStorePath)); override != "" {
		g.StoragePath = override
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		g.StoragePath = DefaultStoragePath(g.StoreID)
	}
	if g.MaterializeTimeout.DurationValue() == 0 {
		g.MaterializeTimeout = Duration(30 * time.Minute)
	}
}

// DefaultStoragePath 返回 <home>/.geocache/data_stores/<storeID>，无法获取
// 用户目录时退回当前目录下的 .geocache。
func DefaultStoragePath(storeID string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".geocache", "data_stores", storeID)
}

// applySourceDefaults 规范化驱动键，并将相对根目录解析到配置文件所在目录。
func applySourceDefaults(s *SourceConfig, baseDir string) {
	s.Name = strings.TrimSpace(s.Name)
	if driver := strings.ToLower(strings.TrimSpace(s.Driver)); driver != "" {
		s.Driver = driver
	} else {
		s.Driver = backend.DefaultDriverKey()
	}
	if strings.TrimSpace(s.Pattern) == "" {
		s.Pattern = "*"
	}
	if root := strings.TrimSpace(s.Root); root != "" && !filepath.IsAbs(root) {
		s.Root = filepath.Join(baseDir, root)
	}
	if s.Title == "" {
		s.Title = s.Name
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
