package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/dataset"
)

// FieldError 指出出错的配置字段路径（如 Source[sst].Root），CLI 直接输出给用户。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, format string, args ...any) error {
	return FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// path 返回数据源字段的定位路径。
func (s SourceConfig) path(field string) string {
	return fmt.Sprintf("Source[%s].%s", s.Name, field)
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// 通过校验后数据源的 Driver 被规范化为注册表中的键。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Global.validate(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if _, dup := seen[src.Name]; dup && src.Name != "" {
			return invalid(src.path("Name"), "重复")
		}
		seen[src.Name] = struct{}{}
		if err := src.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (g GlobalConfig) validate() error {
	switch {
	case g.ListenPort <= 0 || g.ListenPort > 65535:
		return invalid("Global.ListenPort", "必须在 1-65535，得到 %d", g.ListenPort)
	case !validLevel(g.LogLevel):
		return invalid("Global.LogLevel", "仅支持 panic|fatal|error|warn|info|debug|trace")
	case g.StoragePath == "":
		return invalid("Global.StoragePath", "不能为空")
	case g.StoreID == "":
		return invalid("Global.StoreID", "不能为空")
	case strings.ContainsAny(g.StoreID, `./\`):
		return invalid("Global.StoreID", "不允许包含 . / \\")
	case g.CompressionLevel < 0 || g.CompressionLevel > dataset.MaxCompressionLevel:
		return invalid("Global.CompressionLevel", "必须在 0-%d", dataset.MaxCompressionLevel)
	case g.MaterializeTimeout.DurationValue() <= 0:
		return invalid("Global.MaterializeTimeout", "必须大于 0")
	}
	return nil
}

func (s *SourceConfig) validate() error {
	if s.Name == "" {
		return invalid("Source[].Name", "不能为空")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return invalid(s.path("Name"), "不允许包含路径分隔符或空格")
	}
	if strings.TrimSpace(s.Root) == "" {
		return invalid(s.path("Root"), "不能为空")
	}
	if strings.TrimSpace(s.Pattern) == "" {
		return invalid(s.path("Pattern"), "不能为空")
	}

	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if _, ok := backend.ResolveDriver(driver); !ok {
		return invalid(s.path("Driver"), "未注册驱动: %s，可选 %s", driver, strings.Join(backend.DriverKeys(), "|"))
	}
	s.Driver = driver
	return nil
}

func validLevel(level string) bool {
	_, err := logrus.ParseLevel(level)
	return err == nil
}
