package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/geocache/geocache/internal/config"
)

// EnvLogLevel 覆盖配置文件中的 LogLevel，便于临时排查（如 GEOCACHE_LOG_LEVEL=debug）。
const EnvLogLevel = "GEOCACHE_LOG_LEVEL"

// InitLogger 构建进程级 JSON logger：级别取自环境变量或配置，写入 lumberjack
// 轮转文件；日志目录不可用时退回 stdout 并记录 logger_fallback。
// logrus 全局实例同步为相同设置。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := resolveLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	sink, sinkErr := openSink(cfg)
	logger.SetOutput(sink)

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(sink)
	logrus.SetLevel(level)

	if sinkErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", sinkErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(sinkErr.Error())
	}
	return logger, nil
}

// WithComponent 为日志附加 component 字段。
func WithComponent(logger *logrus.Logger, component string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", component)
}

// Discard 返回丢弃所有输出的 logger，供未注入 logger 的组件与测试使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func resolveLevel(configured string) (logrus.Level, error) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		level, err := logrus.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return 0, fmt.Errorf("%s=%q: %w", EnvLogLevel, raw, err)
		}
		return level, nil
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		return 0, fmt.Errorf("无法解析日志级别: %w", err)
	}
	return level, nil
}

// openSink 返回日志输出目标；目录创建失败时返回 stdout 与原因。
func openSink(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
