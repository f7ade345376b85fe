package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	logPath := filepath.Join(blocked, "sub", "geocache.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000

[[Source]]
Name = "sst"
Root = "%s"
Pattern = "*.grid"
`, logPath, filepath.Join(dir, "storage"), filepath.Join(dir, "sources")))

	_, errOut := captureOutput(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d (%s)", code, errOut.String())
	}
}

func TestCheckConfigWritesJSONLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "geocache.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
StoreID = "team"

[[Source]]
Name = "sst"
Root = "%s"
`, logPath, filepath.Join(dir, "storage"), filepath.Join(dir, "sources")))

	t.Setenv("GEOCACHE_LOG_LEVEL", "")
	_, errOut := captureOutput(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (%s)", code, errOut.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("日志文件应被创建: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("日志应为 JSON: %v (%s)", err, data)
	}
	if line["action"] != "check_config" || line["store"] != "team" {
		t.Fatalf("unexpected log line: %v", line)
	}
	sources, _ := line["sources"].([]any)
	if len(sources) != 1 || sources[0] != "sst:gridfile" {
		t.Fatalf("sources 字段错误: %v", line["sources"])
	}
}
