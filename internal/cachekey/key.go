// Package cachekey 派生缓存请求的去重指纹：数据源、时间范围、空间范围与变量集合
// 相同的请求得到相同的键，从而落到同一个缓存条目。
package cachekey

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/spatial"
)

// Namespace 是派生键使用的固定 UUID 命名空间，修改它会使已有条目名全部失效。
var Namespace = versionedNamespace([]byte("1234567890123456"))

// Derive 返回请求参数对应的 v3 UUID。
func Derive(sourceID string, timeRange *coverage.TimeRange, region *spatial.BBox, variables []string) string {
	var b strings.Builder
	b.WriteString(sourceID)
	if timeRange != nil {
		b.WriteString(coverage.Format(*timeRange))
	}
	if region != nil {
		b.WriteString(spatial.Format(*region))
	}
	if len(variables) > 0 {
		b.WriteString(FormatVariables(variables))
	}
	return uuid.NewMD5(Namespace, []byte(b.String())).String()
}

// Title 把请求参数追加到可读标题之后。
func Title(title string, timeRange *coverage.TimeRange, region *spatial.BBox, variables []string) string {
	if timeRange != nil {
		title += " [TimeRange:" + coverage.Format(*timeRange) + "]"
	}
	if region != nil {
		title += " [Region:" + spatial.Format(*region) + "]"
	}
	if len(variables) > 0 {
		title += " [Variables:" + FormatVariables(variables) + "]"
	}
	return title
}

// FormatVariables 输出与输入顺序无关的变量集合文本。
func FormatVariables(variables []string) string {
	return strings.Join(NormalizeVariables(variables), ", ")
}

// NormalizeVariables 去空白、去重并排序变量名。
func NormalizeVariables(variables []string) []string {
	out := make([]string, 0, len(variables))
	for _, name := range variables {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ParseVariables 解析逗号分隔的变量列表。
func ParseVariables(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NormalizeVariables(strings.Split(raw, ","))
}

func versionedNamespace(raw []byte) uuid.UUID {
	var ns uuid.UUID
	copy(ns[:], raw)
	ns[6] = (ns[6] & 0x0f) | 0x30
	ns[8] = (ns[8] & 0x3f) | 0x80
	return ns
}
