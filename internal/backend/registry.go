package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/geocache/geocache/internal/coverage"
)

const defaultDriverKey = "gridfile"

var globalRegistry = newRegistry()

// CoverageFunc 从文件名或文件内容推断单个文件的时间覆盖，无法推断时返回 nil。
type CoverageFunc func(path string) (*coverage.TimeRange, error)

// DriverMetadata 记录一个驱动的静态信息。
type DriverMetadata struct {
	Key         string
	Description string
	// SupportsSubset 为 false 时文件只能整体复制，不能按区域或变量裁剪。
	SupportsSubset bool
	Coverage       CoverageFunc
}

// DefaultDriverKey 返回未配置 Driver 时使用的驱动键。
func DefaultDriverKey() string {
	return defaultDriverKey
}

type registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverMetadata
}

func newRegistry() *registry {
	return &registry{drivers: make(map[string]DriverMetadata)}
}

// RegisterDriver 将驱动加入全局注册表，重复键会返回错误。
func RegisterDriver(meta DriverMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegisterDriver 在注册失败时 panic，适合 init() 中调用。
func MustRegisterDriver(meta DriverMetadata) {
	if err := RegisterDriver(meta); err != nil {
		panic(err)
	}
}

// ResolveDriver 返回指定键的驱动，空键解析为默认驱动。
func ResolveDriver(key string) (DriverMetadata, bool) {
	if strings.TrimSpace(key) == "" {
		key = defaultDriverKey
	}
	return globalRegistry.resolve(key)
}

// Drivers 返回按键排序的驱动列表。
func Drivers() []DriverMetadata {
	return globalRegistry.list()
}

// DriverKeys 返回所有已注册驱动的键值。
func DriverKeys() []string {
	items := Drivers()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta DriverMetadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("driver key is required")
	}
	if meta.Coverage == nil {
		return fmt.Errorf("driver %s requires a coverage func", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.drivers[key] = meta
	return nil
}

func (r *registry) resolve(key string) (DriverMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.drivers[normalizeKey(key)]
	return meta, ok
}

func (r *registry) list() []DriverMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.drivers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]DriverMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.drivers[key])
	}
	return result
}
