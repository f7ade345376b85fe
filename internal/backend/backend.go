package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"

	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
)

var (
	// ErrSourceNotFound 表示数据源 ID 未配置。
	ErrSourceNotFound = fmt.Errorf("data source %w", errdefs.ErrNotFound)
	// ErrNotSubsettable 表示驱动无法按区域或变量裁剪文件。
	ErrNotSubsettable = fmt.Errorf("driver cannot subset files: %w", errdefs.ErrNotImplemented)
	// ErrReadOnly 表示在读模式句柄上调用了写操作。
	ErrReadOnly = errors.New("handle opened read-only")
)

// Mode 决定 OpenSingle 以只读还是写入方式打开文件。
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// SourceSpec 描述一个远端数据源：文件位于 Root 下并匹配 Pattern。
type SourceSpec struct {
	ID      string
	Title   string
	UUID    string
	Root    string
	Pattern string
	Driver  string
	// MetaInfo 是数据源级元信息，创建缓存条目时作为初始值复制。
	MetaInfo map[string]any
}

// FileRef 是数据源清单中的一个文件，Path 为绝对路径。
type FileRef = coverage.File

// Handle 是单个文件的底层句柄：读模式暴露属性与数据集，写模式支持逐变量写入，
// 在 Close 时一次性提交。Discard 之后的 Close 不会留下任何文件。
type Handle interface {
	Attrs() dataset.Attrs
	SetAttr(key string, value any)
	Dataset() (*dataset.Dataset, error)
	Define(dims map[string]int) error
	WriteVariable(name string, v *dataset.Variable, coord bool) error
	Discard()
	Close() error
}

// Backend 是缓存所依赖的远端数据集接口。
type Backend interface {
	Sources() []SourceSpec
	Source(id string) (SourceSpec, error)
	// ListFiles 返回按时间覆盖排序的清单，无日期的文件排在最后。
	ListFiles(ctx context.Context, sourceID string) ([]FileRef, error)
	Resolve(ctx context.Context, pattern string) ([]string, error)
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
	// Open 解码这些文件并沿时间轴拼接。
	Open(ctx context.Context, paths []string) (*dataset.Dataset, error)
	OpenSingle(ctx context.Context, path string, mode Mode) (Handle, error)
}
