package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/dataset"
)

// FileSystem 从本地或挂载目录提供数据源。
type FileSystem struct {
	sources     map[string]SourceSpec
	order       []string
	compression int
	logger      *logrus.Logger
}

// Option 配置 FileSystem。
type Option func(*FileSystem)

// WithCompressionLevel 设置写入句柄使用的 zstd 级别（0 表示不压缩）。
func WithCompressionLevel(level int) Option {
	return func(f *FileSystem) {
		f.compression = level
	}
}

// WithLogger 设置 logger；nil 保留丢弃输出的 logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(f *FileSystem) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFileSystem 校验数据源配置并返回文件系统后端。Root 会被转换为绝对路径。
func NewFileSystem(specs []SourceSpec, opts ...Option) (*FileSystem, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	fsb := &FileSystem{
		sources: make(map[string]SourceSpec, len(specs)),
		logger:  discard,
	}
	for _, opt := range opts {
		opt(fsb)
	}
	if fsb.compression < 0 || fsb.compression > dataset.MaxCompressionLevel {
		return nil, fmt.Errorf("compression level %d out of range 0..%d", fsb.compression, dataset.MaxCompressionLevel)
	}

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("data source id is required")
		}
		if _, exists := fsb.sources[spec.ID]; exists {
			return nil, fmt.Errorf("data source %s declared twice", spec.ID)
		}
		meta, ok := ResolveDriver(spec.Driver)
		if !ok {
			return nil, fmt.Errorf("data source %s: unknown driver %q", spec.ID, spec.Driver)
		}
		spec.Driver = meta.Key
		root, err := filepath.Abs(spec.Root)
		if err != nil {
			return nil, fmt.Errorf("data source %s: resolve root: %w", spec.ID, err)
		}
		spec.Root = root
		if spec.Title == "" {
			spec.Title = spec.ID
		}
		fsb.sources[spec.ID] = spec
		fsb.order = append(fsb.order, spec.ID)
	}
	return fsb, nil
}

// Sources 按声明顺序返回已配置的数据源。
func (f *FileSystem) Sources() []SourceSpec {
	result := make([]SourceSpec, 0, len(f.order))
	for _, id := range f.order {
		result = append(result, f.sources[id])
	}
	return result
}

// Source 按 id 返回单个数据源，不存在时返回 ErrSourceNotFound。
func (f *FileSystem) Source(id string) (SourceSpec, error) {
	spec, ok := f.sources[id]
	if !ok {
		return SourceSpec{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return spec, nil
}

// ListFiles 解析数据源的文件模式并通过驱动推断每个文件的时间覆盖。
// 覆盖无法推断的文件仍然列出，但排在最后。
func (f *FileSystem) ListFiles(ctx context.Context, sourceID string) ([]FileRef, error) {
	spec, err := f.Source(sourceID)
	if err != nil {
		return nil, err
	}
	driver, _ := ResolveDriver(spec.Driver)

	paths, err := f.Resolve(ctx, filepath.Join(spec.Root, spec.Pattern))
	if err != nil {
		return nil, err
	}
	refs := make([]FileRef, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cov, err := driver.Coverage(path)
		if err != nil {
			f.logger.WithFields(logrus.Fields{
				"action": "coverage_unknown",
				"source": sourceID,
				"path":   path,
			}).WithError(err).Warn("cannot determine file coverage")
		}
		refs = append(refs, FileRef{Path: path, Coverage: cov})
	}
	SortFiles(refs)
	return refs, nil
}

// SortFiles 按覆盖起止时间排序，无日期的文件排在最后。
func SortFiles(refs []FileRef) {
	slices.SortStableFunc(refs, func(a, b FileRef) int {
		switch {
		case a.Coverage == nil && b.Coverage == nil:
			return strings.Compare(a.Path, b.Path)
		case a.Coverage == nil:
			return 1
		case b.Coverage == nil:
			return -1
		}
		if c := a.Coverage.Start.Compare(b.Coverage.Start); c != 0 {
			return c
		}
		if c := a.Coverage.End.Compare(b.Coverage.End); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
}

// Resolve 将 glob 展开为排序后的普通文件绝对路径。
func (f *FileSystem) Resolve(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(pattern)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", pattern, err)
	}
	result := matches[:0]
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		result = append(result, path)
	}
	slices.Sort(result)
	return result, nil
}

// Fetch 打开文件用于原样复制。
func (f *FileSystem) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Open 逐个解码文件并沿时间轴拼接。
func (f *FileSystem) Open(ctx context.Context, paths []string) (*dataset.Dataset, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("open: no files")
	}
	parts := make([]*dataset.Dataset, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ds, err := dataset.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		parts = append(parts, ds)
	}
	return dataset.Concat(dataset.DimTime, parts...)
}

// OpenSingle 打开单个文件；写入句柄在 Close 时原子提交。
func (f *FileSystem) OpenSingle(ctx context.Context, path string, mode Mode) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeRead:
		ds, err := dataset.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &readHandle{ds: ds}, nil
	case ModeWrite:
		return &writeHandle{path: path, level: f.compression, ds: dataset.New()}, nil
	default:
		return nil, fmt.Errorf("unknown open mode %d", mode)
	}
}

type readHandle struct {
	ds *dataset.Dataset
}

func (h *readHandle) Attrs() dataset.Attrs { return h.ds.Attrs }

func (h *readHandle) SetAttr(key string, value any) { h.ds.Attrs[key] = value }

func (h *readHandle) Dataset() (*dataset.Dataset, error) { return h.ds, nil }

func (h *readHandle) Define(map[string]int) error { return ErrReadOnly }

func (h *readHandle) WriteVariable(string, *dataset.Variable, bool) error { return ErrReadOnly }

func (h *readHandle) Discard() {}

func (h *readHandle) Close() error { return nil }

type writeHandle struct {
	path      string
	level     int
	ds        *dataset.Dataset
	discarded bool
	closed    bool
}

func (h *writeHandle) Attrs() dataset.Attrs { return h.ds.Attrs }

func (h *writeHandle) SetAttr(key string, value any) { h.ds.Attrs[key] = value }

func (h *writeHandle) Dataset() (*dataset.Dataset, error) { return h.ds, nil }

func (h *writeHandle) Define(dims map[string]int) error {
	for name, n := range dims {
		if n < 0 {
			return fmt.Errorf("dimension %s has negative size", name)
		}
		h.ds.Dims[name] = n
	}
	return nil
}

func (h *writeHandle) WriteVariable(name string, v *dataset.Variable, coord bool) error {
	if h.closed {
		return os.ErrClosed
	}
	if coord {
		if len(v.Dims) != 1 {
			return fmt.Errorf("coordinate %s must be one dimensional", name)
		}
		if _, ok := h.ds.Dims[v.Dims[0]]; !ok {
			h.ds.Dims[v.Dims[0]] = len(v.Data)
		}
		h.ds.Coords[name] = v
		return nil
	}
	return h.ds.SetVar(name, v.Dims, v.Data, v.Attrs)
}

func (h *writeHandle) Discard() { h.discarded = true }

func (h *writeHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.discarded {
		return nil
	}
	if err := h.ds.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", h.path, err)
	}
	return dataset.WriteFile(h.path, h.ds, h.level)
}
