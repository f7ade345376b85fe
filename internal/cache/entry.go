package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
	"github.com/geocache/geocache/internal/spatial"
)

// meta_info 中与覆盖范围同步的键。
const (
	MetaTitle         = "title"
	MetaUUID          = "uuid"
	MetaRefUUID       = "ref_uuid"
	MetaVariables     = "variables"
	MetaTemporalStart = "temporal_coverage_start"
	MetaTemporalEnd   = "temporal_coverage_end"
	MetaBBoxMinX      = "bbox_minx"
	MetaBBoxMinY      = "bbox_miny"
	MetaBBoxMaxX      = "bbox_maxx"
	MetaBBoxMaxY      = "bbox_maxy"
)

// Subset 选择数据集的一部分，字段为空表示全部。
type Subset struct {
	TimeRange *coverage.TimeRange
	Region    *spatial.BBox
	Variables []string
}

// Entry 是一个已物化（或正在物化）的命名子集，拥有文件清单、时间/空间覆盖、
// 变量集合与 meta_info。清单按覆盖起始时间升序，无覆盖的文件排在最后。
type Entry struct {
	store *Store
	id    string

	mu        sync.RWMutex
	files     []coverage.File
	temporal  *coverage.TimeRange
	spatial   *spatial.BBox
	variables []string
	meta      *MetaInfo
	complete  bool
}

func newEntry(store *Store, id string) *Entry {
	return &Entry{store: store, id: id, meta: NewMetaInfo()}
}

// ID 返回带命名空间的条目 id。
func (e *Entry) ID() string { return e.id }

// Dir 是存放条目本地文件的目录。
func (e *Entry) Dir() string { return filepath.Join(e.store.dir, e.id) }

// Title 返回 meta_info.title，缺失时退回 id。
func (e *Entry) Title() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if title := e.meta.String(MetaTitle); title != "" {
		return title
	}
	return e.id
}

// IsComplete 表示物化是否已完成。
func (e *Entry) IsComplete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.complete
}

// IsEmpty 表示清单中没有任何文件。
func (e *Entry) IsEmpty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.files) == 0
}

// Files 返回清单副本。
func (e *Entry) Files() []coverage.File {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]coverage.File, len(e.files))
	for i, f := range e.files {
		out[i] = coverage.File{Path: f.Path}
		if f.Coverage != nil {
			out[i].Coverage = f.Coverage.Ptr()
		}
	}
	return out
}

// HasFile 判断 rel 是否已登记。
func (e *Entry) HasFile(rel string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.indexOf(rel) >= 0
}

func (e *Entry) indexOf(rel string) int {
	return slices.IndexFunc(e.files, func(f coverage.File) bool { return f.Path == rel })
}

// TemporalCoverage 返回汇总时间覆盖的副本。
func (e *Entry) TemporalCoverage() *coverage.TimeRange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.temporal == nil {
		return nil
	}
	return e.temporal.Ptr()
}

// SpatialCoverage 返回空间覆盖；未显式设置时从 bbox_* 元信息惰性推导。
func (e *Entry) SpatialCoverage() *spatial.BBox {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spatial == nil {
		e.spatial = bboxFromMeta(e.meta)
	}
	if e.spatial == nil {
		return nil
	}
	return e.spatial.Ptr()
}

// Variables 返回关注的变量，空表示全部。
func (e *Entry) Variables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.variables)
}

// MetaInfo 返回元信息副本。
func (e *Entry) MetaInfo() *MetaInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.Clone()
}

// AddFile 登记一个文件并按覆盖排序；带覆盖的文件会扩展条目的时间覆盖。
// 重复登记同一路径时更新其覆盖。
func (e *Entry) AddFile(rel string, cov *coverage.TimeRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	file := coverage.File{Path: rel}
	if cov != nil {
		file.Coverage = cov.Ptr()
	}
	if i := e.indexOf(rel); i >= 0 {
		e.files[i] = file
	} else {
		e.files = append(e.files, file)
	}
	backend.SortFiles(e.files)
	if cov != nil {
		e.setTemporal(coverage.Extend(e.temporal, *cov).Ptr())
	}
}

// RemoveFile 注销 rel，返回其此前是否已登记。
func (e *Entry) RemoveFile(rel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(rel)
	if i < 0 {
		return false
	}
	e.files = slices.Delete(e.files, i, i+1)
	return true
}

// UpdateTemporalCoverage 用外部给定的区间扩展时间覆盖。
func (e *Entry) UpdateTemporalCoverage(r coverage.TimeRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setTemporal(coverage.Extend(e.temporal, r).Ptr())
}

// SetSpatialCoverage 记录实际物化的空间范围，nil 表示清空。
func (e *Entry) SetSpatialCoverage(b *spatial.BBox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setSpatial(b)
}

// ReduceTemporalCoverage 删除完全落入 removal 的文件，并用残余区间裁剪时间覆盖，随后保存记录。
func (e *Entry) ReduceTemporalCoverage(ctx context.Context, removal coverage.TimeRange) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	toDelete, residual := coverage.PartitionRemovedFiles(e.files, removal)
	for _, rel := range toDelete {
		if err := removeIfExists(e.localPath(rel)); err != nil {
			e.mu.Unlock()
			return nil, ioErr("reduce", e.id, err)
		}
		if i := e.indexOf(rel); i >= 0 {
			e.files = slices.Delete(e.files, i, i+1)
		}
	}
	if residual != nil {
		e.setTemporal(coverage.Reduce(e.temporal, *residual))
	}
	e.mu.Unlock()

	if err := e.Save(); err != nil {
		return toDelete, err
	}
	return toDelete, nil
}

// Matches 对 id 与标题做大小写无关的子串匹配，空表达式匹配所有条目。
func (e *Entry) Matches(expr string) bool {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.id), expr) ||
		strings.Contains(strings.ToLower(e.Title()), expr)
}

// Save 持久化条目记录。
func (e *Entry) Save() error {
	return e.store.save(e)
}

// OpenDataset 打开条目的本地文件：按时间范围选择文件，解析通配符后拼接，
// 再按区域坐标与变量裁剪。没有文件匹配时返回 ErrNotFound。
func (e *Entry) OpenDataset(ctx context.Context, b backend.Backend, sel Subset) (*dataset.Dataset, error) {
	var paths []string
	for _, f := range e.Files() {
		if sel.TimeRange != nil && f.Coverage != nil && !sel.TimeRange.Selects(*f.Coverage) {
			continue
		}
		matches, err := b.Resolve(ctx, e.localPath(f.Path))
		if err != nil {
			return nil, ioErr("open", e.id, err)
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, entryErr("open", e.id, ErrNotFound, fmt.Errorf("no files match"))
	}

	ds, err := b.Open(ctx, paths)
	if err != nil {
		return nil, ioErr("open", e.id, err)
	}
	if sel.TimeRange != nil {
		if _, ok := ds.Coords[dataset.DimTime]; ok {
			if ds, err = ds.Sel(dataset.DimTime, dataset.TimeValue(sel.TimeRange.Start), dataset.TimeValue(sel.TimeRange.End)); err != nil {
				return nil, err
			}
		}
	}
	if sel.Region != nil {
		_, hasLat := ds.Coords[dataset.DimLat]
		_, hasLon := ds.Coords[dataset.DimLon]
		if hasLat && hasLon {
			if ds, err = ds.Sel(dataset.DimLat, sel.Region.MinLat, sel.Region.MaxLat); err != nil {
				return nil, err
			}
			if ds, err = ds.Sel(dataset.DimLon, sel.Region.MinLon, sel.Region.MaxLon); err != nil {
				return nil, err
			}
		}
	}
	if len(sel.Variables) > 0 {
		if ds, err = ds.Subset(sel.Variables); err != nil {
			return nil, entryErr("open", e.id, ErrNotFound, err)
		}
	}
	return ds, nil
}

// localPath 解析清单路径，绝对路径保持不变。
func (e *Entry) localPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(e.Dir(), filepath.FromSlash(rel))
}

// setTemporal / setSpatial / setVariables 保持 meta_info 与覆盖字段同步，调用方需持有写锁。
func (e *Entry) setTemporal(r *coverage.TimeRange) {
	e.temporal = r
	if r == nil {
		e.meta.Delete(MetaTemporalStart)
		e.meta.Delete(MetaTemporalEnd)
		return
	}
	e.meta.Set(MetaTemporalStart, coverage.FormatTime(r.Start))
	e.meta.Set(MetaTemporalEnd, coverage.FormatTime(r.End))
}

func (e *Entry) setSpatial(b *spatial.BBox) {
	e.spatial = b
	if b == nil {
		for _, k := range []string{MetaBBoxMinX, MetaBBoxMinY, MetaBBoxMaxX, MetaBBoxMaxY} {
			e.meta.Delete(k)
		}
		return
	}
	e.meta.Set(MetaBBoxMinX, b.MinLon)
	e.meta.Set(MetaBBoxMinY, b.MinLat)
	e.meta.Set(MetaBBoxMaxX, b.MaxLon)
	e.meta.Set(MetaBBoxMaxY, b.MaxLat)
}

// setVariables 过滤已有的变量描述，缺失的变量补齐空描述。
func (e *Entry) setVariables(names []string) {
	e.variables = slices.Clone(names)
	if len(names) == 0 {
		return
	}
	existing := map[string]any{}
	if list, ok := e.meta.values[MetaVariables].([]any); ok {
		for _, item := range list {
			if info, ok := item.(map[string]any); ok {
				if name, ok := info["name"].(string); ok {
					existing[name] = info
				}
			}
		}
	}
	infos := make([]any, 0, len(names))
	for _, name := range names {
		if info, ok := existing[name]; ok {
			infos = append(infos, info)
			continue
		}
		infos = append(infos, map[string]any{
			"name":          name,
			"units":         "",
			"long_name":     "",
			"standard_name": "",
		})
	}
	e.meta.Set(MetaVariables, infos)
}

func bboxFromMeta(meta *MetaInfo) *spatial.BBox {
	values := meta.Map()
	minX := spatial.HarmonizedFloat(values, MetaBBoxMinX)
	minY := spatial.HarmonizedFloat(values, MetaBBoxMinY)
	maxX := spatial.HarmonizedFloat(values, MetaBBoxMaxX)
	maxY := spatial.HarmonizedFloat(values, MetaBBoxMaxY)
	b, err := spatial.NewBBox(minX, minY, maxX, maxY)
	if err != nil {
		return nil
	}
	return &b
}

// variablesFromMeta 从字符串列表或 {name: ...} 对象列表中读取变量名。
func variablesFromMeta(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			names = append(names, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}
