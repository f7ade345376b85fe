package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/cachekey"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/monitor"
	"github.com/geocache/geocache/internal/spatial"
)

// Request 请求把一个数据源的子集复制到本地。
type Request struct {
	SourceID string
	// LocalName 为空时条目名为 "<source>.<key>"，相同请求直接命中已有条目；
	// 指定名称时，只有 meta_info.uuid 与请求键一致的已有条目才会被复用。
	LocalName string
	Subset
}

// Materializer 将远端数据源的子集物化为缓存条目。进程内对同一条目的并发请求
// 合并为一次执行，跨进程互斥依赖 Store 的锁记录。
type Materializer struct {
	store   *Store
	backend backend.Backend
	logger  *logrus.Logger
	group   singleflight.Group
}

// NewMaterializer 绑定缓存库与其复制来源的后端。
func NewMaterializer(store *Store, b backend.Backend) *Materializer {
	return &Materializer{store: store, backend: b, logger: store.logger}
}

// MakeLocal 物化请求的子集并返回已注册的条目。没有文件匹配时条目被删除，
// 返回 (nil, nil)。失败时已写入的文件保留在未完成的条目中，之后可续建。
func (m *Materializer) MakeLocal(ctx context.Context, req Request, mon monitor.Monitor) (*Entry, error) {
	if mon == nil {
		mon = monitor.None
	}
	src, err := m.backend.Source(req.SourceID)
	if err != nil {
		return nil, err
	}
	sel := Subset{
		TimeRange: req.TimeRange,
		Region:    req.Region,
		Variables: cachekey.NormalizeVariables(req.Variables),
	}
	key := cachekey.Derive(src.ID, sel.TimeRange, sel.Region, sel.Variables)
	name := req.LocalName
	if name == "" {
		name = src.ID + "." + key
	}
	id := m.store.EntryID(name)

	v, err, shared := m.group.Do(id, func() (any, error) {
		return m.makeLocal(ctx, src, id, key, req.LocalName != "", sel, mon)
	})
	if shared {
		m.logger.WithFields(logging.EntryFields("materialize_shared", m.store.id, id, src.ID)).
			Debug("joined in-flight materialization")
	}
	if err != nil {
		return nil, err
	}
	entry, _ := v.(*Entry)
	return entry, nil
}

func (m *Materializer) makeLocal(ctx context.Context, src backend.SourceSpec, id, key string, named bool, sel Subset, mon monitor.Monitor) (*Entry, error) {
	existing, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		if named && existing.MetaInfo().String(MetaUUID) != key {
			mon.Done()
			return nil, entryErr("make_local", id, ErrAlreadyExists, errors.New("entry holds a different subset"))
		}
		mon.Done()
		m.logger.WithFields(logging.EntryFields("entry_reused", m.store.id, id, src.ID)).Info("cache hit")
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	meta := MetaInfoFrom(src.MetaInfo)
	if src.UUID != "" {
		meta.Set(MetaRefUUID, src.UUID)
	}
	meta.Set(MetaUUID, key)

	res, err := m.store.Create(ctx, CreateRequest{
		Name:      id,
		Title:     cachekey.Title(src.Title, sel.TimeRange, sel.Region, sel.Variables),
		Region:    sel.Region,
		Variables: sel.Variables,
		MetaInfo:  meta,
		Lock:      true,
	})
	if err != nil {
		mon.Done()
		return nil, err
	}
	entry := res.Entry

	matErr := m.materialize(ctx, src, entry, sel, res.Outcome == Resumed, mon)
	fields := logging.EntryFields("", m.store.id, id, src.ID)

	if entry.IsEmpty() {
		if err := m.store.Remove(context.WithoutCancel(ctx), id, true); err != nil && matErr == nil {
			return nil, err
		}
		fields["action"] = "materialize_empty"
		logEntry := m.logger.WithFields(fields)
		if matErr != nil {
			logEntry = logEntry.WithError(matErr)
		}
		logEntry.Info("no data for request, entry removed")
		return nil, matErr
	}
	if matErr != nil {
		fields["action"] = "materialize_failed"
		m.logger.WithFields(fields).WithError(matErr).Warn("materialization stopped, entry left resumable")
		return nil, matErr
	}
	if err := m.store.Register(entry); err != nil {
		return nil, err
	}
	fields["action"] = "materialize_done"
	m.logger.WithFields(fields).WithField("files", len(entry.Files())).Info("cache entry materialized")
	return entry, nil
}

// materialize 逐文件复制或裁剪。每个文件完成后立即登记并保存记录，
// 取消或失败时已完成的文件保持登记，其余文件不再处理。
func (m *Materializer) materialize(ctx context.Context, src backend.SourceSpec, entry *Entry, sel Subset, resumed bool, mon monitor.Monitor) error {
	defer mon.Done()

	files, err := m.backend.ListFiles(ctx, src.ID)
	if err != nil {
		return ioErr("list", entry.id, err)
	}
	selected := selectFiles(files, sel.TimeRange)
	mon.Start(fmt.Sprintf("sync %s", src.ID), float64(len(selected)))

	subsetting := sel.Region != nil || len(sel.Variables) > 0
	if subsetting {
		driver, ok := backend.ResolveDriver(src.Driver)
		if !ok || !driver.SupportsSubset {
			return entryErr("materialize", entry.id, nil, backend.ErrNotSubsettable)
		}
	}
	if len(selected) == 0 {
		return nil
	}
	if err := os.MkdirAll(entry.Dir(), 0o755); err != nil {
		return ioErr("materialize", entry.id, err)
	}

	for _, f := range selected {
		if mon.Cancelled() || ctx.Err() != nil {
			return entryErr("materialize", entry.id, nil, cancelErr(ctx))
		}
		rel := relPath(src.Root, f.Path)
		local := entry.localPath(rel)
		if resumed && entry.HasFile(rel) && fileExists(local) {
			mon.Progress(1, rel)
			continue
		}

		child := mon.Child(1)
		if subsetting {
			err = m.subsetFile(ctx, entry, f, rel, local, sel, child)
		} else {
			err = m.copyFile(ctx, entry, f, rel, local, child)
		}
		child.Done()
		if err != nil {
			return err
		}
		if err := entry.Save(); err != nil {
			return err
		}
	}
	return nil
}

// selectFiles 按时间范围选择文件：单时间戳文件要求 start <= t < end，
// 区间文件要求完全落入范围。没有时间范围时全部保留。
func selectFiles(files []backend.FileRef, tr *coverage.TimeRange) []backend.FileRef {
	if tr == nil {
		return files
	}
	out := make([]backend.FileRef, 0, len(files))
	for _, f := range files {
		if f.Coverage != nil && tr.Selects(*f.Coverage) {
			out = append(out, f)
		}
	}
	return out
}

func (m *Materializer) copyFile(ctx context.Context, entry *Entry, f backend.FileRef, rel, local string, mon monitor.Monitor) error {
	mon.Start(rel, 1)
	rc, err := m.backend.Fetch(ctx, f.Path)
	if err != nil {
		return ioErr("fetch", entry.id, err)
	}
	defer rc.Close()

	if _, err := putFile(ctx, local, rc); err != nil {
		entry.RemoveFile(rel)
		return ioErr("copy", entry.id, err)
	}
	entry.AddFile(rel, f.Coverage)
	mon.Progress(1, rel)
	return nil
}

// subsetFile 打开远端文件，按区域与变量裁剪后逐变量写入本地文件。远端句柄在
// 任何路径上都会关闭；写入失败时本地文件被丢弃并从清单中注销。
func (m *Materializer) subsetFile(ctx context.Context, entry *Entry, f backend.FileRef, rel, local string, sel Subset, mon monitor.Monitor) error {
	in, err := m.backend.OpenSingle(ctx, f.Path, backend.ModeRead)
	if err != nil {
		return ioErr("open", entry.id, err)
	}
	defer in.Close()

	ds, err := in.Dataset()
	if err != nil {
		return ioErr("open", entry.id, err)
	}
	attrs := in.Attrs().Clone()
	if attrs == nil {
		attrs = dataset.Attrs{}
	}

	sub := ds
	var (
		achieved *spatial.BBox
		skipped  bool
	)
	if sel.Region != nil {
		var applied bool
		sub, achieved, applied, err = spatialSubset(ds, *sel.Region, attrs)
		if err != nil {
			return ioErr("subset", entry.id, err)
		}
		if !applied {
			// 写入的是完整范围，空间覆盖改为声明的边界；边界也不可用时清空。
			skipped = true
			achieved = declaredBounds(attrs)
			m.logger.WithFields(logging.EntryFields("spatial_subset_skipped", m.store.id, entry.id, "")).
				WithField("path", f.Path).Warn("grid metadata unusable, materializing full extent")
		}
	}
	if len(sel.Variables) > 0 {
		if sub, err = sub.Subset(sel.Variables); err != nil {
			return entryErr("subset", entry.id, ErrNotFound, err)
		}
	}

	out, err := m.backend.OpenSingle(ctx, local, backend.ModeWrite)
	if err != nil {
		return ioErr("write", entry.id, err)
	}
	if err := writeSubset(ctx, out, sub, attrs, rel, mon); err != nil {
		out.Discard()
		_ = out.Close()
		entry.RemoveFile(rel)
		_ = removeIfExists(local)
		if ctx.Err() != nil || mon.Cancelled() {
			return entryErr("write", entry.id, nil, err)
		}
		return ioErr("write", entry.id, err)
	}
	if err := out.Close(); err != nil {
		entry.RemoveFile(rel)
		_ = removeIfExists(local)
		return ioErr("write", entry.id, err)
	}

	entry.AddFile(rel, f.Coverage)
	if achieved != nil || skipped {
		entry.SetSpatialCoverage(achieved)
	}
	return nil
}

// declaredBounds 返回 geospatial_* 属性声明的范围，任一边界缺失或倒置时返回 nil。
func declaredBounds(attrs dataset.Attrs) *spatial.BBox {
	b := spatial.GridMetaFromAttrs(attrs).Bounds()
	bbox, err := spatial.NewBBox(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
	if err != nil {
		return nil
	}
	return &bbox
}

func writeSubset(ctx context.Context, out backend.Handle, sub *dataset.Dataset, attrs dataset.Attrs, rel string, mon monitor.Monitor) error {
	for k, v := range attrs {
		out.SetAttr(k, v)
	}
	if err := out.Define(sub.Dims); err != nil {
		return err
	}
	coords, vars := sub.CoordNames(), sub.DataVarNames()
	mon.Start(rel, float64(len(coords)+len(vars)))
	for _, name := range coords {
		if err := out.WriteVariable(name, sub.Coords[name], true); err != nil {
			return fmt.Errorf("write coordinate %s: %w", name, err)
		}
		mon.Progress(1, name)
	}
	for _, name := range vars {
		if mon.Cancelled() || ctx.Err() != nil {
			return cancelErr(ctx)
		}
		if err := out.WriteVariable(name, sub.DataVars[name], false); err != nil {
			return fmt.Errorf("write variable %s: %w", name, err)
		}
		mon.Progress(1, name)
	}
	return nil
}

// spatialSubset 计算索引窗口并切片，同时把 geospatial_* 属性改写为实际范围。
// 网格元信息不可用或缺少经纬度坐标时返回原数据集且 applied 为 false。
func spatialSubset(ds *dataset.Dataset, region spatial.BBox, attrs dataset.Attrs) (*dataset.Dataset, *spatial.BBox, bool, error) {
	lat, okLat := ds.Coords[dataset.DimLat]
	lon, okLon := ds.Coords[dataset.DimLon]
	if !okLat || !okLon || len(lat.Data) == 0 || len(lon.Data) == 0 {
		return ds, nil, false, nil
	}
	orientation := spatial.Orientation{
		LatDescending: spatial.Descending(lat.Data[0], lat.Data[len(lat.Data)-1]),
		LonDescending: spatial.Descending(lon.Data[0], lon.Data[len(lon.Data)-1]),
	}
	w, ok := spatial.ComputeWindow(spatial.GridMetaFromAttrs(attrs), orientation, region, len(lat.Data), len(lon.Data))
	if !ok {
		return ds, nil, false, nil
	}
	sub, err := ds.Isel(map[string]dataset.Range{
		dataset.DimLat: {Start: w.LatStart, Stop: w.LatStop},
		dataset.DimLon: {Start: w.LonStart, Stop: w.LonStop},
	})
	if err != nil {
		return nil, nil, false, err
	}
	attrs[spatial.AttrLatMin] = w.Achieved.MinLat
	attrs[spatial.AttrLatMax] = w.Achieved.MaxLat
	attrs[spatial.AttrLonMin] = w.Achieved.MinLon
	attrs[spatial.AttrLonMax] = w.Achieved.MaxLon
	achieved := w.Achieved
	return sub, &achieved, true, nil
}

// relPath 返回远端文件相对数据源根目录的路径，位于根目录之外时退回文件名。
func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func cancelErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}
