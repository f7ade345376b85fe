package cache

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/spatial"
)

// AddPattern 将已有文件按通配符模式注册为完整条目。相对模式相对于条目目录解析。
// 元信息只从第一个模式的首个匹配文件尝试提取；该文件无法解码时不带元信息继续。
func (s *Store) AddPattern(ctx context.Context, b backend.Backend, name string, patterns []string) (*Entry, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("add pattern %s: no file patterns", name)
	}
	res, err := s.Create(ctx, CreateRequest{Name: name})
	if err != nil {
		return nil, err
	}
	entry := res.Entry
	for i, pattern := range patterns {
		entry.AddFile(filepath.ToSlash(pattern), nil)
		if i == 0 {
			s.harvestMeta(ctx, b, entry, pattern)
		}
	}
	if err := s.Register(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) harvestMeta(ctx context.Context, b backend.Backend, entry *Entry, pattern string) {
	matches, err := b.Resolve(ctx, entry.localPath(filepath.ToSlash(pattern)))
	if err != nil || len(matches) == 0 {
		return
	}
	h, err := b.OpenSingle(ctx, matches[0], backend.ModeRead)
	if err != nil {
		s.logger.WithFields(logging.EntryFields("meta_harvest_skipped", s.id, entry.id, "")).
			WithField("path", matches[0]).WithError(err).Debug("cannot decode file, registering without meta info")
		return
	}
	defer h.Close()
	ds, err := h.Dataset()
	if err != nil {
		return
	}

	attrs := h.Attrs()
	entry.mu.Lock()
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		entry.meta.SetDefault(k, attrs[k])
	}
	entry.mu.Unlock()

	if cov := backend.DatasetCoverage(ds); cov != nil {
		entry.UpdateTemporalCoverage(*cov)
	}
	if g := spatial.GridMetaFromAttrs(attrs); g.Valid() {
		bounds := g.Bounds()
		if bbox, err := spatial.NewBBox(bounds.MinLon, bounds.MinLat, bounds.MaxLon, bounds.MaxLat); err == nil {
			entry.SetSpatialCoverage(&bbox)
		}
	}
}
