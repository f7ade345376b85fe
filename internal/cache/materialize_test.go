package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/cachekey"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
	"github.com/geocache/geocache/internal/monitor"
	"github.com/geocache/geocache/internal/spatial"
)

func TestMakeLocalCopiesSelectedFiles(t *testing.T) {
	ctx := context.Background()
	b, root := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	var events []monitor.Event
	mon := monitor.New(ctx, func(ev monitor.Event) { events = append(events, ev) })

	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{TimeRange: dayRange(1, 4).Ptr()}}, mon)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected an entry")
	}

	key := cachekey.Derive("sst", dayRange(1, 4).Ptr(), nil, nil)
	if entry.ID() != "local.sst."+key {
		t.Fatalf("unexpected id: %s", entry.ID())
	}
	if !entry.IsComplete() {
		t.Fatalf("entry should be complete")
	}
	if cov := entry.TemporalCoverage(); cov == nil || !cov.Equal(dayRange(1, 4)) {
		t.Fatalf("unexpected coverage: %v", cov)
	}
	files := entry.Files()
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(files))
	}
	for i, f := range files {
		name := "sst-2010010" + string(rune('1'+i)) + ".grid"
		if f.Path != name {
			t.Fatalf("file %d: unexpected path %s", i, f.Path)
		}
		if !bytes.Equal(readFile(t, filepath.Join(entry.Dir(), name)), readFile(t, filepath.Join(root, name))) {
			t.Fatalf("%s should be copied byte for byte", name)
		}
	}
	if _, err := os.Stat(store.lockPath(entry.ID())); !os.IsNotExist(err) {
		t.Fatalf("lock should be removed after registration, got %v", err)
	}

	meta := entry.MetaInfo()
	if meta.String(MetaUUID) != key || meta.String(MetaRefUUID) == "" || meta.String("institution") != "test" {
		t.Fatalf("unexpected meta info: %s", meta.Keys())
	}

	if len(events) == 0 {
		t.Fatalf("expected progress events")
	}
	last := events[len(events)-1]
	if last.Depth != 0 || !last.Done || last.Worked != 3 || last.Total != 3 {
		t.Fatalf("unexpected final event: %+v", last)
	}

	again, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{TimeRange: dayRange(1, 4).Ptr()}}, nil)
	if err != nil {
		t.Fatalf("second make local failed: %v", err)
	}
	if again.ID() != entry.ID() {
		t.Fatalf("identical request should reuse entry, got %s", again.ID())
	}
}

func TestMakeLocalSelectsByTimeRange(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{TimeRange: dayRange(2, 4).Ptr()}}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	files := entry.Files()
	if len(files) != 2 || files[0].Path != "sst-20100102.grid" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if cov := entry.TemporalCoverage(); cov == nil || !cov.Equal(dayRange(2, 4)) {
		t.Fatalf("coverage should follow materialized files: %v", cov)
	}
}

func TestMakeLocalWithoutMatchesRemovesEntry(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	tr := coverage.TimeRange{Start: time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2011, 1, 2, 0, 0, 0, 0, time.UTC)}
	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{TimeRange: &tr}}, nil)
	if err != nil || entry != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", entry, err)
	}
	id := store.EntryID("sst." + cachekey.Derive("sst", &tr, nil, nil))
	for _, path := range []string{store.recordPath(id), store.lockPath(id), store.recordBase(id)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed, got %v", path, err)
		}
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMakeLocalUnknownSource(t *testing.T) {
	b, _ := newSource(t)
	m := NewMaterializer(newTestStore(t, t.TempDir()), b)
	if _, err := m.MakeLocal(context.Background(), Request{SourceID: "missing"}, nil); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMakeLocalSpatialSubset(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	region := spatial.BBox{MinLon: 1, MinLat: -0.5, MaxLon: 2, MaxLat: 0.5}
	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{Region: &region}}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}

	want := spatial.BBox{MinLon: 1, MinLat: -1, MaxLon: 2, MaxLat: 1}
	if got := entry.SpatialCoverage(); got == nil || *got != want {
		t.Fatalf("spatial coverage should be the achieved window, got %v", got)
	}
	ds, err := dataset.ReadFile(filepath.Join(entry.Dir(), "sst-20100101.grid"))
	if err != nil {
		t.Fatalf("read subset: %v", err)
	}
	if ds.Dims[dataset.DimLat] != 2 || ds.Dims[dataset.DimLon] != 1 {
		t.Fatalf("unexpected dims: %v", ds.Dims)
	}
	if got := ds.Coords[dataset.DimLat].Data; !slices.Equal([]float64(got), []float64{0.5, -0.5}) {
		t.Fatalf("unexpected lat: %v", got)
	}
	if got := spatial.GridMetaFromAttrs(ds.Attrs).Bounds(); got != want {
		t.Fatalf("geospatial attributes should describe the subset, got %v", got)
	}
	if got := ds.DataVars["sst"].Data; !slices.Equal([]float64(got), []float64{105, 109}) {
		t.Fatalf("unexpected sst values: %v", got)
	}
}

func TestMakeLocalVariableSubset(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{Variables: []string{" sst "}}}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	if !slices.Equal(entry.Variables(), []string{"sst"}) {
		t.Fatalf("unexpected variables: %v", entry.Variables())
	}
	ds, err := dataset.ReadFile(filepath.Join(entry.Dir(), "sst-20100103.grid"))
	if err != nil {
		t.Fatalf("read subset: %v", err)
	}
	if !slices.Equal(ds.DataVarNames(), []string{"sst"}) {
		t.Fatalf("only sst should be kept, got %v", ds.DataVarNames())
	}
	if len(ds.CoordNames()) != 3 {
		t.Fatalf("coordinates should be kept, got %v", ds.CoordNames())
	}
}

func TestMakeLocalRawDriverCannotSubset(t *testing.T) {
	ctx := context.Background()
	_, root := newSource(t)
	b, err := backend.NewFileSystem([]backend.SourceSpec{{ID: "raw", Root: root, Pattern: "*.grid", Driver: "raw"}})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	region := spatial.BBox{MinLon: 0, MinLat: 0, MaxLon: 1, MaxLat: 1}
	if _, err := m.MakeLocal(ctx, Request{SourceID: "raw", Subset: Subset{Region: &region}}, nil); !errors.Is(err, backend.ErrNotSubsettable) {
		t.Fatalf("expected not subsettable, got %v", err)
	}
	entries, err := store.Query(ctx, "", "")
	if err != nil || len(entries) != 0 {
		t.Fatalf("failed request should leave no entry: %v %d", err, len(entries))
	}

	entry, err := m.MakeLocal(ctx, Request{SourceID: "raw", Subset: Subset{TimeRange: dayRange(1, 3).Ptr()}}, nil)
	if err != nil {
		t.Fatalf("plain copy through raw driver failed: %v", err)
	}
	if len(entry.Files()) != 2 {
		t.Fatalf("expected 2 files, got %+v", entry.Files())
	}
}

func TestMakeLocalNamedEntry(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	req := Request{SourceID: "sst", LocalName: "mine", Subset: Subset{TimeRange: dayRange(1, 3).Ptr()}}
	entry, err := m.MakeLocal(ctx, req, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	if entry.ID() != "local.mine" {
		t.Fatalf("unexpected id: %s", entry.ID())
	}
	if _, err := m.MakeLocal(ctx, req, nil); err != nil {
		t.Fatalf("same request under the same name should reuse: %v", err)
	}

	req.TimeRange = dayRange(1, 4).Ptr()
	if _, err := m.MakeLocal(ctx, req, nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestMakeLocalCancelLeavesResumableEntry(t *testing.T) {
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)
	req := Request{SourceID: "sst", Subset: Subset{TimeRange: dayRange(1, 4).Ptr()}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon := monitor.New(ctx, func(ev monitor.Event) {
		if ev.Depth == 1 && ev.Done {
			cancel()
		}
	})
	if _, err := m.MakeLocal(ctx, req, mon); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	id := store.EntryID("sst." + cachekey.Derive("sst", req.TimeRange, nil, nil))
	if _, err := os.Stat(store.lockPath(id)); err != nil {
		t.Fatalf("unfinished entry should stay locked: %v", err)
	}
	entries, err := store.Query(context.Background(), "", "")
	if err != nil || len(entries) != 0 {
		t.Fatalf("locked entry should not be listed: %v %d", err, len(entries))
	}
	partial, err := decodeRecord(store.validate, store, readFile(t, store.recordPath(id)))
	if err != nil {
		t.Fatalf("decode partial record: %v", err)
	}
	if files := partial.Files(); len(files) != 1 || files[0].Path != "sst-20100101.grid" {
		t.Fatalf("first file should stay registered: %+v", files)
	}

	entry, err := m.MakeLocal(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(entry.Files()) != 3 || !entry.IsComplete() {
		t.Fatalf("resumed entry should be complete with 3 files: %+v", entry.Files())
	}
	if _, err := os.Stat(store.lockPath(id)); !os.IsNotExist(err) {
		t.Fatalf("lock should be removed after resume, got %v", err)
	}
}

func TestMakeLocalConcurrentRequestsShareEntry(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)
	req := Request{SourceID: "sst", Subset: Subset{Variables: []string{"ice"}}}

	var wg sync.WaitGroup
	ids := make([]string, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := m.MakeLocal(ctx, req, nil)
			errs[i] = err
			if entry != nil {
				ids[i] = entry.ID()
			}
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("requests should share one entry: %v", ids)
		}
	}
}

func TestEntryOpenDataset(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())
	entry, err := NewMaterializer(store, b).MakeLocal(ctx, Request{SourceID: "sst"}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}

	full, err := entry.OpenDataset(ctx, b, Subset{})
	if err != nil {
		t.Fatalf("open full dataset: %v", err)
	}
	if full.Dims[dataset.DimTime] != 3 {
		t.Fatalf("expected 3 time steps, got %v", full.Dims)
	}

	region := spatial.BBox{MinLon: 1, MinLat: -0.5, MaxLon: 2, MaxLat: 0.5}
	ds, err := entry.OpenDataset(ctx, b, Subset{TimeRange: dayRange(2, 3).Ptr(), Region: &region, Variables: []string{"ice"}})
	if err != nil {
		t.Fatalf("open subset: %v", err)
	}
	if ds.Dims[dataset.DimTime] != 1 || ds.Dims[dataset.DimLat] != 2 || ds.Dims[dataset.DimLon] != 1 {
		t.Fatalf("unexpected dims: %v", ds.Dims)
	}
	if !slices.Equal(ds.DataVarNames(), []string{"ice"}) {
		t.Fatalf("unexpected variables: %v", ds.DataVarNames())
	}

	tr := coverage.TimeRange{Start: day(20), End: day(21)}
	if _, err := entry.OpenDataset(ctx, b, Subset{TimeRange: &tr}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddPatternHarvestsMetaInfo(t *testing.T) {
	ctx := context.Background()
	b, root := newSource(t)
	store := newTestStore(t, t.TempDir())

	pattern := filepath.Join(root, "*.grid")
	entry, err := store.AddPattern(ctx, b, "external", []string{pattern})
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}
	if entry.ID() != "local.external" || !entry.IsComplete() {
		t.Fatalf("unexpected entry: %s complete=%v", entry.ID(), entry.IsComplete())
	}
	if entry.Title() != "synthetic sst" {
		t.Fatalf("title should be harvested, got %q", entry.Title())
	}
	if cov := entry.TemporalCoverage(); cov == nil || !cov.Equal(dayRange(1, 2)) {
		t.Fatalf("coverage should come from the first file, got %v", cov)
	}
	want := spatial.BBox{MinLon: 0, MinLat: -2, MaxLon: 4, MaxLat: 2}
	if got := entry.SpatialCoverage(); got == nil || *got != want {
		t.Fatalf("unexpected spatial coverage: %v", got)
	}

	ds, err := entry.OpenDataset(ctx, b, Subset{})
	if err != nil {
		t.Fatalf("open pattern entry: %v", err)
	}
	if ds.Dims[dataset.DimTime] != 3 {
		t.Fatalf("pattern should resolve all files, got %v", ds.Dims)
	}

	if _, err := store.AddPattern(ctx, b, "external", []string{pattern}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := store.AddPattern(ctx, b, "empty", nil); err == nil {
		t.Fatalf("expected error without patterns")
	}
}

func TestAddPatternWithoutReadableFile(t *testing.T) {
	ctx := context.Background()
	b, _ := newSource(t)
	store := newTestStore(t, t.TempDir())

	entry, err := store.AddPattern(ctx, b, "future", []string{"data/*.grid"})
	if err != nil {
		t.Fatalf("add pattern failed: %v", err)
	}
	if entry.TemporalCoverage() != nil || entry.MetaInfo().Len() != 0 {
		t.Fatalf("no meta info expected without matching files")
	}
	if !entry.HasFile("data/*.grid") {
		t.Fatalf("pattern should be registered as given")
	}
}

func TestMakeLocalUnusableGridRecordsDeclaredBounds(t *testing.T) {
	ctx := context.Background()
	b, root := newSource(t)
	dropAttrs(t, root, spatial.AttrLatRes)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	region := spatial.BBox{MinLon: 1, MinLat: -0.5, MaxLon: 2, MaxLat: 0.5}
	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{Region: &region}}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	ds, err := dataset.ReadFile(filepath.Join(entry.Dir(), "sst-20100101.grid"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if ds.Dims[dataset.DimLat] != 4 || ds.Dims[dataset.DimLon] != 4 {
		t.Fatalf("full extent expected, got %v", ds.Dims)
	}
	want := spatial.BBox{MinLon: 0, MinLat: -2, MaxLon: 4, MaxLat: 2}
	if got := entry.SpatialCoverage(); got == nil || *got != want {
		t.Fatalf("coverage should be the declared bounds, got %v", got)
	}

	reloaded := newTestStore(t, store.Dir())
	got, err := reloaded.Get(ctx, entry.ID())
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cov := got.SpatialCoverage(); cov == nil || *cov != want {
		t.Fatalf("persisted coverage mismatch: %v", cov)
	}
}

func TestMakeLocalWithoutDeclaredBoundsClearsCoverage(t *testing.T) {
	ctx := context.Background()
	b, root := newSource(t)
	dropAttrs(t, root, spatial.AttrLatRes, spatial.AttrLatMin)
	store := newTestStore(t, t.TempDir())
	m := NewMaterializer(store, b)

	region := spatial.BBox{MinLon: 1, MinLat: -0.5, MaxLon: 2, MaxLat: 0.5}
	entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{Region: &region}}, nil)
	if err != nil {
		t.Fatalf("make local failed: %v", err)
	}
	if got := entry.SpatialCoverage(); got != nil {
		t.Fatalf("coverage should be cleared, got %v", got)
	}
}

func TestMakeLocalRegionOutsideGrid(t *testing.T) {
	cases := []struct {
		name   string
		region spatial.BBox
	}{
		{"south of grid", spatial.BBox{MinLon: 1, MinLat: -10, MaxLon: 2, MaxLat: -5}},
		{"north of grid", spatial.BBox{MinLon: 1, MinLat: 5, MaxLon: 2, MaxLat: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			b, _ := newSource(t)
			store := newTestStore(t, t.TempDir())
			m := NewMaterializer(store, b)

			region := tc.region
			entry, err := m.MakeLocal(ctx, Request{SourceID: "sst", Subset: Subset{Region: &region}}, nil)
			if err != nil {
				t.Fatalf("make local failed: %v", err)
			}
			ds, err := dataset.ReadFile(filepath.Join(entry.Dir(), "sst-20100101.grid"))
			if err != nil {
				t.Fatalf("read file: %v", err)
			}
			if ds.Dims[dataset.DimLat] != 0 {
				t.Fatalf("latitude window should be empty, got %v", ds.Dims)
			}
		})
	}
}
