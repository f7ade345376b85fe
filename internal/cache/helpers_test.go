package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
	"github.com/geocache/geocache/internal/spatial"
)

// fakeProcesses is a process table where self and the live pids are fixed.
type fakeProcesses struct {
	self Fence
	live map[int32]int64
}

func (f fakeProcesses) Self() (Fence, error) { return f.self, nil }

func (f fakeProcesses) StartMicros(pid int32) (int64, bool, error) {
	if pid == f.self.PID {
		return f.self.StartMicros, true, nil
	}
	start, ok := f.live[pid]
	return start, ok, nil
}

func processAs(pid int32, live map[int32]int64) fakeProcesses {
	return fakeProcesses{self: Fence{PID: pid, StartMicros: int64(pid) * 1000}, live: live}
}

// newTestStore returns a Store backed by dir, running as pid 100 unless overridden.
func newTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithProcessTable(processAs(100, nil))}, opts...)
	store, err := NewStore(dir, "local", opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func day(d int) time.Time {
	return time.Date(2010, 1, d, 0, 0, 0, 0, time.UTC)
}

func dayRange(from, to int) coverage.TimeRange {
	return coverage.TimeRange{Start: day(from), End: day(to)}
}

// writeGrid writes a 1x4x4 gridfile covering [day(d), day(d+1)) with a
// descending latitude axis over [-2, 2] and an ascending longitude axis over [0, 4].
func writeGrid(t *testing.T, path string, d int) {
	t.Helper()
	ds := dataset.New()
	ds.SetCoord(dataset.DimTime, []float64{dataset.TimeValue(day(d))}, dataset.Attrs{"units": dataset.TimeUnits})
	ds.SetCoord(dataset.DimLat, []float64{1.5, 0.5, -0.5, -1.5}, nil)
	ds.SetCoord(dataset.DimLon, []float64{0.5, 1.5, 2.5, 3.5}, nil)
	dims := []string{dataset.DimTime, dataset.DimLat, dataset.DimLon}
	sst := make([]float64, 16)
	ice := make([]float64, 16)
	for i := range sst {
		sst[i] = float64(d*100 + i)
		ice[i] = float64(i % 2)
	}
	if err := ds.SetVar("sst", dims, sst, dataset.Attrs{"units": "K"}); err != nil {
		t.Fatalf("set sst: %v", err)
	}
	if err := ds.SetVar("ice", dims, ice, nil); err != nil {
		t.Fatalf("set ice: %v", err)
	}
	ds.Attrs["title"] = "synthetic sst"
	ds.Attrs[backend.AttrTimeCoverageStart] = coverage.FormatTime(day(d))
	ds.Attrs[backend.AttrTimeCoverageEnd] = coverage.FormatTime(day(d + 1))
	ds.Attrs[spatial.AttrLatMin] = -2.0
	ds.Attrs[spatial.AttrLatMax] = 2.0
	ds.Attrs[spatial.AttrLonMin] = 0.0
	ds.Attrs[spatial.AttrLonMax] = "4.0 degrees"
	ds.Attrs[spatial.AttrLatRes] = "1.0"
	ds.Attrs[spatial.AttrLonRes] = 1.0
	if err := dataset.WriteFile(path, ds, 0); err != nil {
		t.Fatalf("write grid: %v", err)
	}
}

// newSource writes three adjacent daily files and returns a backend serving them as "sst".
func newSource(t *testing.T) (*backend.FileSystem, string) {
	t.Helper()
	root := t.TempDir()
	for d := 1; d <= 3; d++ {
		writeGrid(t, filepath.Join(root, "sst-2010010"+string(rune('0'+d))+".grid"), d)
	}
	b, err := backend.NewFileSystem([]backend.SourceSpec{{
		ID:       "sst",
		Title:    "Sea Surface Temperature",
		UUID:     "5b1c3e0e-0000-4000-8000-000000000001",
		Root:     root,
		Pattern:  "*.grid",
		MetaInfo: map[string]any{"institution": "test"},
	}})
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	return b, root
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

// dropAttrs removes global attributes from every gridfile under root.
func dropAttrs(t *testing.T, root string, keys ...string) {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(root, "*.grid"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	for _, path := range paths {
		ds, err := dataset.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		for _, k := range keys {
			delete(ds.Attrs, k)
		}
		if err := dataset.WriteFile(path, ds, 0); err != nil {
			t.Fatalf("rewrite %s: %v", path, err)
		}
	}
}
