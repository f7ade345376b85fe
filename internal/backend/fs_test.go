package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
)

func writeDaily(t *testing.T, path string, day time.Time, value float64) {
	t.Helper()
	ds := dataset.New()
	ds.SetCoord(dataset.DimTime, []float64{dataset.TimeValue(day)}, dataset.Attrs{"units": dataset.TimeUnits})
	ds.SetCoord(dataset.DimLat, []float64{0, 1}, nil)
	ds.SetCoord(dataset.DimLon, []float64{0, 1}, nil)
	require.NoError(t, ds.SetVar("sst", []string{dataset.DimTime, dataset.DimLat, dataset.DimLon}, []float64{value, value, value, value}, nil))
	ds.Attrs[AttrTimeCoverageStart] = coverage.FormatTime(day)
	ds.Attrs[AttrTimeCoverageEnd] = coverage.FormatTime(day.Add(24 * time.Hour))
	require.NoError(t, dataset.WriteFile(path, ds, 0))
}

func day(d int) time.Time {
	return time.Date(2010, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestListFilesOrdersByCoverage(t *testing.T) {
	root := t.TempDir()
	writeDaily(t, filepath.Join(root, "b.grid"), day(1), 1)
	writeDaily(t, filepath.Join(root, "a.grid"), day(2), 2)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	fsb, err := NewFileSystem([]SourceSpec{{ID: "sst", Root: root, Pattern: "*.grid"}})
	require.NoError(t, err)

	refs, err := fsb.ListFiles(context.Background(), "sst")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, filepath.Join(root, "b.grid"), refs[0].Path)
	assert.True(t, refs[0].Coverage.Equal(coverage.TimeRange{Start: day(1), End: day(2)}))
	assert.Equal(t, filepath.Join(root, "a.grid"), refs[1].Path)
}

func TestRawDriverDailyCoverage(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"sst-20100103.bin", "sst-20100101.bin", "readme.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
	}
	fsb, err := NewFileSystem([]SourceSpec{{ID: "raw", Root: root, Pattern: "*.bin", Driver: "raw"}})
	require.NoError(t, err)

	refs, err := fsb.ListFiles(context.Background(), "raw")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "sst-20100101.bin", filepath.Base(refs[0].Path))
	assert.True(t, refs[0].Coverage.Equal(coverage.TimeRange{Start: day(1), End: day(2)}))
	assert.Equal(t, "sst-20100103.bin", filepath.Base(refs[1].Path))
	assert.Nil(t, refs[2].Coverage)
}

func TestUnknownSourceIsNotFound(t *testing.T) {
	fsb, err := NewFileSystem(nil)
	require.NoError(t, err)
	_, err = fsb.Source("missing")
	require.ErrorIs(t, err, ErrSourceNotFound)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNewFileSystemRejectsBadSpecs(t *testing.T) {
	_, err := NewFileSystem([]SourceSpec{{ID: "a", Driver: "hdf4"}})
	require.Error(t, err)
	_, err = NewFileSystem([]SourceSpec{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
	_, err = NewFileSystem(nil, WithCompressionLevel(40))
	require.Error(t, err)
}

func TestOpenConcatenatesAlongTime(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "1.grid")
	second := filepath.Join(root, "2.grid")
	writeDaily(t, first, day(1), 1)
	writeDaily(t, second, day(2), 2)

	fsb, err := NewFileSystem(nil)
	require.NoError(t, err)
	ds, err := fsb.Open(context.Background(), []string{first, second})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Dims[dataset.DimTime])
	assert.Equal(t, dataset.Values{1, 1, 1, 1, 2, 2, 2, 2}, ds.DataVars["sst"].Data)
}

func TestWriteHandleCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	fsb, err := NewFileSystem(nil, WithCompressionLevel(3))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.grid")

	h, err := fsb.OpenSingle(ctx, path, ModeWrite)
	require.NoError(t, err)
	h.SetAttr("title", "subset")
	require.NoError(t, h.Define(map[string]int{dataset.DimLat: 2}))
	require.NoError(t, h.WriteVariable(dataset.DimLat, &dataset.Variable{Dims: []string{dataset.DimLat}, Data: dataset.Values{0, 1}}, true))
	require.NoError(t, h.WriteVariable("v", &dataset.Variable{Dims: []string{dataset.DimLat}, Data: dataset.Values{5, 6}}, false))
	require.Error(t, h.WriteVariable("bad", &dataset.Variable{Dims: []string{dataset.DimLat}, Data: dataset.Values{5}}, false))
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "nothing is written before Close")
	require.NoError(t, h.Close())

	rh, err := fsb.OpenSingle(ctx, path, ModeRead)
	require.NoError(t, err)
	defer rh.Close()
	assert.Equal(t, "subset", rh.Attrs()["title"])
	ds, err := rh.Dataset()
	require.NoError(t, err)
	assert.Equal(t, dataset.Values{5, 6}, ds.DataVars["v"].Data)
	require.ErrorIs(t, rh.WriteVariable("x", nil, false), ErrReadOnly)
}

func TestDiscardedHandleLeavesNoFile(t *testing.T) {
	fsb, err := NewFileSystem(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.grid")
	h, err := fsb.OpenSingle(context.Background(), path, ModeWrite)
	require.NoError(t, err)
	h.Discard()
	require.NoError(t, h.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchStreamsBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	fsb, err := NewFileSystem(nil)
	require.NoError(t, err)
	rc, err := fsb.Fetch(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
