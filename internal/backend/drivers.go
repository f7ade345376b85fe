package backend

import (
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/dataset"
)

// gridfile 驱动读取的全局属性。
const (
	AttrTimeCoverageStart = "time_coverage_start"
	AttrTimeCoverageEnd   = "time_coverage_end"
)

var dayToken = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12][0-9]|3[01]))(?:[^0-9]|$)`)

func init() {
	MustRegisterDriver(DriverMetadata{
		Key:            "gridfile",
		Description:    "gridfile documents, optionally zstd compressed; coverage from time_coverage_* attributes or the time axis",
		SupportsSubset: true,
		Coverage:       gridfileCoverage,
	})
	MustRegisterDriver(DriverMetadata{
		Key:         "raw",
		Description: "opaque files copied verbatim; daily coverage from a YYYYMMDD token in the file name",
		Coverage:    dailyCoverage,
	})
}

func gridfileCoverage(path string) (*coverage.TimeRange, error) {
	ds, err := dataset.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DatasetCoverage(ds), nil
}

// DatasetCoverage 优先读取 time_coverage_start/end 属性，缺失时退回时间轴的最小/最大值。
func DatasetCoverage(ds *dataset.Dataset) *coverage.TimeRange {
	start, errStart := coverage.ParseTime(ds.Attrs.String(AttrTimeCoverageStart))
	end, errEnd := coverage.ParseTime(ds.Attrs.String(AttrTimeCoverageEnd))
	if errStart == nil && errEnd == nil {
		if r, err := coverage.New(start, end); err == nil {
			return &r
		}
	}

	axis, ok := ds.Coords[dataset.DimTime]
	if !ok || len(axis.Data) == 0 {
		return nil
	}
	lo, hi := slices.Min(axis.Data), slices.Max(axis.Data)
	if lo == hi {
		r := coverage.Instant(dataset.ValueTime(lo))
		return &r
	}
	r, err := coverage.New(dataset.ValueTime(lo), dataset.ValueTime(hi))
	if err != nil {
		return nil
	}
	return &r
}

func dailyCoverage(path string) (*coverage.TimeRange, error) {
	m := dayToken.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, nil
	}
	day, err := time.Parse("20060102", m[1])
	if err != nil {
		return nil, nil
	}
	r := coverage.TimeRange{Start: day, End: day.Add(24 * time.Hour)}
	return &r, nil
}
