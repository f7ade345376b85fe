package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/spatial"
)

const (
	recordExt = ".json"
	lockExt   = ".lock"
)

// record 是条目的持久化形式：{name, meta_info, files}。files 的每一项为
// [path] 或 [path, start, end]，时间为秒级 ISO-8601。
type record struct {
	Name     string      `json:"name" validate:"required"`
	MetaInfo *MetaInfo   `json:"meta_info,omitempty"`
	MetaData *legacyMeta `json:"meta_data,omitempty"`
	Files    [][]*string `json:"files" validate:"dive,min=1,max=3"`
}

// legacyMeta 是旧版记录中的 meta_data 结构。
type legacyMeta struct {
	TemporalCoverage json.RawMessage `json:"temporal_coverage,omitempty"`
	// 旧版写入时的拼写错误键。
	TemporalCovrage json.RawMessage `json:"temporal_covrage,omitempty"`
	SpatialCoverage json.RawMessage `json:"spatial_coverage,omitempty"`
	Variables       []any           `json:"variables,omitempty"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func encodeRecord(v *validator.Validate, e *Entry) ([]byte, error) {
	e.mu.RLock()
	rec := record{
		Name:     e.id,
		MetaInfo: e.meta.Clone(),
		Files:    make([][]*string, 0, len(e.files)),
	}
	for _, f := range e.files {
		path := f.Path
		if f.Coverage == nil {
			rec.Files = append(rec.Files, []*string{&path})
			continue
		}
		start := coverage.FormatTime(f.Coverage.Start)
		end := coverage.FormatTime(f.Coverage.End)
		rec.Files = append(rec.Files, []*string{&path, &start, &end})
	}
	e.mu.RUnlock()

	if err := v.Struct(&rec); err != nil {
		return nil, fmt.Errorf("validate record: %w", err)
	}
	return json.MarshalIndent(&rec, "", "  ")
}

// decodeRecord 解析记录文件，兼容扁平 meta_info 与旧版嵌套 meta_data 两种形式。
// 所有解析或校验失败都归类为 ErrCorrupt。
func decodeRecord(v *validator.Validate, s *Store, data []byte) (*Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := v.Struct(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	e := newEntry(s, rec.Name)
	if rec.MetaInfo != nil {
		e.meta = rec.MetaInfo
	}

	for _, item := range rec.Files {
		if item[0] == nil || *item[0] == "" {
			return nil, fmt.Errorf("%w: file entry without path", ErrCorrupt)
		}
		file := coverage.File{Path: *item[0]}
		switch {
		case len(item) == 2 && item[1] != nil:
			t, err := coverage.ParseTime(*item[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, file.Path, err)
			}
			file.Coverage = coverage.Instant(t).Ptr()
		case len(item) == 3 && item[1] != nil && item[2] != nil:
			start, err := coverage.ParseTime(*item[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, file.Path, err)
			}
			end, err := coverage.ParseTime(*item[2])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, file.Path, err)
			}
			r, err := coverage.New(start, end)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, file.Path, err)
			}
			file.Coverage = &r
		}
		e.files = append(e.files, file)
	}
	backend.SortFiles(e.files)

	if r := temporalFromMeta(e.meta); r != nil {
		e.temporal = r
	} else if rec.MetaData != nil {
		e.setTemporal(legacyTemporal(rec.MetaData))
	}
	if e.temporal == nil {
		var folded *coverage.TimeRange
		for _, f := range e.files {
			if f.Coverage == nil {
				continue
			}
			if folded == nil {
				folded = f.Coverage.Ptr()
				continue
			}
			folded.Start = minTime(folded.Start, f.Coverage.Start)
			folded.End = maxTime(folded.End, f.Coverage.End)
		}
		if folded != nil {
			e.setTemporal(folded)
		}
	}

	if rec.MetaData != nil && bboxFromMeta(e.meta) == nil {
		if b := legacySpatial(rec.MetaData.SpatialCoverage); b != nil {
			e.setSpatial(b)
		}
	}

	if raw, ok := e.meta.Get(MetaVariables); ok {
		e.variables = variablesFromMeta(raw)
	} else if rec.MetaData != nil && len(rec.MetaData.Variables) > 0 {
		e.setVariables(variablesFromMeta(rec.MetaData.Variables))
	}
	return e, nil
}

func temporalFromMeta(meta *MetaInfo) *coverage.TimeRange {
	startText, endText := meta.String(MetaTemporalStart), meta.String(MetaTemporalEnd)
	if startText == "" || endText == "" {
		return nil
	}
	start, err := coverage.ParseTime(startText)
	if err != nil {
		return nil
	}
	end, err := coverage.ParseTime(endText)
	if err != nil {
		return nil
	}
	r, err := coverage.New(start, end)
	if err != nil {
		return nil
	}
	return &r
}

// legacyTemporal 接受 "start, end" 字符串或 [start, end] 数组，无法解析时返回 nil。
func legacyTemporal(meta *legacyMeta) *coverage.TimeRange {
	raw := meta.TemporalCoverage
	if len(raw) == 0 || string(raw) == "null" {
		raw = meta.TemporalCovrage
	}
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		r, err := coverage.Parse(text)
		if err != nil {
			return nil
		}
		return &r
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return nil
	}
	start, err := coverage.ParseTime(pair[0])
	if err != nil {
		return nil
	}
	end, err := coverage.ParseTime(pair[1])
	if err != nil {
		return nil
	}
	r, err := coverage.New(start, end)
	if err != nil {
		return nil
	}
	return &r
}

// legacySpatial 接受 "minx, miny, maxx, maxy" 字符串或四元素数组。
func legacySpatial(raw json.RawMessage) *spatial.BBox {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		b, err := spatial.ParseBBox(text)
		if err != nil {
			return nil
		}
		return &b
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil || len(values) != 4 {
		return nil
	}
	b, err := spatial.NewBBox(values[0], values[1], values[2], values[3])
	if err != nil {
		return nil
	}
	return &b
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
