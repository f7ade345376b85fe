// Package coverage 实现时间覆盖范围的区间运算：扩展、裁剪，以及删除文件时的残余区间归并。
// 所有时间统一截断到秒并使用 UTC，与持久化记录的 ISO-8601 秒级精度保持一致。
package coverage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout 是记录文件与缓存键使用的规范时间格式。
const Layout = "2006-01-02T15:04:05"

var parseLayouts = []string{
	time.RFC3339Nano,
	Layout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ErrInvalidRange 表示开始时间晚于结束时间或字符串无法解析。
var ErrInvalidRange = errors.New("invalid time range")

// TimeRange 是一对时间边界。Start == End 表示单时间戳文件。
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// New 构造规范化的 TimeRange，要求 start <= end。
func New(start, end time.Time) (TimeRange, error) {
	r := TimeRange{Start: Normalize(start), End: Normalize(end)}
	if r.Start.After(r.End) {
		return TimeRange{}, fmt.Errorf("%w: %s after %s", ErrInvalidRange, FormatTime(r.Start), FormatTime(r.End))
	}
	return r, nil
}

// Instant 返回单时间戳覆盖。
func Instant(t time.Time) TimeRange {
	t = Normalize(t)
	return TimeRange{Start: t, End: t}
}

// Normalize 截断到秒并转换为 UTC。
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// IsInstant 判断是否为单时间戳覆盖。
func (r TimeRange) IsInstant() bool {
	return r.Start.Equal(r.End)
}

// Equal 比较两个区间的边界。
func (r TimeRange) Equal(o TimeRange) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

// Contains 判断 o 是否完全落在 r 内。
func (r TimeRange) Contains(o TimeRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// Selects 实现候选文件筛选规则：单时间戳文件要求 start <= t < end，
// 区间文件要求完全包含在 r 内。
func (r TimeRange) Selects(file TimeRange) bool {
	if file.IsInstant() {
		return !file.Start.Before(r.Start) && file.Start.Before(r.End)
	}
	return r.Contains(file)
}

func (r TimeRange) String() string {
	return Format(r)
}

// Ptr 返回 r 的副本指针，便于可选字段赋值。
func (r TimeRange) Ptr() *TimeRange {
	return &r
}

// Format 输出规范字符串 "start, end"，缓存键依赖其稳定性。
func Format(r TimeRange) string {
	return FormatTime(r.Start) + ", " + FormatTime(r.End)
}

// FormatTime 输出秒级 ISO-8601 时间。
func FormatTime(t time.Time) string {
	return Normalize(t).Format(Layout)
}

// Parse 解析 "start, end" 形式的时间范围。
func Parse(raw string) (TimeRange, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
	start, err := ParseTime(parts[0])
	if err != nil {
		return TimeRange{}, err
	}
	end, err := ParseTime(parts[1])
	if err != nil {
		return TimeRange{}, err
	}
	return New(start, end)
}

// ParseTime 宽松解析常见的 ISO-8601 变体，结果截断到秒。
func ParseTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return Normalize(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse time %q", ErrInvalidRange, raw)
}

// Extend 将 addition 并入 current。只有从两端延伸的区间会扩大覆盖，
// 落在内部或与内部重叠的区间保持 current 不变。
func Extend(current *TimeRange, addition TimeRange) TimeRange {
	if current == nil {
		return addition
	}
	switch {
	case !addition.Start.Before(current.End):
		return TimeRange{Start: current.Start, End: addition.End}
	case !addition.End.After(current.Start):
		return TimeRange{Start: addition.Start, End: current.End}
	default:
		return *current
	}
}

// Reduce 仅在 removal 与 current 恰好共享一个边界时裁剪；两端都相同则返回 nil（覆盖清空）。
func Reduce(current *TimeRange, removal TimeRange) *TimeRange {
	if current == nil {
		return nil
	}
	if removal.Equal(*current) {
		return nil
	}
	result := *current
	if removal.Start.After(current.Start) && removal.End.Equal(current.End) {
		result.End = removal.Start
	} else if removal.Start.Equal(current.Start) && removal.End.Before(current.End) {
		result.Start = removal.End
	}
	return &result
}

// File 是文件清单中的一项；Coverage 为空表示该文件没有时间索引。
type File struct {
	Path     string
	Coverage *TimeRange
}

// PartitionRemovedFiles 将文件按 removal 分类：完全落入的文件需要删除，
// 与下边界或上边界部分重叠的文件保留，但会限制残余区间的延伸方向。
// 残余区间从被删除文件的外包开始，向保留文件的边界保守延伸，最终交给 Reduce。
func PartitionRemovedFiles(files []File, removal TimeRange) ([]string, *TimeRange) {
	var (
		toDelete  []string
		hull      *TimeRange
		lowerKept *time.Time
		upperKept *time.Time
	)

	for _, file := range files {
		if file.Coverage == nil {
			continue
		}
		cov := *file.Coverage
		startInside := !cov.Start.Before(removal.Start) && !cov.Start.After(removal.End)
		endInside := !cov.End.Before(removal.Start) && !cov.End.After(removal.End)

		switch {
		case startInside && endInside:
			toDelete = append(toDelete, file.Path)
			if hull == nil {
				hull = cov.Ptr()
			} else {
				if cov.Start.Before(hull.Start) {
					hull.Start = cov.Start
				}
				if cov.End.After(hull.End) {
					hull.End = cov.End
				}
			}
		case endInside:
			end := cov.End
			if lowerKept == nil || end.After(*lowerKept) {
				lowerKept = &end
			}
		case startInside:
			start := cov.Start
			if upperKept == nil || start.Before(*upperKept) {
				upperKept = &start
			}
		}
	}

	if hull == nil {
		if lowerKept == nil || upperKept == nil || !lowerKept.Before(*upperKept) {
			return toDelete, nil
		}
		return toDelete, &TimeRange{Start: *lowerKept, End: *upperKept}
	}

	residual := *hull
	if lowerKept != nil && lowerKept.Before(residual.Start) {
		residual.Start = *lowerKept
	}
	if upperKept != nil && upperKept.After(residual.End) {
		residual.End = *upperKept
	}
	return toDelete, &residual
}
