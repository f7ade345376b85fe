// Package spatial 把地理范围换算为网格索引窗口，并反算按索引切片后实际得到的范围。
package spatial

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidBBox 表示格式错误或边界倒置的范围。
var ErrInvalidBBox = errors.New("invalid bounding box")

// BBox 是以度为单位的地理范围。
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// NewBBox 校验边界顺序与纬度范围。
func NewBBox(minLon, minLat, maxLon, maxLat float64) (BBox, error) {
	b := BBox{MinLon: minLon, MinLat: minLat, MaxLon: maxLon, MaxLat: maxLat}
	for _, v := range []float64{minLon, minLat, maxLon, maxLat} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, fmt.Errorf("%w: %s", ErrInvalidBBox, Format(b))
		}
	}
	if minLon > maxLon || minLat > maxLat {
		return BBox{}, fmt.Errorf("%w: %s", ErrInvalidBBox, Format(b))
	}
	if minLat < -90 || maxLat > 90 {
		return BBox{}, fmt.Errorf("%w: latitude out of range: %s", ErrInvalidBBox, Format(b))
	}
	return b, nil
}

// ParseBBox 解析 "min_lon, min_lat, max_lon, max_lat"。
func ParseBBox(raw string) (BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("%w: %q", ErrInvalidBBox, raw)
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("%w: %q", ErrInvalidBBox, raw)
		}
		values[i] = v
	}
	return NewBBox(values[0], values[1], values[2], values[3])
}

// Format 输出缓存键与标题使用的规范文本。
func Format(b BBox) string {
	return strings.Join([]string{
		formatFloat(b.MinLon),
		formatFloat(b.MinLat),
		formatFloat(b.MaxLon),
		formatFloat(b.MaxLat),
	}, ", ")
}

func (b BBox) String() string {
	return Format(b)
}

// Ptr 返回 b 副本的指针。
func (b BBox) Ptr() *BBox {
	return &b
}

// Equal 精确比较四个边界。
func (b BBox) Equal(o BBox) bool {
	return b == o
}

// Contains 判断 o 是否落在 b 内。
func (b BBox) Contains(o BBox) bool {
	return o.MinLon >= b.MinLon && o.MaxLon <= b.MaxLon &&
		o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat
}

// Union 返回同时覆盖两者的最小范围。
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinLon: min(b.MinLon, o.MinLon),
		MinLat: min(b.MinLat, o.MinLat),
		MaxLon: max(b.MaxLon, o.MaxLon),
		MaxLat: max(b.MaxLat, o.MaxLat),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
