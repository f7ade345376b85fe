package spatial

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// 声明网格范围与分辨率的全局属性名。
const (
	AttrLatMin = "geospatial_lat_min"
	AttrLatMax = "geospatial_lat_max"
	AttrLonMin = "geospatial_lon_min"
	AttrLonMax = "geospatial_lon_max"
	AttrLatRes = "geospatial_lat_resolution"
	AttrLonRes = "geospatial_lon_resolution"
)

// eps 吸收浮点误差，使与网格对齐的请求映射到精确索引。
const eps = 1e-9

// GridMeta 是数据集声明的范围与各轴分辨率，缺失值为 NaN。
type GridMeta struct {
	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
	LatRes float64
	LonRes float64
}

// GridMetaFromAttrs 读取 geospatial_* 属性。
func GridMetaFromAttrs(attrs map[string]any) GridMeta {
	return GridMeta{
		LatMin: HarmonizedFloat(attrs, AttrLatMin),
		LatMax: HarmonizedFloat(attrs, AttrLatMax),
		LonMin: HarmonizedFloat(attrs, AttrLonMin),
		LonMax: HarmonizedFloat(attrs, AttrLonMax),
		LatRes: HarmonizedFloat(attrs, AttrLatRes),
		LonRes: HarmonizedFloat(attrs, AttrLonRes),
	}
}

// Valid 判断全部边界与两个分辨率是否可用；返回 false 时跳过空间裁剪。
func (g GridMeta) Valid() bool {
	for _, v := range []float64{g.LatMin, g.LatMax, g.LonMin, g.LonMax, g.LatRes, g.LonRes} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return g.LatRes > 0 && g.LonRes > 0
}

// Bounds 返回声明的范围。
func (g GridMeta) Bounds() BBox {
	return BBox{MinLon: g.LonMin, MinLat: g.LatMin, MaxLon: g.LonMax, MaxLat: g.LatMax}
}

// HarmonizedFloat 解析可能以带单位字符串存储的数值属性，
// 例如 "0.25 degrees" 或 "90.0f"。缺失时返回 NaN。
func HarmonizedFloat(attrs map[string]any, name string) float64 {
	raw, ok := attrs[name]
	if !ok || raw == nil {
		return math.NaN()
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		s := strings.TrimSpace(v)
		s = strings.TrimSuffix(s, "degrees")
		s = strings.TrimSuffix(s, "degree")
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "f")
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// Descending 根据首末采样判断坐标轴方向。
func Descending(first, last float64) bool {
	return first > last
}

// Orientation 记录哪些轴由大到小排列。
type Orientation struct {
	LatDescending bool
	LonDescending bool
}

// Window 是各轴的半开索引区间及其覆盖的地理范围。
type Window struct {
	LatStart int
	LatStop  int
	LonStart int
	LonStop  int
	Achieved BBox
}

// ComputeWindow 把请求范围映射为网格索引。下界向下取整、上界向上取整，
// 窗口不会小于请求。latLen/lonLen 为正时窗口被限制在轴长度内，
// 请求完全落在轴外时得到空窗口。网格元信息不可用时第二个返回值为 false。
func ComputeWindow(g GridMeta, o Orientation, req BBox, latLen, lonLen int) (Window, bool) {
	if !g.Valid() {
		return Window{}, false
	}
	latStart, latStop, latMin, latMax := axisWindow(g.LatMin, g.LatMax, g.LatRes, req.MinLat, req.MaxLat, o.LatDescending, latLen)
	lonStart, lonStop, lonMin, lonMax := axisWindow(g.LonMin, g.LonMax, g.LonRes, req.MinLon, req.MaxLon, o.LonDescending, lonLen)
	return Window{
		LatStart: latStart,
		LatStop:  latStop,
		LonStart: lonStart,
		LonStop:  lonStop,
		Achieved: BBox{MinLon: lonMin, MinLat: latMin, MaxLon: lonMax, MaxLat: latMax},
	}, true
}

func axisWindow(axisMin, axisMax, res, reqMin, reqMax float64, descending bool, n int) (int, int, float64, float64) {
	var lo, hi float64
	if descending {
		lo = axisMax - reqMax
		hi = axisMax - reqMin
	} else {
		lo = reqMin - axisMin
		hi = reqMax - axisMin
	}

	start := int(math.Floor(lo/res + eps))
	stop := int(math.Ceil(hi/res - eps))
	if start < 0 {
		start = 0
	}
	if n > 0 && start > n {
		start = n
	}
	if n > 0 && stop > n {
		stop = n
	}
	if stop < start {
		stop = start
	}

	if descending {
		return start, stop, axisMax - float64(stop)*res, axisMax - float64(start)*res
	}
	return start, stop, axisMin + float64(start)*res, axisMin + float64(stop)*res
}
