// Package dataset 提供带标签的多维数据集模型：命名维度、坐标变量、数据变量以及
// 全局/变量级属性。数据按维度顺序以行主序展开为 float64 切片。
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// 规范坐标名。
const (
	DimTime = "time"
	DimLat  = "lat"
	DimLon  = "lon"

	// TimeUnits 是时间坐标的单位，值为 Unix 秒。
	TimeUnits = "seconds since 1970-01-01T00:00:00Z"
)

var (
	ErrShapeMismatch   = errors.New("variable shape does not match dimensions")
	ErrUnknownDim      = errors.New("unknown dimension")
	ErrUnknownVariable = errors.New("unknown variable")
)

// Attrs 保存全局或变量级属性。
type Attrs map[string]any

// Clone 返回浅拷贝。
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String 以文本返回属性，缺失时返回 ""。
func (a Attrs) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Values 在 JSON 中以 null 表示 NaN（缺测值）。
type Values []float64

func (v Values) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, len(v)*8+2)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

func (v *Values) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for i, p := range raw {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	*v = out
	return nil
}

// Variable 是一个具名数组。
type Variable struct {
	Dims  []string `json:"dims"`
	Data  Values   `json:"data"`
	Attrs Attrs    `json:"attrs,omitempty"`
}

func (v *Variable) clone() *Variable {
	return &Variable{
		Dims:  slices.Clone(v.Dims),
		Data:  slices.Clone(v.Data),
		Attrs: v.Attrs.Clone(),
	}
}

// Dataset 是一组共享维度的变量。
type Dataset struct {
	Dims     map[string]int       `json:"dims"`
	Coords   map[string]*Variable `json:"coords"`
	DataVars map[string]*Variable `json:"data_vars"`
	Attrs    Attrs                `json:"attrs,omitempty"`
}

// New 返回空数据集。
func New() *Dataset {
	return &Dataset{
		Dims:     map[string]int{},
		Coords:   map[string]*Variable{},
		DataVars: map[string]*Variable{},
		Attrs:    Attrs{},
	}
}

// SetCoord 定义一维坐标及其维度。
func (d *Dataset) SetCoord(name string, values []float64, attrs Attrs) {
	d.Dims[name] = len(values)
	d.Coords[name] = &Variable{Dims: []string{name}, Data: Values(slices.Clone(values)), Attrs: attrs}
}

// SetVar 在已有维度上添加数据变量。
func (d *Dataset) SetVar(name string, dims []string, data []float64, attrs Attrs) error {
	v := &Variable{Dims: slices.Clone(dims), Data: Values(data), Attrs: attrs}
	if err := d.checkVar(name, v); err != nil {
		return err
	}
	d.DataVars[name] = v
	return nil
}

// Var 查找坐标或数据变量。
func (d *Dataset) Var(name string) (*Variable, bool) {
	if v, ok := d.Coords[name]; ok {
		return v, true
	}
	v, ok := d.DataVars[name]
	return v, ok
}

// CoordNames 按排序返回坐标名。
func (d *Dataset) CoordNames() []string {
	return sortedKeys(d.Coords)
}

// DataVarNames 按排序返回数据变量名。
func (d *Dataset) DataVarNames() []string {
	return sortedKeys(d.DataVars)
}

// Validate 按声明的维度大小校验每个变量。
func (d *Dataset) Validate() error {
	for _, name := range d.CoordNames() {
		if err := d.checkVar(name, d.Coords[name]); err != nil {
			return err
		}
	}
	for _, name := range d.DataVarNames() {
		if err := d.checkVar(name, d.DataVars[name]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) checkVar(name string, v *Variable) error {
	size := 1
	for _, dim := range v.Dims {
		n, ok := d.Dims[dim]
		if !ok {
			return fmt.Errorf("%w: %s uses %q", ErrUnknownDim, name, dim)
		}
		size *= n
	}
	if len(v.Data) != size {
		return fmt.Errorf("%w: %s has %d values, want %d", ErrShapeMismatch, name, len(v.Data), size)
	}
	return nil
}

// Clone 返回数据集的深拷贝。
func (d *Dataset) Clone() *Dataset {
	out := New()
	for k, v := range d.Dims {
		out.Dims[k] = v
	}
	for k, v := range d.Coords {
		out.Coords[k] = v.clone()
	}
	for k, v := range d.DataVars {
		out.DataVars[k] = v.clone()
	}
	out.Attrs = d.Attrs.Clone()
	if out.Attrs == nil {
		out.Attrs = Attrs{}
	}
	return out
}

// Subset 保留指定的数据变量与全部坐标。
func (d *Dataset) Subset(names []string) (*Dataset, error) {
	out := New()
	for k, v := range d.Dims {
		out.Dims[k] = v
	}
	for k, v := range d.Coords {
		out.Coords[k] = v.clone()
	}
	for _, name := range names {
		if _, ok := d.Coords[name]; ok {
			continue
		}
		v, ok := d.DataVars[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
		out.DataVars[name] = v.clone()
	}
	out.Attrs = d.Attrs.Clone()
	return out, nil
}

// TimeValue 把时间戳转换为时间坐标值。
func TimeValue(t time.Time) float64 {
	return float64(t.Unix())
}

// ValueTime 把时间坐标值转换回 UTC 时间。
func ValueTime(v float64) time.Time {
	return time.Unix(int64(math.Round(v)), 0).UTC()
}

func sortedKeys(m map[string]*Variable) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
