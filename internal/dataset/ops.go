package dataset

import (
	"fmt"
	"math"
)

// Range 是单个维度上的半开索引区间。
type Range struct {
	Start int
	Stop  int
}

// Len 返回选中的索引数量。
func (r Range) Len() int {
	return r.Stop - r.Start
}

// Isel 按整数索引切片，未出现在 win 中的维度保持完整。
func (d *Dataset) Isel(win map[string]Range) (*Dataset, error) {
	for dim, r := range win {
		n, ok := d.Dims[dim]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDim, dim)
		}
		if r.Start < 0 || r.Stop > n || r.Start > r.Stop {
			return nil, fmt.Errorf("index range [%d,%d) out of bounds for %s (size %d)", r.Start, r.Stop, dim, n)
		}
	}

	out := New()
	for dim, n := range d.Dims {
		if r, ok := win[dim]; ok {
			n = r.Len()
		}
		out.Dims[dim] = n
	}
	for name, v := range d.Coords {
		out.Coords[name] = iselVar(v, d.Dims, win)
	}
	for name, v := range d.DataVars {
		out.DataVars[name] = iselVar(v, d.Dims, win)
	}
	out.Attrs = d.Attrs.Clone()
	return out, nil
}

func iselVar(v *Variable, sizes map[string]int, win map[string]Range) *Variable {
	rank := len(v.Dims)
	shape := make([]int, rank)
	ranges := make([]Range, rank)
	total := 1
	for i, dim := range v.Dims {
		shape[i] = sizes[dim]
		r, ok := win[dim]
		if !ok {
			r = Range{Start: 0, Stop: shape[i]}
		}
		ranges[i] = r
		total *= r.Len()
	}

	out := &Variable{Dims: append([]string(nil), v.Dims...), Attrs: v.Attrs.Clone()}
	out.Data = make(Values, 0, total)
	if total == 0 {
		return out
	}

	strides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	idx := make([]int, rank)
	for i := range idx {
		idx[i] = ranges[i].Start
	}
	for {
		off := 0
		for i := range idx {
			off += idx[i] * strides[i]
		}
		out.Data = append(out.Data, v.Data[off])

		k := rank - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < ranges[k].Stop {
				break
			}
			idx[k] = ranges[k].Start
		}
		if k < 0 {
			return out
		}
	}
}

// Sel 按坐标值选择闭区间 [lo, hi]，坐标可以升序或降序。
func (d *Dataset) Sel(dim string, lo, hi float64) (*Dataset, error) {
	coord, ok := d.Coords[dim]
	if !ok || len(coord.Dims) != 1 || coord.Dims[0] != dim {
		return nil, fmt.Errorf("%w: no coordinate for %s", ErrUnknownDim, dim)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	const tol = 1e-9
	r := Range{Start: -1, Stop: -1}
	for i, v := range coord.Data {
		if math.IsNaN(v) || v < lo-tol || v > hi+tol {
			continue
		}
		if r.Start < 0 {
			r.Start = i
		}
		r.Stop = i + 1
	}
	if r.Start < 0 {
		r = Range{}
	}
	return d.Isel(map[string]Range{dim: r})
}

// Concat 沿 dim 拼接数据集。不含该维度的变量取自第一个数据集。
func Concat(dim string, parts ...*Dataset) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat %s: no datasets", dim)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	first := parts[0]
	if _, ok := first.Dims[dim]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDim, dim)
	}

	out := New()
	for k, n := range first.Dims {
		out.Dims[k] = n
	}
	out.Dims[dim] = 0
	for i, p := range parts {
		for k, n := range first.Dims {
			if k == dim {
				continue
			}
			if p.Dims[k] != n {
				return nil, fmt.Errorf("concat %s: part %d has %s=%d, want %d", dim, i, k, p.Dims[k], n)
			}
		}
		out.Dims[dim] += p.Dims[dim]
	}

	for name, v := range first.Coords {
		cv, err := concatVar(name, dim, v, parts, func(p *Dataset) *Variable { return p.Coords[name] })
		if err != nil {
			return nil, err
		}
		out.Coords[name] = cv
	}
	for name, v := range first.DataVars {
		cv, err := concatVar(name, dim, v, parts, func(p *Dataset) *Variable { return p.DataVars[name] })
		if err != nil {
			return nil, err
		}
		out.DataVars[name] = cv
	}
	out.Attrs = first.Attrs.Clone()
	return out, nil
}

func concatVar(name, dim string, v *Variable, parts []*Dataset, pick func(*Dataset) *Variable) (*Variable, error) {
	axis := -1
	for i, d := range v.Dims {
		if d == dim {
			axis = i
		}
	}
	if axis < 0 {
		return v.clone(), nil
	}

	first := parts[0]
	outer, inner := 1, 1
	for i, d := range v.Dims {
		switch {
		case i < axis:
			outer *= first.Dims[d]
		case i > axis:
			inner *= first.Dims[d]
		}
	}

	vars := make([]*Variable, len(parts))
	total := 0
	for i, p := range parts {
		pv := pick(p)
		if pv == nil {
			return nil, fmt.Errorf("%w: %s missing from part %d", ErrUnknownVariable, name, i)
		}
		if len(pv.Data) != outer*p.Dims[dim]*inner {
			return nil, fmt.Errorf("%w: %s in part %d", ErrShapeMismatch, name, i)
		}
		vars[i] = pv
		total += len(pv.Data)
	}

	out := &Variable{Dims: append([]string(nil), v.Dims...), Attrs: v.Attrs.Clone()}
	out.Data = make(Values, 0, total)
	for o := 0; o < outer; o++ {
		for i, p := range parts {
			chunk := p.Dims[dim] * inner
			out.Data = append(out.Data, vars[i].Data[o*chunk:(o+1)*chunk]...)
		}
	}
	return out, nil
}
