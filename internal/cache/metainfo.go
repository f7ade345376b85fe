package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// MetaInfo 是保持插入顺序的键值属性，序列化时按插入顺序输出。
// 值应为 JSON 兼容类型（string、float64、bool、[]any、map[string]any）。
type MetaInfo struct {
	keys   []string
	values map[string]any
}

// NewMetaInfo 返回空的 MetaInfo。
func NewMetaInfo() *MetaInfo {
	return &MetaInfo{values: map[string]any{}}
}

// MetaInfoFrom 按键排序复制普通 map。
func MetaInfoFrom(m map[string]any) *MetaInfo {
	out := NewMetaInfo()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out.Set(k, m[k])
	}
	return out
}

func (m *MetaInfo) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// String 以文本返回值，非字符串返回 ""。
func (m *MetaInfo) String(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Set 插入或替换值，已有键保持原位置。
func (m *MetaInfo) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// SetDefault 仅在键不存在时设置。
func (m *MetaInfo) SetDefault(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.Set(key, value)
	}
}

func (m *MetaInfo) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == key })
}

func (m *MetaInfo) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

func (m *MetaInfo) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone 复制键顺序与顶层值。
func (m *MetaInfo) Clone() *MetaInfo {
	out := NewMetaInfo()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// Map 返回不关心顺序的普通 map 视图。
func (m *MetaInfo) Map() map[string]any {
	out := make(map[string]any, m.Len())
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

func (m *MetaInfo) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if m != nil {
		for i, k := range m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(m.values[k])
			if err != nil {
				return nil, fmt.Errorf("meta_info %s: %w", k, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *MetaInfo) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("meta_info: expected object")
	}
	m.keys = nil
	m.values = map[string]any{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("meta_info: expected string key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("meta_info %s: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
