package crdt

import "reflect"

// 样式扩展策略：在样式区间边界输入新字符时是否继承该样式
type ExpandType int

const (
	ExpandAfter ExpandType = iota // 在区间末尾之后输入会继承
	ExpandBefore
	ExpandBoth
	ExpandNone
)

type StyleConfig struct {
	Expand ExpandType
}

type StyleConfigMap map[string]StyleConfig

// 未配置的 key 按 ExpandAfter 处理
func (m StyleConfigMap) expandOf(key string) ExpandType {
	if cfg, ok := m[key]; ok {
		return cfg.Expand
	}
	return ExpandAfter
}

func (m StyleConfigMap) Clone() StyleConfigMap {
	out := make(StyleConfigMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StyleMeta 是一组样式变化；value 为 nil 表示移除该样式。空集合表示“无变化”
type StyleMeta map[string]any

func (s StyleMeta) IsEmpty() bool { return len(s) == 0 }

// ToJSONValue 返回可直接序列化的拷贝
func (s StyleMeta) ToJSONValue() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s StyleMeta) equal(o StyleMeta) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		w, ok := o[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

// styleDiff 计算 before -> after 的样式变化
func styleDiff(before, after map[string]any) StyleMeta {
	var out StyleMeta
	for k, v := range after {
		if w, ok := before[k]; !ok || !reflect.DeepEqual(v, w) {
			if out == nil {
				out = StyleMeta{}
			}
			out[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			if out == nil {
				out = StyleMeta{}
			}
			out[k] = nil
		}
	}
	return out
}
