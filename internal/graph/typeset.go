package graph

import (
	"sort"
	"strings"
)

// TypeSet 不可变、按描述符排序、无重复的类型集合
type TypeSet struct {
	types []*Type
}

// NewTypeSet 创建类型集合
func NewTypeSet(types ...*Type) TypeSet {
	if len(types) == 0 {
		return TypeSet{}
	}
	sorted := append([]*Type(nil), types...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].descriptor < sorted[j].descriptor
	})
	out := sorted[:1]
	for _, t := range sorted[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return TypeSet{types: out}
}

// Len 元素个数
func (s TypeSet) Len() int { return len(s.types) }

// IsEmpty 是否为空
func (s TypeSet) IsEmpty() bool { return len(s.types) == 0 }

// Types 返回元素（只读）
func (s TypeSet) Types() []*Type { return s.types }

// Contains 是否包含
func (s TypeSet) Contains(t *Type) bool {
	i := sort.Search(len(s.types), func(i int) bool {
		return s.types[i].descriptor >= t.descriptor
	})
	return i < len(s.types) && s.types[i] == t
}

// Equal 元素相同
func (s TypeSet) Equal(other TypeSet) bool {
	if len(s.types) != len(other.types) {
		return false
	}
	for i := range s.types {
		if s.types[i] != other.types[i] {
			return false
		}
	}
	return true
}

// Key 用作缓存键的规范字符串
func (s TypeSet) Key() string {
	var sb strings.Builder
	for i, t := range s.types {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(t.descriptor)
	}
	return sb.String()
}

func (s TypeSet) String() string {
	names := make([]string, len(s.types))
	for i, t := range s.types {
		names[i] = t.String()
	}
	return "{" + strings.Join(names, ", ") + "}"
}
