// Package lattice 实现类型格：可空性、基本类型、数组、带接口集合的类类型
package lattice

import (
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 可空性
// ============================================================================

// Nullability 引用的可空性
type Nullability uint8

const (
	NullabilityBottom Nullability = iota
	DefinitelyNull
	DefinitelyNotNull
	MaybeNull
)

// Join 相同保持，不同为 maybe-null，bottom 为单位元
func (n Nullability) Join(other Nullability) Nullability {
	switch {
	case n == NullabilityBottom:
		return other
	case other == NullabilityBottom:
		return n
	case n == other:
		return n
	default:
		return MaybeNull
	}
}

// LessThanOrEqual 格上的偏序
func (n Nullability) LessThanOrEqual(other Nullability) bool {
	return n == NullabilityBottom || other == MaybeNull || n == other
}

// IsNullable 可能为 null
func (n Nullability) IsNullable() bool {
	return n == DefinitelyNull || n == MaybeNull
}

// IsDefinitelyNotNull 一定非 null
func (n Nullability) IsDefinitelyNotNull() bool {
	return n == DefinitelyNotNull
}

func (n Nullability) String() string {
	switch n {
	case DefinitelyNull:
		return "@Null"
	case DefinitelyNotNull:
		return "@NotNull"
	case MaybeNull:
		return "@Nullable"
	default:
		return "@Bottom"
	}
}

// ============================================================================
// 格元素
// ============================================================================

// Element 不可变的格元素
type Element interface {
	Nullability() Nullability
	IsReference() bool
	Equal(other Element) bool
	Hash() uint64
	String() string
	element()
}

// BottomElement 最小元
type BottomElement struct{}

// TopElement 最大元
type TopElement struct{}

// PrimitiveElement 基本类型
type PrimitiveElement struct {
	Type *graph.Type
}

// NullElement 没有具体类型的 null 引用
type NullElement struct{}

// ArrayElement 数组引用
type ArrayElement struct {
	Member      Element
	nullability Nullability
}

// ClassType 类引用：指向描述符的轻量句柄
// 同一描述符的所有可空性变体共享接口集合
type ClassType struct {
	desc        *classDescriptor
	nullability Nullability
}

var (
	bottom = BottomElement{}
	top    = TopElement{}
)

// Bottom 最小元
func Bottom() Element { return bottom }

// Top 最大元
func Top() Element { return top }

// Null null 引用
func Null() Element { return NullElement{} }

func (BottomElement) element()    {}
func (TopElement) element()       {}
func (PrimitiveElement) element() {}
func (NullElement) element()      {}
func (ArrayElement) element()     {}
func (ClassType) element()        {}

func (BottomElement) Nullability() Nullability    { return NullabilityBottom }
func (TopElement) Nullability() Nullability       { return MaybeNull }
func (PrimitiveElement) Nullability() Nullability { return DefinitelyNotNull }
func (NullElement) Nullability() Nullability      { return DefinitelyNull }
func (e ArrayElement) Nullability() Nullability   { return e.nullability }
func (e ClassType) Nullability() Nullability      { return e.nullability }

func (BottomElement) IsReference() bool    { return false }
func (TopElement) IsReference() bool       { return false }
func (PrimitiveElement) IsReference() bool { return false }
func (NullElement) IsReference() bool      { return true }
func (ArrayElement) IsReference() bool     { return true }
func (ClassType) IsReference() bool        { return true }

func (BottomElement) Equal(other Element) bool {
	_, ok := other.(BottomElement)
	return ok
}

func (TopElement) Equal(other Element) bool {
	_, ok := other.(TopElement)
	return ok
}

func (e PrimitiveElement) Equal(other Element) bool {
	o, ok := other.(PrimitiveElement)
	return ok && o.Type == e.Type
}

func (NullElement) Equal(other Element) bool {
	_, ok := other.(NullElement)
	return ok
}

func (e ArrayElement) Equal(other Element) bool {
	o, ok := other.(ArrayElement)
	return ok && o.nullability == e.nullability && o.Member.Equal(e.Member)
}

// Equal 可空性、类型和（强制计算后的）接口集合都相同
func (e ClassType) Equal(other Element) bool {
	o, ok := other.(ClassType)
	if !ok || o.nullability != e.nullability || o.desc.typ != e.desc.typ {
		return false
	}
	if o.desc == e.desc {
		return true
	}
	s1, k1 := e.Interfaces()
	s2, k2 := o.Interfaces()
	if !k1 || !k2 {
		return k1 == k2
	}
	return s1.Equal(s2)
}

const nullabilitySalt = 0x9e3779b97f4a7c15

func (BottomElement) Hash() uint64      { return xxh3.HashString("bottom") }
func (TopElement) Hash() uint64         { return xxh3.HashString("top") }
func (e PrimitiveElement) Hash() uint64 { return xxh3.HashString(e.Type.Descriptor()) }
func (NullElement) Hash() uint64        { return xxh3.HashString("null") }

func (e ArrayElement) Hash() uint64 {
	return (e.Member.Hash()*31 + xxh3.HashString("[")) ^ (uint64(e.nullability) * nullabilitySalt)
}

// Hash 不包含接口集合
func (e ClassType) Hash() uint64 {
	return xxh3.HashString(e.desc.typ.Descriptor()) ^ (uint64(e.nullability) * nullabilitySalt)
}

func (BottomElement) String() string      { return "BOTTOM" }
func (TopElement) String() string         { return "TOP" }
func (e PrimitiveElement) String() string { return e.Type.String() }
func (NullElement) String() string        { return "NULL" }

func (e ArrayElement) String() string {
	return fmt.Sprintf("%s[] %s", e.Member, e.nullability)
}

func (e ClassType) String() string {
	itfs, known := e.Interfaces()
	if !known {
		return fmt.Sprintf("%s{?} %s", e.desc.typ, e.nullability)
	}
	return fmt.Sprintf("%s%s %s", e.desc.typ, itfs, e.nullability)
}

// Type 类类型
func (e ClassType) Type() *graph.Type { return e.desc.typ }

// Interfaces 接口集合；开放世界连接结果的集合未知
func (e ClassType) Interfaces() (graph.TypeSet, bool) {
	return e.desc.interfaces()
}

// WithNullability 同一描述符的另一可空性变体
func (e ClassType) WithNullability(n Nullability) ClassType {
	return ClassType{desc: e.desc, nullability: n}
}

// ============================================================================
// 类描述符
// ============================================================================

// classDescriptor 由 Lattice 拥有；接口集合最多计算一次
type classDescriptor struct {
	typ     *graph.Type
	lattice *Lattice
	lazy    bool

	once  sync.Once
	itfs  graph.TypeSet
	known bool
}

func (d *classDescriptor) interfaces() (graph.TypeSet, bool) {
	if d.lazy {
		d.once.Do(func() {
			all := d.lattice.appInfo.ImplementedInterfaces(d.typ)
			d.itfs = d.lattice.LeastUpperBoundOfInterfaces(all, all)
			d.known = true
		})
	}
	return d.itfs, d.known
}

// ============================================================================
// 可空性变换
// ============================================================================

// WithNullability 返回换了可空性的引用元素；非引用元素原样返回
func WithNullability(e Element, n Nullability) Element {
	switch x := e.(type) {
	case ClassType:
		return x.WithNullability(n)
	case ArrayElement:
		return ArrayElement{Member: x.Member, nullability: n}
	case NullElement:
		if n == DefinitelyNull {
			return x
		}
		if n == DefinitelyNotNull || n == NullabilityBottom {
			return Bottom()
		}
	}
	return e
}

// AsNonNull 已知非 null 之后的类型
func AsNonNull(e Element) Element {
	return WithNullability(e, DefinitelyNotNull)
}
