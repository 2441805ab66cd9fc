package lattice

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
)

// Lattice 每次编译一个；拥有类描述符和接口 LUB 缓存
// 所有方法可并发调用
type Lattice struct {
	appInfo     *graph.AppInfo
	factory     *graph.ItemFactory
	descriptors sync.Map // string -> *classDescriptor
	lubTable    sync.Map // string -> graph.TypeSet

	lubComputations atomic.Int64
}

// New 创建类型格
func New(appInfo *graph.AppInfo) *Lattice {
	return &Lattice{appInfo: appInfo, factory: appInfo.Factory()}
}

// AppInfo 类层次
func (l *Lattice) AppInfo() *graph.AppInfo { return l.appInfo }

// InterfaceLubComputations 实际执行（未命中缓存）的接口 LUB 计算次数
func (l *Lattice) InterfaceLubComputations() int64 {
	return l.lubComputations.Load()
}

// ============================================================================
// 构造
// ============================================================================

// ClassType 类类型，接口集合按需计算
func (l *Lattice) ClassType(t *graph.Type, n Nullability) ClassType {
	return ClassType{desc: l.descriptor(t.Descriptor(), func() *classDescriptor {
		return &classDescriptor{typ: t, lattice: l, lazy: true}
	}), nullability: n}
}

// classWithInterfaces 带显式接口集合的类类型
func (l *Lattice) classWithInterfaces(t *graph.Type, itfs graph.TypeSet, n Nullability) ClassType {
	return ClassType{desc: l.descriptor(t.Descriptor()+"|"+itfs.Key(), func() *classDescriptor {
		return &classDescriptor{typ: t, lattice: l, itfs: itfs, known: true}
	}), nullability: n}
}

// classWithUnknownInterfaces 开放世界中接口集合未知的类类型
func (l *Lattice) classWithUnknownInterfaces(t *graph.Type, n Nullability) ClassType {
	return ClassType{desc: l.descriptor(t.Descriptor()+"|?", func() *classDescriptor {
		return &classDescriptor{typ: t, lattice: l}
	}), nullability: n}
}

func (l *Lattice) descriptor(key string, create func() *classDescriptor) *classDescriptor {
	if d, ok := l.descriptors.Load(key); ok {
		return d.(*classDescriptor)
	}
	d, _ := l.descriptors.LoadOrStore(key, create())
	return d.(*classDescriptor)
}

// FromType 由类型构造格元素
func (l *Lattice) FromType(t *graph.Type, n Nullability) Element {
	switch {
	case t.IsPrimitiveType():
		return PrimitiveElement{Type: t}
	case t.IsArrayType():
		return ArrayElement{Member: l.FromType(t.ElementType(), MaybeNull), nullability: n}
	case t.IsClassType():
		return l.ClassType(t, n)
	}
	diagnostic.Unreachable("no lattice element for type %s", t.Descriptor())
	return nil
}

// objectType Object 类型；开放世界时接口集合未知
func (l *Lattice) objectType(n Nullability) Element {
	if !l.appInfo.HasSubtyping() {
		return l.classWithUnknownInterfaces(l.factory.ObjectType, n)
	}
	return l.ClassType(l.factory.ObjectType, n)
}

// ============================================================================
// 连接
// ============================================================================

// Join 最小上界；全函数，从不失败
func (l *Lattice) Join(a, b Element) Element {
	switch {
	case isBottom(a):
		return b
	case isBottom(b):
		return a
	case isTop(a) || isTop(b):
		return Top()
	}
	pa, aPrim := a.(PrimitiveElement)
	pb, bPrim := b.(PrimitiveElement)
	if aPrim || bPrim {
		if aPrim && bPrim && pa.Type == pb.Type {
			return a
		}
		return Top()
	}

	n := a.Nullability().Join(b.Nullability())
	if _, ok := a.(NullElement); ok {
		return WithNullability(b, n)
	}
	if _, ok := b.(NullElement); ok {
		return WithNullability(a, n)
	}
	if ca, ok := a.(ClassType); ok {
		if cb, ok := b.(ClassType); ok {
			return l.joinClassTypes(ca, cb, n)
		}
	}
	if aa, ok := a.(ArrayElement); ok {
		if ba, ok := b.(ArrayElement); ok && aa.Member.Equal(ba.Member) {
			return ArrayElement{Member: aa.Member, nullability: n}
		}
	}
	return l.objectType(n)
}

func (l *Lattice) joinClassTypes(a, b ClassType, n Nullability) Element {
	if a.desc == b.desc {
		return a.WithNullability(n)
	}
	if !l.appInfo.HasSubtyping() {
		if a.Equal(b.WithNullability(a.nullability)) {
			return a.WithNullability(n)
		}
		return l.classWithUnknownInterfaces(l.factory.ObjectType, n)
	}
	lubType := l.appInfo.ComputeLeastUpperBoundOfClasses(a.desc.typ, b.desc.typ)
	s1, k1 := a.Interfaces()
	s2, k2 := b.Interfaces()
	if !k1 || !k2 {
		return l.classWithUnknownInterfaces(lubType, n)
	}
	lub := s1
	if !s1.Equal(s2) {
		lub = l.LeastUpperBoundOfInterfaces(s1, s2)
	}
	canonical := l.ClassType(lubType, n)
	if itfs, _ := canonical.Interfaces(); itfs.Equal(lub) {
		return canonical
	}
	return l.classWithInterfaces(lubType, lub, n)
}

// JoinAll 多个元素的连接
func (l *Lattice) JoinAll(elements ...Element) Element {
	result := Bottom()
	for _, e := range elements {
		result = l.Join(result, e)
	}
	return result
}

// ============================================================================
// 偏序
// ============================================================================

// LessThanOrEqual a ⊑ b，即 a 至少和 b 一样精确
func (l *Lattice) LessThanOrEqual(a, b Element) bool {
	switch {
	case isBottom(a) || isTop(b):
		return true
	case isTop(a) || isBottom(b):
		return false
	}
	pa, aPrim := a.(PrimitiveElement)
	pb, bPrim := b.(PrimitiveElement)
	if aPrim || bPrim {
		return aPrim && bPrim && pa.Type == pb.Type
	}
	if !a.Nullability().LessThanOrEqual(b.Nullability()) {
		return false
	}
	if _, ok := a.(NullElement); ok {
		return true
	}
	if _, ok := b.(NullElement); ok {
		return false
	}
	switch bt := b.(type) {
	case ClassType:
		target := bt.desc.typ
		if target == l.factory.ObjectType {
			return true
		}
		switch at := a.(type) {
		case ClassType:
			if at.desc.typ == target {
				return true
			}
			if !l.appInfo.HasSubtyping() {
				return false
			}
			if l.appInfo.IsSubtype(at.desc.typ, target) {
				return true
			}
			if itfs, known := at.Interfaces(); known && l.appInfo.IsInterface(target) {
				for _, itf := range itfs.Types() {
					if l.appInfo.IsSubtype(itf, target) {
						return true
					}
				}
			}
			return false
		case ArrayElement:
			return target == l.factory.CloneableType || target == l.factory.SerializableType
		}
	case ArrayElement:
		if at, ok := a.(ArrayElement); ok {
			return l.LessThanOrEqual(WithNullability(at.Member, MaybeNull), WithNullability(bt.Member, MaybeNull))
		}
	}
	return false
}

func isBottom(e Element) bool {
	_, ok := e.(BottomElement)
	return ok
}

func isTop(e Element) bool {
	_, ok := e.(TopElement)
	return ok
}
