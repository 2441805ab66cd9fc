package lattice

import (
	"github.com/tangzhangming/nova/internal/graph"
)

const (
	markerLeft  uint8 = 1
	markerRight uint8 = 2
)

type markedType struct {
	t      *graph.Type
	marker uint8
}

// LeastUpperBoundOfInterfaces 两个接口集合的最小上界
// 结果缓存在并发表中，查找时检查两种顺序；相同集合不缓存
func (l *Lattice) LeastUpperBoundOfInterfaces(s1, s2 graph.TypeSet) graph.TypeSet {
	if s1.IsEmpty() || s2.IsEmpty() {
		return graph.TypeSet{}
	}
	if s1.Equal(s2) {
		return l.computeLeastUpperBoundOfInterfaces(s1, s2)
	}
	k1, k2 := s1.Key(), s2.Key()
	if cached, ok := l.lubTable.Load(k1 + "|" + k2); ok {
		return cached.(graph.TypeSet)
	}
	if cached, ok := l.lubTable.Load(k2 + "|" + k1); ok {
		return cached.(graph.TypeSet)
	}
	lub := l.computeLeastUpperBoundOfInterfaces(s1, s2)
	actual, _ := l.lubTable.LoadOrStore(k1+"|"+k2, lub)
	return actual.(graph.TypeSet)
}

// computeLeastUpperBoundOfInterfaces 从两侧同时做 BFS，标记访问来源
// 已被另一侧访问过的接口只补上标记，不再向上展开
// 两侧都访问过的接口中，去掉存在严格子类型的那些
func (l *Lattice) computeLeastUpperBoundOfInterfaces(s1, s2 graph.TypeSet) graph.TypeSet {
	l.lubComputations.Inc()

	seen := make(map[*graph.Type]uint8)
	worklist := make([]markedType, 0, s1.Len()+s2.Len())
	for _, t := range s1.Types() {
		worklist = append(worklist, markedType{t, markerLeft})
	}
	for _, t := range s2.Types() {
		worklist = append(worklist, markedType{t, markerRight})
	}

	for len(worklist) > 0 {
		item := worklist[0]
		worklist = worklist[1:]
		markers := seen[item.t]
		if markers&item.marker != 0 {
			continue
		}
		if markers != 0 {
			seen[item.t] = markers | item.marker
			continue
		}
		seen[item.t] = item.marker
		class := l.appInfo.DefinitionFor(item.t)
		if class == nil {
			continue
		}
		for _, super := range class.Interfaces {
			worklist = append(worklist, markedType{super, item.marker})
		}
	}

	var common []*graph.Type
	for t, markers := range seen {
		if markers == markerLeft|markerRight {
			common = append(common, t)
		}
	}
	var lub []*graph.Type
	for _, candidate := range common {
		minimal := true
		for _, other := range common {
			if l.appInfo.IsStrictSubtypeOf(other, candidate) {
				minimal = false
				break
			}
		}
		if minimal {
			lub = append(lub, candidate)
		}
	}
	return graph.NewTypeSet(lub...)
}
