package lattice

import (
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
)

// fixture 测试用的类层次
//
//	interface T ; interface L extends T ; interface R extends T
//	class A implements L ; class B implements R ; class C extends A
//	class D implements L, R
type fixture struct {
	f       *graph.ItemFactory
	appInfo *graph.AppInfo
	lattice *Lattice
}

func newFixture(t testing.TB, closedWorld bool) *fixture {
	t.Helper()
	f := graph.NewItemFactory()
	itf := func(name string, supers ...string) *graph.Class {
		c := &graph.Class{
			Type:        f.CreateType(name),
			AccessFlags: graph.AccPublic | graph.AccInterface | graph.AccAbstract,
			SuperType:   f.ObjectType,
		}
		for _, s := range supers {
			c.Interfaces = append(c.Interfaces, f.CreateType(s))
		}
		return c
	}
	class := func(name, super string, itfs ...string) *graph.Class {
		c := &graph.Class{Type: f.CreateType(name), AccessFlags: graph.AccPublic, SuperType: f.CreateType(super)}
		for _, s := range itfs {
			c.Interfaces = append(c.Interfaces, f.CreateType(s))
		}
		return c
	}
	app, err := graph.NewApplicationBuilder(f).
		AddLibraryClass(&graph.Class{Type: f.ObjectType, AccessFlags: graph.AccPublic}).
		AddProgramClass(
			itf("LT;"), itf("LL;", "LT;"), itf("LR;", "LT;"),
			class("LA;", "Ljava/lang/Object;", "LL;"),
			class("LB;", "Ljava/lang/Object;", "LR;"),
			class("LC;", "LA;"),
			class("LD;", "Ljava/lang/Object;", "LL;", "LR;"),
		).
		Build(diagnostic.NewReporter(diagnostic.NewCollectingHandler()))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ai := graph.NewAppInfo(app, closedWorld)
	return &fixture{f: f, appInfo: ai, lattice: New(ai)}
}

func (fx *fixture) class(name string, n Nullability) ClassType {
	return fx.lattice.ClassType(fx.f.CreateType(name), n)
}

// TestJoinCommonInterface 测试 {L},{R} -> {T}
func TestJoinCommonInterface(t *testing.T) {
	fx := newFixture(t, true)
	joined := fx.lattice.Join(fx.class("LA;", DefinitelyNotNull), fx.class("LB;", DefinitelyNotNull))
	ct, ok := joined.(ClassType)
	if !ok {
		t.Fatalf("expected class type, got %s", joined)
	}
	if ct.Type() != fx.f.ObjectType {
		t.Errorf("lub class = %s, want java.lang.Object", ct.Type())
	}
	itfs, known := ct.Interfaces()
	if !known || itfs.Len() != 1 || itfs.Types()[0] != fx.f.CreateType("LT;") {
		t.Errorf("lub interfaces = %s, want {T}", itfs)
	}
	if ct.Nullability() != DefinitelyNotNull {
		t.Errorf("unexpected nullability %s", ct.Nullability())
	}
}

// TestJoinSubclass 测试子类与父类的连接
func TestJoinSubclass(t *testing.T) {
	fx := newFixture(t, true)
	joined := fx.lattice.Join(fx.class("LC;", DefinitelyNotNull), fx.class("LA;", MaybeNull))
	if !joined.Equal(fx.class("LA;", MaybeNull)) {
		t.Errorf("join(C, A?) = %s, want A?", joined)
	}
	withNull := fx.lattice.Join(Null(), fx.class("LC;", DefinitelyNotNull))
	if withNull.Nullability() != MaybeNull {
		t.Errorf("join with null should be nullable, got %s", withNull)
	}
}

// TestInterfaceSetMinimal 测试接口集合只保留最小元素
func TestInterfaceSetMinimal(t *testing.T) {
	fx := newFixture(t, true)
	itfs, _ := fx.class("LD;", MaybeNull).Interfaces()
	if itfs.Len() != 2 || itfs.Contains(fx.f.CreateType("LT;")) {
		t.Errorf("interfaces of D = %s, want {L, R}", itfs)
	}
	// 不同可空性变体共享同一个描述符
	a := fx.class("LD;", MaybeNull)
	b := a.WithNullability(DefinitelyNotNull)
	if a.desc != b.desc {
		t.Error("nullability variants should share the descriptor")
	}
	if a.Hash() == b.Hash() {
		t.Error("hash should include nullability")
	}
}

// TestJoinMemoization 测试接口 LUB 缓存命中
func TestJoinMemoization(t *testing.T) {
	fx := newFixture(t, true)
	a := fx.class("LA;", DefinitelyNotNull)
	b := fx.class("LB;", DefinitelyNotNull)
	a.Interfaces()
	b.Interfaces()

	first := fx.lattice.Join(a, b)
	count := fx.lattice.InterfaceLubComputations()
	for i := 0; i < 3; i++ {
		if !fx.lattice.Join(a, b).Equal(first) {
			t.Fatal("repeated join should be equal")
		}
		if !fx.lattice.Join(b, a).Equal(first) {
			t.Fatal("reversed join should be equal")
		}
	}
	if got := fx.lattice.InterfaceLubComputations(); got != count {
		t.Errorf("expected cached results, computations went from %d to %d", count, got)
	}
}

// TestConcurrentJoin 测试并发连接
func TestConcurrentJoin(t *testing.T) {
	fx := newFixture(t, true)
	names := []string{"LA;", "LB;", "LC;", "LD;", "LL;", "LR;", "LT;"}
	results := make([]Element, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var acc Element = Bottom()
			for _, n := range names {
				acc = fx.lattice.Join(acc, fx.class(n, DefinitelyNotNull))
			}
			results[i] = acc
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		if !r.Equal(results[0]) {
			t.Fatalf("concurrent joins disagree: %s vs %s", r, results[0])
		}
	}
}

// TestOpenWorldJoin 测试开放世界下的连接
func TestOpenWorldJoin(t *testing.T) {
	fx := newFixture(t, false)
	joined := fx.lattice.Join(fx.class("LA;", DefinitelyNotNull), fx.class("LB;", DefinitelyNotNull))
	ct, ok := joined.(ClassType)
	if !ok || ct.Type() != fx.f.ObjectType {
		t.Fatalf("expected java.lang.Object, got %s", joined)
	}
	if _, known := ct.Interfaces(); known {
		t.Error("open-world join should have an unknown interface set")
	}
	same := fx.lattice.Join(fx.class("LA;", DefinitelyNotNull), fx.class("LA;", MaybeNull))
	if !same.Equal(fx.class("LA;", MaybeNull)) {
		t.Errorf("same-type join should keep the type, got %s", same)
	}
}

// TestPrimitiveAndArrayJoin 测试基本类型与数组
func TestPrimitiveAndArrayJoin(t *testing.T) {
	fx := newFixture(t, true)
	i := fx.lattice.FromType(fx.f.IntType, MaybeNull)
	j := fx.lattice.FromType(fx.f.LongType, MaybeNull)
	if !fx.lattice.Join(i, i).Equal(i) {
		t.Error("same primitive should be kept")
	}
	if !fx.lattice.Join(i, j).Equal(Top()) {
		t.Error("different primitives should join to top")
	}
	if !fx.lattice.Join(i, fx.class("LA;", MaybeNull)).Equal(Top()) {
		t.Error("primitive and reference should join to top")
	}
	ints := fx.lattice.FromType(fx.f.CreateType("[I"), DefinitelyNotNull)
	longs := fx.lattice.FromType(fx.f.CreateType("[J"), MaybeNull)
	if joined := fx.lattice.Join(ints, ints); !joined.Equal(ints) {
		t.Errorf("same arrays should be kept, got %s", joined)
	}
	joined := fx.lattice.Join(ints, longs)
	if ct, ok := joined.(ClassType); !ok || ct.Type() != fx.f.ObjectType || ct.Nullability() != MaybeNull {
		t.Errorf("different arrays should join to Object?, got %s", joined)
	}
}

// TestLessThanOrEqual 测试偏序
func TestLessThanOrEqual(t *testing.T) {
	fx := newFixture(t, true)
	l := fx.lattice
	if !l.LessThanOrEqual(fx.class("LC;", DefinitelyNotNull), fx.class("LA;", MaybeNull)) {
		t.Error("C! should be <= A?")
	}
	if l.LessThanOrEqual(fx.class("LC;", MaybeNull), fx.class("LA;", DefinitelyNotNull)) {
		t.Error("C? should not be <= A!")
	}
	if !l.LessThanOrEqual(fx.class("LC;", DefinitelyNotNull), fx.class("LT;", MaybeNull)) {
		t.Error("C should be <= T through its interfaces")
	}
	if l.LessThanOrEqual(fx.class("LB;", MaybeNull), fx.class("LL;", MaybeNull)) {
		t.Error("B should not be <= L")
	}
	if !l.LessThanOrEqual(Null(), fx.class("LB;", MaybeNull)) {
		t.Error("null should be <= any nullable reference")
	}
}

// TestJoinProperties 测试连接的交换律、幂等性与上界性质
func TestJoinProperties(t *testing.T) {
	fx := newFixture(t, true)
	names := []string{"LA;", "LB;", "LC;", "LD;", "LL;", "LR;", "LT;", "Ljava/lang/Object;"}
	nullabilities := []Nullability{DefinitelyNull, DefinitelyNotNull, MaybeNull}
	gen := rapid.Custom(func(t *rapid.T) Element {
		switch rapid.IntRange(0, 5).Draw(t, "kind") {
		case 0:
			return Bottom()
		case 1:
			return Null()
		case 2:
			return fx.lattice.FromType(fx.f.IntType, MaybeNull)
		case 3:
			return fx.lattice.FromType(fx.f.CreateType("[I"), rapid.SampledFrom(nullabilities).Draw(t, "n"))
		default:
			name := rapid.SampledFrom(names).Draw(t, "class")
			return fx.class(name, rapid.SampledFrom(nullabilities).Draw(t, "n"))
		}
	})
	rapid.Check(t, func(t *rapid.T) {
		a := gen.Draw(t, "a")
		b := gen.Draw(t, "b")
		ab := fx.lattice.Join(a, b)
		ba := fx.lattice.Join(b, a)
		if !ab.Equal(ba) {
			t.Fatalf("join(%s, %s) = %s but join(%s, %s) = %s", a, b, ab, b, a, ba)
		}
		if !fx.lattice.Join(a, a).Equal(a) {
			t.Fatalf("join(%s, %s) is not idempotent", a, a)
		}
		if ab.Hash() != ba.Hash() {
			t.Fatalf("equal elements must hash equally: %s", ab)
		}
		if !fx.lattice.LessThanOrEqual(a, ab) || !fx.lattice.LessThanOrEqual(b, ab) {
			t.Fatalf("join(%s, %s) = %s is not an upper bound", a, b, ab)
		}
	})
}
