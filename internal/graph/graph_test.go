package graph

import (
	"errors"
	"testing"

	"github.com/tangzhangming/nova/internal/diagnostic"
)

// newHierarchy 构建测试用的类层次
//
//	I1 <- I2 ;  A implements I2 ; B extends A ; C extends A
func newHierarchy(t *testing.T) (*ItemFactory, *AppInfo) {
	t.Helper()
	f := NewItemFactory()
	obj := &Class{Type: f.ObjectType, AccessFlags: AccPublic}
	i1 := &Class{Type: f.CreateType("LI1;"), AccessFlags: AccPublic | AccInterface | AccAbstract, SuperType: f.ObjectType}
	i2 := &Class{Type: f.CreateType("LI2;"), AccessFlags: AccPublic | AccInterface | AccAbstract, SuperType: f.ObjectType, Interfaces: []*Type{i1.Type}}
	a := &Class{Type: f.CreateType("LA;"), AccessFlags: AccPublic, SuperType: f.ObjectType, Interfaces: []*Type{i2.Type}}
	b := &Class{Type: f.CreateType("LB;"), AccessFlags: AccPublic, SuperType: a.Type}
	c := &Class{Type: f.CreateType("LC;"), AccessFlags: AccPublic, SuperType: a.Type}
	app, err := NewApplicationBuilder(f).
		AddLibraryClass(obj).
		AddProgramClass(i1, i2, a, b, c).
		Build(diagnostic.NewReporter(diagnostic.NewCollectingHandler()))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return f, NewAppInfo(app, true)
}

// TestTypeInterning 测试类型驻留
func TestTypeInterning(t *testing.T) {
	f := NewItemFactory()
	if f.CreateType("Ljava/lang/Object;") != f.ObjectType {
		t.Error("types should be interned")
	}
	arr := f.CreateArrayType(2, f.IntType)
	if arr.Descriptor() != "[[I" || arr.ArrayDimensions() != 2 || arr.BaseType() != f.IntType {
		t.Errorf("unexpected array type %s", arr.Descriptor())
	}
	if arr.String() != "int[][]" {
		t.Errorf("unexpected name %s", arr)
	}
	if f.LongType.RequiredRegisters() != 2 {
		t.Error("long should take two registers")
	}
}

// TestParseMethod 测试方法引用解析
func TestParseMethod(t *testing.T) {
	f := NewItemFactory()
	m, err := f.ParseMethod("Ljava/util/Map;->put(Ljava/lang/Object;[JI)Ljava/lang/Object;")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if m.Name != "put" || len(m.Proto.Parameters) != 3 || m.Proto.ParameterSlots() != 3 {
		t.Errorf("unexpected method %s", m)
	}
	again, _ := f.ParseMethod(m.String())
	if again != m {
		t.Error("methods should be interned")
	}
	for _, bad := range []string{"foo", "LA;->m", "LA;->m(Q)V", "LA->m()V"} {
		if _, err := f.ParseMethod(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	fd, err := f.ParseField("LA;->count:J")
	if err != nil || fd.Type != f.LongType {
		t.Errorf("unexpected field %v %v", fd, err)
	}
}

// TestSubtyping 测试子类型查询
func TestSubtyping(t *testing.T) {
	f, ai := newHierarchy(t)
	a, b, c := f.CreateType("LA;"), f.CreateType("LB;"), f.CreateType("LC;")
	i1 := f.CreateType("LI1;")

	if !ai.IsSubtype(b, i1) {
		t.Error("B should be a subtype of I1")
	}
	if ai.IsSubtype(a, b) {
		t.Error("A should not be a subtype of B")
	}
	if !ai.IsStrictSubtypeOf(f.CreateType("LI2;"), i1) {
		t.Error("I2 should be a strict subtype of I1")
	}
	if got := ai.ComputeLeastUpperBoundOfClasses(b, c); got != a {
		t.Errorf("lub(B, C) = %s, want A", got)
	}
	itfs := ai.ImplementedInterfaces(b)
	if itfs.Len() != 2 || !itfs.Contains(i1) {
		t.Errorf("unexpected interfaces %s", itfs)
	}
}

// TestDuplicateProgramClasses 测试重复程序类的冲突处理
func TestDuplicateProgramClasses(t *testing.T) {
	f := NewItemFactory()
	handler := diagnostic.NewCollectingHandler()
	reporter := diagnostic.NewReporter(handler)

	s1 := &Class{Type: f.CreateType("LS;"), AccessFlags: AccSynthetic, SuperType: f.ObjectType}
	s2 := &Class{Type: f.CreateType("LS;"), AccessFlags: AccSynthetic, SuperType: f.ObjectType}
	s2.AddMethod(NewEncodedMethod(f.CreateMethod(s2.Type, "m", f.CreateProto(f.VoidType)), AccPublic, nil))
	app, err := NewApplicationBuilder(f).AddProgramClass(s1, s2).Build(reporter)
	if err != nil {
		t.Fatalf("synthetic duplicates should merge: %v", err)
	}
	if len(app.ProgramDefinitionFor(s1.Type).Methods) != 1 {
		t.Error("merged class should contain the method")
	}

	p1 := &Class{Type: f.CreateType("LP;"), SuperType: f.ObjectType, Origin: diagnostic.Origin{Name: "a.jar"}}
	p2 := &Class{Type: f.CreateType("LP;"), SuperType: f.ObjectType, Origin: diagnostic.Origin{Name: "b.jar"}}
	_, err = NewApplicationBuilder(f).AddProgramClass(p1, p2).Build(reporter)
	var abort *diagnostic.AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if _, ok := abort.Diagnostic.(*diagnostic.DuplicateTypesDiagnostic); !ok {
		t.Errorf("unexpected diagnostic %T", abort.Diagnostic)
	}
}

type recordingConsumer struct {
	accepted []*Class
	contexts [][]*Type
}

func (r *recordingConsumer) Accept(c *Class, contexts []*Type) {
	r.accepted = append(r.accepted, c)
	r.contexts = append(r.contexts, contexts)
}

// TestEnsureGlobalClass 测试全局合成类
func TestEnsureGlobalClass(t *testing.T) {
	f, ai := newHierarchy(t)
	stub := f.CreateType("Landroid/Stub;")
	ctx := f.CreateType("LA;")

	handler := diagnostic.NewCollectingHandler()
	reporter := diagnostic.NewReporter(handler)
	missing := NewSyntheticItems(nil)
	if _, err := missing.EnsureGlobalClass(reporter, "API stubbing", SyntheticApiModelStub, stub, []*Type{ctx}, func(*ClassBuilder) {}); err == nil {
		t.Fatal("expected missing consumer error")
	}
	if msgs := handler.Messages(diagnostic.LevelError); len(msgs) != 1 {
		t.Fatalf("expected one error, got %v", msgs)
	}

	consumer := &recordingConsumer{}
	items := NewSyntheticItems(consumer)
	for i := 0; i < 2; i++ {
		if _, err := items.EnsureGlobalClass(reporter, "API stubbing", SyntheticApiModelStub, stub, []*Type{ctx}, func(b *ClassBuilder) {
			b.SetAccessFlags(AccPublic)
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	committed := items.Commit(ai.App())
	if len(committed) != 1 || len(consumer.accepted) != 1 {
		t.Fatalf("expected a single global class, got %d/%d", len(committed), len(consumer.accepted))
	}
	if len(consumer.contexts[0]) != 1 || consumer.contexts[0][0] != ctx {
		t.Errorf("unexpected contexts %v", consumer.contexts[0])
	}
	if ai.DefinitionFor(stub) == nil || !ai.DefinitionFor(stub).IsSynthetic() {
		t.Error("committed class should be a synthetic program class")
	}
}
