package optimize

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/apilevel"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/graph/graphtest"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/lattice"
	"github.com/tangzhangming/nova/internal/nonnull"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 测试环境
// ============================================================================

type fixture struct {
	ab   *graphtest.AppBuilder
	app  *graph.AppInfo
	l    *lattice.Lattice
	opts *options.Options
	main *graph.Class
}

func newFixture() *fixture {
	ab := graphtest.New()
	opts := options.Default()
	opts.MinApi = int(androidapi.L)
	opts.DebugChecks = true
	return &fixture{ab: ab, opts: opts, main: ab.Program("LApp;", "Ljava/lang/Object;")}
}

func (fx *fixture) method(c *graph.Class, sig string, flags graph.AccessFlags, maxLocals int, insns ...cf.Instruction) *graph.ProgramMethod {
	return fx.ab.Method(c, sig, flags, cf.NewCode(maxLocals, insns...))
}

func (fx *fixture) build(t *testing.T) {
	t.Helper()
	fx.app = graph.NewAppInfo(fx.ab.Build(t), true)
	fx.l = lattice.New(fx.app)
}

func (fx *fixture) ir(t *testing.T, m *graph.ProgramMethod) *ir.Code {
	t.Helper()
	code, err := ir.Build(m, m.Definition.Code.(*cf.Code), fx.l)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return code
}

func verify(t *testing.T, code *ir.Code) {
	t.Helper()
	if err := code.IsConsistentSSA(); err != nil {
		t.Fatalf("inconsistent SSA: %v\n%s", err, code)
	}
	if _, err := ir.Lower(code); err != nil {
		t.Fatalf("lowering failed: %v\n%s", err, code)
	}
}

func count(code *ir.Code, op ir.Opcode) int {
	n := 0
	for _, b := range code.Blocks() {
		for _, insn := range b.Instructions() {
			if insn.Opcode == op {
				n++
			}
		}
	}
	return n
}

const publicStatic = graph.AccPublic | graph.AccStatic

func iload(k int) cf.Instruction    { return &cf.Load{Type: cf.Int, Local: k} }
func aload(k int) cf.Instruction    { return &cf.Load{Type: cf.Object, Local: k} }
func iconst(v int64) cf.Instruction { return &cf.ConstNumber{Type: cf.Int, Value: v} }
func iadd() cf.Instruction          { return &cf.Arithmetic{Op: cf.Add, Type: cf.Int} }
func ireturn() cf.Instruction       { return &cf.Return{Type: cf.Int} }

// ============================================================================
// 类型转换
// ============================================================================

// TestTrivialCheckCastRemoval 只删除输入类型不宽于目标的转换
func TestTrivialCheckCastRemoval(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	widening := fx.method(fx.main, "up(Ljava/lang/String;)Ljava/lang/Object;", publicStatic, 1,
		aload(0), &cf.CheckCast{Type: f.ObjectType}, &cf.Return{Type: cf.Object})
	narrowing := fx.method(fx.main, "down(Ljava/lang/Object;)Ljava/lang/String;", publicStatic, 1,
		aload(0), &cf.CheckCast{Type: f.StringType}, &cf.Return{Type: cf.Object})
	null := fx.method(fx.main, "nul()Ljava/lang/String;", publicStatic, 0,
		&cf.ConstNull{}, &cf.CheckCast{Type: f.StringType}, &cf.Return{Type: cf.Object})
	fx.build(t)

	tests := []struct {
		method  *graph.ProgramMethod
		changed bool
		casts   int
	}{
		{widening, true, 0},
		{narrowing, false, 1},
		{null, true, 0},
	}
	for _, tt := range tests {
		code := fx.ir(t, tt.method)
		if got := NewTrivialCheckCastRemoval().Run(code); got != tt.changed {
			t.Errorf("%s: changed = %v, want %v", tt.method, got, tt.changed)
		}
		if got := count(code, ir.IR_CHECK_CAST); got != tt.casts {
			t.Errorf("%s: %d check-casts left, want %d\n%s", tt.method, got, tt.casts, code)
		}
		verify(t, code)
	}
}

// ============================================================================
// null 检查
// ============================================================================

// nullCheck 按 v 是否为 null 返回 1 或 0
func nullCheck(kind cf.IfKind, load ...cf.Instruction) []cf.Instruction {
	target := cf.NewLabel()
	return append(load,
		&cf.If{Kind: kind, Type: cf.Object, Target: target},
		iconst(1), ireturn(),
		target,
		iconst(0), ireturn(),
	)
}

// TestNullCheckFolding 常量 null 与新对象上的检查都可以折叠
func TestNullCheckFolding(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	onNull := fx.method(fx.main, "a()I", publicStatic, 0, nullCheck(cf.EQ, &cf.ConstNull{})...)
	onNew := fx.method(fx.main, "b()I", publicStatic, 0, nullCheck(cf.NE, &cf.New{Type: f.ObjectType})...)
	unknown := fx.method(fx.main, "c(Ljava/lang/Object;)I", publicStatic, 1, nullCheck(cf.EQ, aload(0))...)
	fx.build(t)

	for _, m := range []*graph.ProgramMethod{onNull, onNew} {
		code := fx.ir(t, m)
		before := len(code.Blocks())
		if !NewNullCheckFolding().Run(code) {
			t.Fatalf("%s: expected the null check to fold\n%s", m, code)
		}
		if n := count(code, ir.IR_IF); n != 0 {
			t.Errorf("%s: %d ifs left\n%s", m, n, code)
		}
		if len(code.Blocks()) >= before {
			t.Errorf("%s: unreachable branch was not removed\n%s", m, code)
		}
		if n := count(code, ir.IR_RETURN); n != 1 {
			t.Errorf("%s: %d returns left, want 1\n%s", m, n, code)
		}
		verify(t, code)
	}

	code := fx.ir(t, unknown)
	if NewNullCheckFolding().Run(code) {
		t.Errorf("a maybe-null argument must not fold\n%s", code)
	}
}

// TestNullCheckFoldingAfterDereference 解引用之后的 null 检查借助非空标记折叠
func TestNullCheckFoldingAfterDereference(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	length := f.CreateMethod(f.StringType, "length", f.CreateProto(f.IntType))
	m := fx.method(fx.main, "m(Ljava/lang/String;)I", publicStatic, 1, append([]cf.Instruction{
		aload(0),
		&cf.Invoke{Kind: cf.InvokeVirtual, Method: length},
		&cf.StackInstruction{Op: cf.Pop},
	}, nullCheck(cf.EQ, aload(0))...)...)
	fx.build(t)

	code := fx.ir(t, m)
	if NewNullCheckFolding().Run(code) {
		t.Fatalf("nothing is known before markers are added")
	}
	tracker := nonnull.NewTracker(nil, true)
	if tracker.AddNonNull(code) == 0 {
		t.Fatalf("expected a marker after the dereference\n%s", code)
	}
	if !NewNullCheckFolding().Run(code) {
		t.Fatalf("the check after the dereference should fold\n%s", code)
	}
	tracker.CleanupNonNull(code)
	if n := count(code, ir.IR_IF); n != 0 {
		t.Errorf("%d ifs left\n%s", n, code)
	}
	verify(t, code)
}

// ============================================================================
// 死代码
// ============================================================================

// TestDeadCodeElimination 无用的算术链整体删除，可能抛异常的转换保留
func TestDeadCodeElimination(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	m := fx.method(fx.main, "m(Ljava/lang/Object;)I", publicStatic, 2,
		iconst(1), iconst(2), iadd(), iconst(3), iadd(), &cf.Store{Type: cf.Int, Local: 1},
		aload(0), &cf.CheckCast{Type: f.StringType}, &cf.StackInstruction{Op: cf.Pop},
		iconst(7), ireturn(),
	)
	fx.build(t)

	code := fx.ir(t, m)
	if !NewDeadCodeElimination().Run(code) {
		t.Fatalf("expected dead code to be removed\n%s", code)
	}
	got := map[ir.Opcode]int{}
	for _, op := range []ir.Opcode{ir.IR_BINOP, ir.IR_CONST_NUMBER, ir.IR_CHECK_CAST} {
		got[op] = count(code, op)
	}
	want := map[ir.Opcode]int{ir.IR_BINOP: 0, ir.IR_CONST_NUMBER: 1, ir.IR_CHECK_CAST: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected instructions (-want +got):\n%s\n%s", diff, code)
	}
	if NewDeadCodeElimination().Run(code) {
		t.Errorf("second run should be a no-op")
	}
	verify(t, code)
}

// ============================================================================
// 内联
// ============================================================================

// TestInlinerInlinesStraightLineCallee 直线代码的静态方法被展开
func TestInlinerInlinesStraightLineCallee(t *testing.T) {
	fx := newFixture()
	twice := fx.method(fx.main, "twice(I)I", publicStatic, 1, iload(0), iload(0), iadd(), ireturn())
	caller := fx.method(fx.main, "caller(I)I", publicStatic, 1,
		iload(0), &cf.Invoke{Kind: cf.InvokeStatic, Method: twice.Reference()}, iconst(1), iadd(), ireturn())
	fx.build(t)

	inliner := NewInliner(fx.app, nil, fx.opts, nil, nil)
	code := fx.ir(t, caller)
	if !inliner.Run(code) {
		t.Fatalf("expected twice to be inlined\n%s", code)
	}
	if n := count(code, ir.IR_INVOKE_STATIC); n != 0 {
		t.Errorf("%d invokes left\n%s", n, code)
	}
	if n := count(code, ir.IR_BINOP); n != 2 {
		t.Errorf("%d binops, want 2\n%s", n, code)
	}
	if got := inliner.Stats().InlinedCalls; got != 1 {
		t.Errorf("InlinedCalls = %d, want 1", got)
	}
	verify(t, code)
}

// TestInlinerInlinesPrivateInstanceMethod receiver 为 this 的 direct 调用可以内联
func TestInlinerInlinesPrivateInstanceMethod(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	field := f.CreateField(fx.main.Type, "count", f.IntType)
	get := fx.method(fx.main, "get()I", graph.AccPrivate, 1,
		aload(0), &cf.FieldInstruction{Kind: cf.GetField, Field: field}, ireturn())
	caller := fx.method(fx.main, "run()I", graph.AccPublic, 1,
		aload(0), &cf.Invoke{Kind: cf.InvokeSpecial, Method: get.Reference()}, ireturn())
	other := fx.method(fx.main, "other(LApp;)I", graph.AccPublic, 2,
		aload(1), &cf.Invoke{Kind: cf.InvokeSpecial, Method: get.Reference()}, ireturn())
	fx.build(t)

	inliner := NewInliner(fx.app, nil, fx.opts, nil, nil)
	code := fx.ir(t, caller)
	if !inliner.Run(code) {
		t.Fatalf("expected get to be inlined\n%s", code)
	}
	if n := count(code, ir.IR_INSTANCE_GET); n != 1 {
		t.Errorf("%d field reads, want 1\n%s", n, code)
	}
	verify(t, code)

	code = fx.ir(t, other)
	if inliner.Run(code) {
		t.Errorf("a maybe-null receiver must keep the call\n%s", code)
	}
}

// TestInlinerRejections 不满足内联条件的调用保持不变
func TestInlinerRejections(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	helper := fx.ab.Program("Lapp/Helper;", "Ljava/lang/Object;")
	secret := f.CreateField(helper.Type, "secret", f.IntType)
	helper.Fields = append(helper.Fields, &graph.EncodedField{Ref: secret, AccessFlags: graph.AccPrivate | graph.AccStatic})

	call := func(m *graph.ProgramMethod, args ...cf.Instruction) []cf.Instruction {
		insns := append(args, &cf.Invoke{Kind: cf.InvokeStatic, Method: m.Reference()})
		return append(insns, ireturn())
	}
	branchy := fx.method(fx.main, "branchy(I)I", publicStatic, 1, func() []cf.Instruction {
		l := cf.NewLabel()
		return []cf.Instruction{iload(0), &cf.If{Kind: cf.EQ, Type: cf.Int, Target: l}, iconst(1), ireturn(), l, iconst(0), ireturn()}
	}()...)
	big := fx.method(fx.main, "big(I)I", publicStatic, 1, iload(0), iload(0), iadd(), iload(0), iadd(), iload(0), iadd(), ireturn())
	private := fx.method(helper, "peek()I", publicStatic, 0,
		&cf.FieldInstruction{Kind: cf.GetStatic, Field: secret}, ireturn())
	initialized := fx.ab.Program("Lapp/Init;", "Ljava/lang/Object;")
	fx.method(initialized, "<clinit>()V", graph.AccStatic, 0, &cf.Return{Type: cf.Void})
	withInit := fx.method(initialized, "one()I", publicStatic, 0, iconst(1), ireturn())
	recursive := fx.ab.Ref("LApp;", "self(I)I")
	self := fx.method(fx.main, "self(I)I", publicStatic, 1,
		iload(0), &cf.Invoke{Kind: cf.InvokeStatic, Method: recursive}, ireturn())

	callers := map[string]*graph.ProgramMethod{
		"branch":            fx.method(fx.main, "c1(I)I", publicStatic, 1, call(branchy, iload(0))...),
		"too big":           fx.method(fx.main, "c2(I)I", publicStatic, 1, call(big, iload(0))...),
		"private member":    fx.method(fx.main, "c3()I", publicStatic, 0, call(private)...),
		"class initializer": fx.method(fx.main, "c4()I", publicStatic, 0, call(withInit)...),
		"recursion":         self,
	}
	fx.build(t)
	fx.opts.Optimize.MaxInlineSize = 2

	inliner := NewInliner(fx.app, nil, fx.opts, nil, nil)
	for reason, m := range callers {
		code := fx.ir(t, m)
		if inliner.Run(code) {
			t.Errorf("%s: call was inlined\n%s", reason, code)
		}
	}
}

// TestInlinerRespectsApiLevel 级别 24 的方法不能内联进级别 21 的调用者
func TestInlinerRespectsApiLevel(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	fx.ab.Library("Landroid/util/Half;", "Ljava/lang/Object;")
	util := fx.ab.Program("Lapp/Util;", "Ljava/lang/Object;")
	halfOf := f.CreateMethod(f.CreateType("Landroid/util/Half;"), "toHalf", f.CreateProto(f.ShortType, f.FloatType))
	callee := fx.method(util, "half(F)S", publicStatic, 1,
		&cf.Load{Type: cf.Float, Local: 0}, &cf.Invoke{Kind: cf.InvokeStatic, Method: halfOf}, ireturn())
	caller := fx.method(fx.main, "caller(F)S", publicStatic, 1,
		&cf.Load{Type: cf.Float, Local: 0}, &cf.Invoke{Kind: cf.InvokeStatic, Method: callee.Reference()}, ireturn())
	fx.build(t)

	db := apilevel.NewDatabase().
		AddType("Ljava/lang/Object;", androidapi.B).
		AddType("Landroid/util/Half;", androidapi.N).
		AddMethod("Landroid/util/Half;->toHalf(F)S", androidapi.N)
	compute := apilevel.NewCompute(fx.app, db, fx.opts, nil)
	compute.ComputeAndSetApiLevelForCode(caller)
	compute.ComputeAndSetApiLevelForCode(callee)
	if got := callee.Definition.ApiLevelForCode(); got != androidapi.Of(androidapi.N) {
		t.Fatalf("callee level = %s, want %s", got, androidapi.N)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	inliner := NewInliner(fx.app, apilevel.NewOracle(compute), fx.opts, nil, zap.New(core))
	code := fx.ir(t, caller)
	if inliner.Run(code) {
		t.Fatalf("inlining a level 24 method into a level 21 caller must be rejected")
	}
	if got := inliner.Stats().RejectedByApi; got != 1 {
		t.Errorf("RejectedByApi = %d, want 1", got)
	}
	if n := logs.FilterMessage("not inlining: inlinee has higher api level than caller").Len(); n != 1 {
		t.Errorf("expected one why-not-inlining log entry, got %d", n)
	}

	caller.Definition.SetApiLevelForCode(androidapi.Of(androidapi.N))
	if !inliner.Run(code) {
		t.Errorf("a level 24 caller may inline a level 24 method\n%s", code)
	}
	verify(t, code)
}

// ============================================================================
// Pass 管理器
// ============================================================================

// TestStandardPipeline 标准 Pipeline 的顺序与统计
func TestStandardPipeline(t *testing.T) {
	fx := newFixture()
	f := fx.ab.F
	isNull := fx.method(fx.main, "isNull(Ljava/lang/Object;)I", publicStatic, 1, nullCheck(cf.EQ, aload(0))...)
	caller := fx.method(fx.main, "caller()I", publicStatic, 0,
		&cf.New{Type: f.ObjectType}, &cf.CheckCast{Type: f.ObjectType},
		&cf.Invoke{Kind: cf.InvokeStatic, Method: isNull.Reference()}, ireturn())
	fx.build(t)

	fx.opts.Optimize.MaxInlineSize = 10
	inliner := NewInliner(fx.app, nil, fx.opts, nil, nil)
	pm := CreateStandardPipeline(fx.opts, inliner, nil)
	want := []string{"inliner", "trivial-check-cast-removal", "null-check-folding", "dead-code-elimination"}
	if diff := cmp.Diff(want, pm.Passes()); diff != "" {
		t.Errorf("unexpected passes (-want +got):\n%s", diff)
	}

	// 分支方法不能内联，但调用者中的转换可以删除
	code := fx.ir(t, caller)
	if !pm.RunUntilFixed(code, MaxPipelineIterations) {
		t.Fatalf("expected the pipeline to change the code")
	}
	if n := count(code, ir.IR_CHECK_CAST); n != 0 {
		t.Errorf("%d check-casts left\n%s", n, code)
	}
	stats := pm.Stats()
	if stats.PerPassChanges["trivial-check-cast-removal"] != 1 || stats.PerPassChanges["inliner"] != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.PassesRun != int64(2*len(want)) {
		t.Errorf("PassesRun = %d, want %d", stats.PassesRun, 2*len(want))
	}
	verify(t, code)

	fx.opts.Optimize.Inlining = false
	if got := CreateStandardPipeline(fx.opts, inliner, nil).Passes(); len(got) != 3 {
		t.Errorf("inlining disabled: passes = %v", got)
	}
}
