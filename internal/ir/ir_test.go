package ir

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/graph/graphtest"
	"github.com/tangzhangming/nova/internal/lattice"
)

// methodFixture 单个方法的测试环境
type methodFixture struct {
	app     *graphtest.AppBuilder
	method  *graph.ProgramMethod
	cfCode  *cf.Code
	lattice *lattice.Lattice
}

func newMethodFixture(t *testing.T, sig string, flags graph.AccessFlags, maxLocals int, insns ...cf.Instruction) *methodFixture {
	t.Helper()
	ab := graphtest.New()
	holder := ab.Program("LTest;", "Ljava/lang/Object;")
	code := cf.NewCode(maxLocals, insns...)
	m := ab.Method(holder, sig, flags, code)
	app := ab.Build(t)
	return &methodFixture{app: ab, method: m, cfCode: code, lattice: lattice.New(graph.NewAppInfo(app, true))}
}

func (fx *methodFixture) build(t *testing.T) *Code {
	t.Helper()
	code, err := Build(fx.method, fx.cfCode, fx.lattice)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := code.IsConsistentSSA(); err != nil {
		t.Fatalf("inconsistent SSA after build: %v\n%s", err, code)
	}
	return code
}

func countPhis(code *Code) int {
	n := 0
	for _, b := range code.Blocks() {
		n += len(b.Phis())
	}
	return n
}

// maxCode static int max(int a, int b) { int r; if (a < b) r = b; else r = a; return r; }
func maxCode() []cf.Instruction {
	l1, l2 := cf.NewLabel(), cf.NewLabel()
	return []cf.Instruction{
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.IfCmp{Kind: cf.GE, Type: cf.Int, Target: l1},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Store{Type: cf.Int, Local: 2},
		&cf.Goto{Target: l2},
		l1,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Store{Type: cf.Int, Local: 2},
		l2,
		&cf.Load{Type: cf.Int, Local: 2},
		&cf.Return{Type: cf.Int},
	}
}

// sumCode static int sum(int n) { int s = 0; for (int i = 0; i < n; i++) s += i; return s; }
func sumCode() []cf.Instruction {
	head, exit := cf.NewLabel(), cf.NewLabel()
	return []cf.Instruction{
		&cf.ConstNumber{Type: cf.Int, Value: 0},
		&cf.Store{Type: cf.Int, Local: 1},
		&cf.ConstNumber{Type: cf.Int, Value: 0},
		&cf.Store{Type: cf.Int, Local: 2},
		head,
		&cf.Load{Type: cf.Int, Local: 2},
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.IfCmp{Kind: cf.GE, Type: cf.Int, Target: exit},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Load{Type: cf.Int, Local: 2},
		&cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		&cf.Store{Type: cf.Int, Local: 1},
		&cf.Load{Type: cf.Int, Local: 2},
		&cf.ConstNumber{Type: cf.Int, Value: 1},
		&cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		&cf.Store{Type: cf.Int, Local: 2},
		&cf.Goto{Target: head},
		exit,
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Return{Type: cf.Int},
	}
}

// TestBuildStraightLine 测试无分支方法的构建与打印
func TestBuildStraightLine(t *testing.T) {
	fx := newMethodFixture(t, "add(II)I", graph.AccPublic|graph.AccStatic, 2,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		&cf.Return{Type: cf.Int},
	)
	code := fx.build(t)
	want := strings.Join([]string{
		"block 0, pred-list: [], succ-list: [1]",
		"  v0 <- Argument; 0 I",
		"  v1 <- Argument; 1 I",
		"  Goto; block 1",
		"block 1, pred-list: [0], succ-list: []",
		"  v2 <- Binop v0, v1; add",
		"  Return v2",
		"",
	}, "\n")
	if diff := cmp.Diff(want, code.String()); diff != "" {
		t.Errorf("unexpected IR (-want +got):\n%s", diff)
	}
}

// TestBuildDiamondInsertsPhi 测试分支合并处的 phi
func TestBuildDiamondInsertsPhi(t *testing.T) {
	fx := newMethodFixture(t, "max(II)I", graph.AccPublic|graph.AccStatic, 3, maxCode()...)
	code := fx.build(t)
	if n := countPhis(code); n != 1 {
		t.Fatalf("expected 1 phi, got %d\n%s", n, code)
	}
	args := code.Arguments()
	var phi *Phi
	for _, b := range code.Blocks() {
		if len(b.Phis()) > 0 {
			phi = b.Phis()[0]
		}
	}
	operands := map[*Value]bool{}
	for _, o := range phi.Operands() {
		operands[o] = true
	}
	if !operands[args[0]] || !operands[args[1]] {
		t.Errorf("phi operands should be both arguments: %s", phi)
	}
	if _, ok := phi.Out().Type().(lattice.PrimitiveElement); !ok {
		t.Errorf("phi type = %s, want int", phi.Out().Type())
	}
}

// TestBuildLoop 测试循环头的 phi 与支配关系
func TestBuildLoop(t *testing.T) {
	fx := newMethodFixture(t, "sum(I)I", graph.AccPublic|graph.AccStatic, 3, sumCode()...)
	code := fx.build(t)
	if n := countPhis(code); n != 2 {
		t.Fatalf("expected 2 phis in loop header, got %d\n%s", n, code)
	}
	dt := code.ComputeDominators()
	var header *BasicBlock
	for _, b := range code.Blocks() {
		if len(b.Phis()) > 0 {
			header = b
		}
	}
	for _, b := range code.Blocks() {
		if b == code.EntryBlock() || b == header {
			continue
		}
		if b.Number > header.Number && !dt.Dominates(header, b) {
			t.Errorf("loop header should dominate %s", b)
		}
	}
	frontier := dt.DominanceFrontier()
	body := header.Successors()[1]
	found := false
	for _, f := range frontier[body] {
		if f == header {
			found = true
		}
	}
	if !found {
		t.Errorf("loop header should be in the dominance frontier of the body")
	}
}

// TestBuildStackAcrossBlocks 测试跨块保留在栈上的值（条件表达式）
func TestBuildStackAcrossBlocks(t *testing.T) {
	otherwise, join := cf.NewLabel(), cf.NewLabel()
	fx := newMethodFixture(t, "pick(ZLjava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;",
		graph.AccPublic|graph.AccStatic, 3,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.If{Kind: cf.EQ, Type: cf.Int, Target: otherwise},
		&cf.Load{Type: cf.Object, Local: 1},
		&cf.Goto{Target: join},
		otherwise,
		&cf.Load{Type: cf.Object, Local: 2},
		join,
		&cf.Return{Type: cf.Object},
	)
	code := fx.build(t)
	if n := countPhis(code); n != 1 {
		t.Fatalf("expected 1 phi for the stack slot, got %d\n%s", n, code)
	}
	args := code.Arguments()
	if _, ok := args[0].Type().(lattice.PrimitiveElement); !ok || args[0].Type().String() != "int" {
		t.Errorf("boolean argument should be typed int, got %s", args[0].Type())
	}
}

// TestBuildStackOperations 测试 dup、swap、pop 只改变栈上的值，不生成指令
func TestBuildStackOperations(t *testing.T) {
	fx := newMethodFixture(t, "rsub(II)I", graph.AccPublic|graph.AccStatic, 2,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.StackInstruction{Op: cf.Dup},
		&cf.StackInstruction{Op: cf.Pop},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.StackInstruction{Op: cf.Swap},
		&cf.Arithmetic{Op: cf.Sub, Type: cf.Int},
		&cf.Return{Type: cf.Int},
	)
	code := fx.build(t)
	args := code.Arguments()
	body := code.Blocks()[1].Instructions()
	if len(body) != 2 {
		t.Fatalf("expected binop and return only\n%s", code)
	}
	binop := body[0]
	if binop.InValue(0) != args[1] || binop.InValue(1) != args[0] {
		t.Errorf("swap should reverse the operands: %s", binop)
	}
}

// TestLowerRoundTrip 测试降级后可以重新构建出等价的 SSA
func TestLowerRoundTrip(t *testing.T) {
	for name, tc := range map[string]struct {
		sig    string
		insns  []cf.Instruction
		phis   int
		locals int
	}{
		"max": {"max(II)I", maxCode(), 1, 3},
		"sum": {"sum(I)I", sumCode(), 2, 3},
	} {
		t.Run(name, func(t *testing.T) {
			fx := newMethodFixture(t, tc.sig, graph.AccPublic|graph.AccStatic, tc.locals, tc.insns...)
			code := fx.build(t)
			lowered, err := Lower(code)
			if err != nil {
				t.Fatalf("lower failed: %v", err)
			}
			if lowered.MaxStack != cf.ComputeMaxStack(lowered.Instructions) {
				t.Errorf("max stack not computed")
			}
			again, err := Build(fx.method, lowered, fx.lattice)
			if err != nil {
				t.Fatalf("rebuild failed: %v\n%s", err, lowered)
			}
			if err := again.IsConsistentSSA(); err != nil {
				t.Fatalf("inconsistent SSA after round trip: %v", err)
			}
			if n := countPhis(again); n != tc.phis {
				t.Errorf("expected %d phis after round trip, got %d\n%s", tc.phis, n, again)
			}
		})
	}
}

// TestBuildRejectsTryCatch 测试带异常处理器的方法
func TestBuildRejectsTryCatch(t *testing.T) {
	start, end, handler := cf.NewLabel(), cf.NewLabel(), cf.NewLabel()
	fx := newMethodFixture(t, "f()V", graph.AccPublic|graph.AccStatic, 1,
		start, &cf.Return{Type: cf.Void}, end, handler, &cf.Throw{})
	fx.cfCode.TryCatchRanges = []*cf.TryCatch{{Start: start, End: end, Handler: handler}}
	if _, err := Build(fx.method, fx.cfCode, fx.lattice); !errors.Is(err, ErrUnsupportedCode) {
		t.Errorf("expected ErrUnsupportedCode, got %v", err)
	}
}

// TestIteratorRemoveWithUsers 测试删除仍有使用者的指令是不变量失败
func TestIteratorRemoveWithUsers(t *testing.T) {
	fx := newMethodFixture(t, "add(II)I", graph.AccPublic|graph.AccStatic, 2,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		&cf.Return{Type: cf.Int},
	)
	code := fx.build(t)
	defer func() {
		r := recover()
		if _, ok := r.(diagnostic.InvariantError); !ok {
			t.Errorf("expected invariant failure, got %v", r)
		}
	}()
	it := code.Blocks()[1].ListIterator()
	it.Next()
	it.Remove()
}

// TestVerifierDetectsUndefinedInput 测试一致性检查
func TestVerifierDetectsUndefinedInput(t *testing.T) {
	fx := newMethodFixture(t, "add(II)I", graph.AccPublic|graph.AccStatic, 2,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Load{Type: cf.Int, Local: 1},
		&cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		&cf.Return{Type: cf.Int},
	)
	code := fx.build(t)
	binop := code.Blocks()[1].Instructions()[0]
	stray := code.NewValue(nil)
	binop.ReplaceValue(binop.InValue(0), stray)
	var verr *VerifyError
	if err := code.IsConsistentSSA(); !errors.As(err, &verr) {
		t.Errorf("expected verify error, got %v", err)
	}
}

// TestTypeAnalysis 测试输出类型
func TestTypeAnalysis(t *testing.T) {
	ab := graphtest.New()
	holder := ab.Program("LTest;", "Ljava/lang/Object;")
	toString := ab.Ref("Ljava/lang/Object;", "toString()Ljava/lang/String;")
	code := cf.NewCode(2,
		&cf.Load{Type: cf.Object, Local: 0},
		&cf.Invoke{Kind: cf.InvokeVirtual, Method: toString},
		&cf.StackInstruction{Op: cf.Pop},
		&cf.ConstString{Value: "x"},
		&cf.Return{Type: cf.Object},
	)
	m := ab.Method(holder, "describe(Z)Ljava/lang/String;", graph.AccPublic, code)
	l := lattice.New(graph.NewAppInfo(ab.Build(t), true))
	irCode, err := Build(m, code, l)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	args := irCode.Arguments()
	if !args[0].IsThis() || !args[0].IsNeverNull() {
		t.Errorf("receiver should be non-null, got %s", args[0].Type())
	}
	if args[1].Type().String() != "int" {
		t.Errorf("boolean argument should be int, got %s", args[1].Type())
	}
	body := irCode.Blocks()[1].Instructions()
	invoke, constString := body[0], body[1]
	if invoke.Out().Type().Nullability() != lattice.MaybeNull {
		t.Errorf("invoke result should be maybe-null, got %s", invoke.Out().Type())
	}
	if !constString.Out().IsNeverNull() {
		t.Errorf("string constant should be non-null, got %s", constString.Out().Type())
	}
	if invoke.Out().HasUsers() {
		t.Errorf("popped invoke result should have no users")
	}
}
