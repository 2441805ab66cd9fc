package cf

import (
	"strings"
	"testing"

	"github.com/tangzhangming/nova/internal/graph"
)

// TestComputeMaxStack 测试最大栈深度计算
func TestComputeMaxStack(t *testing.T) {
	f := graph.NewItemFactory()
	sum := f.CreateMethod(f.CreateType("LA;"), "sum", f.CreateProto(f.LongType, f.LongType, f.LongType))
	target := NewLabel()
	insns := []Instruction{
		&Load{Type: Long, Local: 0},
		&Load{Type: Long, Local: 2},
		&Invoke{Kind: InvokeStatic, Method: sum},
		&StackInstruction{Op: Pop2},
		&Load{Type: Object, Local: 4},
		&If{Kind: EQ, Type: Object, Target: target},
		&ConstNumber{Type: Int, Value: 1},
		&Return{Type: Int},
		target,
		&ConstNumber{Type: Int, Value: 0},
		&Return{Type: Int},
	}
	if got := ComputeMaxStack(insns); got != 4 {
		t.Errorf("max stack = %d, want 4", got)
	}
}

// TestCodeString 测试打印
func TestCodeString(t *testing.T) {
	l := NewLabel()
	code := NewCode(1,
		&Load{Type: Object, Local: 0},
		&If{Kind: NE, Type: Object, Target: l},
		&ConstNull{},
		&Throw{},
		l,
		&Return{Type: Void},
	)
	s := code.String()
	for _, want := range []string{"max_stack=1", "ifnonnull L0", "L0:", "athrow", "  return"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
}

// TestStackEffect 测试栈效果
func TestStackEffect(t *testing.T) {
	f := graph.NewItemFactory()
	field := f.CreateField(f.CreateType("LA;"), "x", f.DoubleType)
	tests := []struct {
		insn      Instruction
		pop, push int
	}{
		{&FieldInstruction{Kind: PutField, Field: field}, 3, 0},
		{&FieldInstruction{Kind: GetStatic, Field: field}, 0, 2},
		{&ArrayStore{Type: Long}, 4, 0},
		{&Arithmetic{Op: Add, Type: Int}, 2, 1},
		{&StackInstruction{Op: Dup}, 1, 2},
	}
	for _, tt := range tests {
		pop, push := StackEffect(tt.insn)
		if pop != tt.pop || push != tt.push {
			t.Errorf("%s: got (%d,%d), want (%d,%d)", tt.insn, pop, push, tt.pop, tt.push)
		}
	}
}

// TestLabelsAreDistinct 每个标签都是独立的跳转目标
func TestLabelsAreDistinct(t *testing.T) {
	a, b := NewLabel(), NewLabel()
	if a == b {
		t.Fatal("NewLabel returned the same label twice")
	}
	code := NewCode(1,
		&Load{Type: Int, Local: 0},
		&If{Kind: GE, Type: Int, Target: b},
		a,
		&Goto{Target: a},
		b,
		&Return{Type: Void},
	)
	names := code.LabelNumbers()
	if len(names) != 2 || names[a] != 0 || names[b] != 1 {
		t.Fatalf("label numbers = %v, want a=0 b=1", names)
	}
	s := code.String()
	for _, want := range []string{"ifge L1", "goto L0", "L0:", "L1:"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
}
