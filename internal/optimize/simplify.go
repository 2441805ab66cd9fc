package optimize

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/lattice"
)

// ============================================================================
// 平凡类型转换删除 Pass
// ============================================================================

// TrivialCheckCastRemoval 删除输入类型已经不宽于目标类型的 check-cast
type TrivialCheckCastRemoval struct{}

// NewTrivialCheckCastRemoval 创建 Pass
func NewTrivialCheckCastRemoval() *TrivialCheckCastRemoval {
	return &TrivialCheckCastRemoval{}
}

// Name 返回 Pass 名称
func (p *TrivialCheckCastRemoval) Name() string {
	return "trivial-check-cast-removal"
}

// Run 运行 Pass
func (p *TrivialCheckCastRemoval) Run(code *ir.Code) bool {
	l := code.Lattice()
	changed := false
	it := code.InstructionIterator()
	for it.HasNext() {
		insn := it.Next()
		if insn.Opcode != ir.IR_CHECK_CAST {
			continue
		}
		in := insn.InValue(0)
		t := in.Type()
		if !t.IsReference() || !l.LessThanOrEqual(t, l.FromType(insn.Type, lattice.MaybeNull)) {
			continue
		}
		insn.Out().ReplaceUsers(in)
		it.Remove()
		changed = true
	}
	if changed {
		ir.TypeAnalysis(code)
	}
	return changed
}

// ============================================================================
// null 检查折叠 Pass
// ============================================================================

// NullCheckFolding 折叠结果已知的 null 检查分支，然后删除不可达块
type NullCheckFolding struct{}

// NewNullCheckFolding 创建 Pass
func NewNullCheckFolding() *NullCheckFolding {
	return &NullCheckFolding{}
}

// Name 返回 Pass 名称
func (p *NullCheckFolding) Name() string {
	return "null-check-folding"
}

// Run 运行 Pass
func (p *NullCheckFolding) Run(code *ir.Code) bool {
	changed := false
	for _, block := range code.Blocks() {
		exit := block.Exit()
		if exit == nil || exit.Opcode != ir.IR_IF || len(exit.Inputs()) != 1 || exit.NumType != cf.Object {
			continue
		}
		isNull, known := knownNullness(exit.InValue(0))
		if !known {
			continue
		}
		var conditionHolds bool
		switch exit.Cond {
		case cf.EQ:
			conditionHolds = isNull
		case cf.NE:
			conditionHolds = !isNull
		default:
			continue
		}
		succs := block.Successors()
		taken := succs[1]
		if conditionHolds {
			taken = succs[0]
		}
		block.FoldIf(taken)
		changed = true
	}
	if !changed {
		return false
	}
	code.RemoveUnreachableBlocks()
	ir.RemoveTrivialPhis(code)
	ir.TypeAnalysis(code)
	return true
}

// knownNullness 类型格能确定值是否为 null 时返回 (isNull, true)
func knownNullness(v *ir.Value) (bool, bool) {
	t := v.Type()
	if _, ok := t.(lattice.NullElement); ok {
		return true, true
	}
	if t.IsReference() && t.Nullability().IsDefinitelyNotNull() {
		return false, true
	}
	return false, false
}

// ============================================================================
// 死代码消除 Pass
// ============================================================================

// DeadCodeElimination 删除没有使用者且没有副作用的指令和 phi
type DeadCodeElimination struct{}

// NewDeadCodeElimination 创建 Pass
func NewDeadCodeElimination() *DeadCodeElimination {
	return &DeadCodeElimination{}
}

// Name 返回 Pass 名称
func (p *DeadCodeElimination) Name() string {
	return "dead-code-elimination"
}

// Run 运行 Pass
func (p *DeadCodeElimination) Run(code *ir.Code) bool {
	changed := false
	for progress := true; progress; {
		progress = false
		blocks := code.Blocks()
		for k := len(blocks) - 1; k >= 0; k-- {
			block := blocks[k]
			it := block.ListIterator()
			for it.HasNext() {
				it.Next()
			}
			// 逆序删除，使一条链上的死指令一轮即可清空
			for it.HasPrevious() {
				insn := it.Previous()
				if insn.Out() == nil || insn.Out().HasUsers() || insn.HasSideEffects() {
					continue
				}
				it.Remove()
				progress = true
			}
			for _, phi := range append([]*ir.Phi(nil), block.Phis()...) {
				out := phi.Out()
				if out.HasUsers() && !selfUseOnly(phi) {
					continue
				}
				block.RemovePhi(phi)
				progress = true
			}
		}
		changed = changed || progress
	}
	return changed
}

func selfUseOnly(phi *ir.Phi) bool {
	out := phi.Out()
	users := out.PhiUsers()
	return len(out.Users()) == 0 && len(users) == 1 && users[0] == phi
}
