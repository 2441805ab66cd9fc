// Package nonnull 在 IR 中插入并清理 AssumeNonNull 标记
//
// 标记插在两类位置：对 null 输入必然抛异常的指令之后，以及 null 检查
// 分支的非 null 后继的开头。被标记支配的使用者改用标记的输出，
// 于是后续分析可以从类型上直接看到非 null 事实。
package nonnull

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/lattice"
)

// Tracker 非空事实传播器，无状态，可被多个工作者共享
type Tracker struct {
	logger      *zap.Logger
	debugChecks bool
}

// NewTracker 创建传播器；logger 为 nil 时不输出日志
func NewTracker(logger *zap.Logger, debugChecks bool) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{logger: logger, debugChecks: debugChecks}
}

// ThrowsOnNullInput 指令对 null 输入是否一定抛出异常
func ThrowsOnNullInput(insn *ir.Instruction) bool {
	return insn.ThrowsOnNullInput()
}

// position 标记的插入位置：block 中下标 index 之前
type position struct {
	block *ir.BasicBlock
	index int
}

// AddNonNull 插入标记，返回插入的个数
func (t *Tracker) AddNonNull(code *ir.Code) int {
	dt := code.ComputeDominators()
	inserted := 0
	for _, block := range dt.ReversePostOrder() {
		it := block.ListIterator()
		for it.HasNext() {
			insn := it.Next()
			if !insn.ThrowsOnNullInput() {
				continue
			}
			v := insn.NonNullInput()
			pos := position{block: block, index: block.IndexOf(insn) + 1}
			if marker := t.insertIfUseful(code, dt, v, pos); marker != nil {
				it.Add(marker)
				replaceDominatedUsers(dt, v, marker)
				inserted++
			}
		}

		// null 检查：非 null 后继只有一个前驱时在其开头插入
		exit := block.Exit()
		if exit.Opcode != ir.IR_IF || len(exit.Inputs()) != 1 || exit.NumType != cf.Object {
			continue
		}
		var target *ir.BasicBlock
		switch exit.Cond {
		case cf.EQ:
			target = block.Successors()[1]
		case cf.NE:
			target = block.Successors()[0]
		default:
			continue
		}
		if len(target.Predecessors()) != 1 || target == block {
			continue
		}
		v := exit.InValue(0)
		if marker := t.insertIfUseful(code, dt, v, position{block: target, index: 0}); marker != nil {
			target.ListIterator().Add(marker)
			replaceDominatedUsers(dt, v, marker)
			inserted++
		}
	}
	if inserted > 0 {
		ir.TypeAnalysis(code)
	}
	t.logger.Debug("added non-null markers",
		zap.Stringer("method", code.Method), zap.Int("count", inserted))
	t.check(code, "AddNonNull")
	return inserted
}

// insertIfUseful 值不是已知非 null，且有被支配的使用者（或是参数）时创建标记
func (t *Tracker) insertIfUseful(code *ir.Code, dt *ir.DominatorTree, v *ir.Value, pos position) *ir.Instruction {
	typ := v.Type()
	if v.IsNeverNull() || !typ.IsReference() {
		return nil
	}
	if _, isNull := typ.(lattice.NullElement); isNull {
		return nil
	}
	if !hasDominatedUser(dt, v, pos) && !v.IsArgument() {
		return nil
	}
	return ir.NewAssumeNonNull(code.NewValue(lattice.AsNonNull(typ)), v)
}

func dominatedBy(dt *ir.DominatorTree, pos position, user *ir.Instruction) bool {
	if user.Block() == pos.block {
		return user.Block().IndexOf(user) >= pos.index
	}
	return dt.StrictlyDominates(pos.block, user.Block())
}

func hasDominatedUser(dt *ir.DominatorTree, v *ir.Value, pos position) bool {
	for _, user := range v.Users() {
		if dominatedBy(dt, pos, user) {
			return true
		}
	}
	for _, phi := range v.PhiUsers() {
		for k, operand := range phi.Operands() {
			if operand == v && dt.Dominates(pos.block, phi.Block().Predecessors()[k]) {
				return true
			}
		}
	}
	return false
}

// replaceDominatedUsers 只替换被标记支配的使用者；phi 按对应前驱判断
func replaceDominatedUsers(dt *ir.DominatorTree, v *ir.Value, marker *ir.Instruction) {
	block := marker.Block()
	pos := position{block: block, index: block.IndexOf(marker) + 1}
	v.ReplaceSelectedUsers(marker.Out(),
		func(user *ir.Instruction) bool { return user != marker && dominatedBy(dt, pos, user) },
		func(phi *ir.Phi, k int) bool { return dt.Dominates(block, phi.Block().Predecessors()[k]) })
}

// CleanupNonNull 用源值替换每个标记的输出并删除标记；可重复执行
func (t *Tracker) CleanupNonNull(code *ir.Code) int {
	removed := 0
	it := code.InstructionIterator()
	for it.HasNext() {
		insn := it.Next()
		if insn.Opcode != ir.IR_ASSUME_NON_NULL {
			continue
		}
		if insn.Out().HasUsers() {
			insn.Out().ReplaceUsers(insn.InValue(0))
		}
		it.Remove()
		removed++
	}
	if removed > 0 {
		ir.TypeAnalysis(code)
	}
	t.logger.Debug("removed non-null markers",
		zap.Stringer("method", code.Method), zap.Int("count", removed))
	t.check(code, "CleanupNonNull")
	return removed
}

func (t *Tracker) check(code *ir.Code, pass string) {
	if !t.debugChecks {
		return
	}
	if err := code.IsConsistentSSA(); err != nil {
		diagnostic.Unreachable("%s left invalid SSA: %v", pass, err)
	}
}
