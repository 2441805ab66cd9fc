package ir

import (
	"github.com/tangzhangming/nova/internal/diagnostic"
)

// ============================================================================
// 基本块
// ============================================================================

// BasicBlock 以恰好一条跳转指令结尾的指令序列，phi 单独存放在块头
// If 的第一个后继是条件成立的目标，第二个是不成立的目标
type BasicBlock struct {
	Number       int
	instructions []*Instruction
	phis         []*Phi
	preds        []*BasicBlock
	succs        []*BasicBlock
	code         *Code
}

// Instructions 指令（只读）
func (b *BasicBlock) Instructions() []*Instruction { return b.instructions }

// Phis 块头 phi（只读）
func (b *BasicBlock) Phis() []*Phi { return b.phis }

// Predecessors 前驱（只读）
func (b *BasicBlock) Predecessors() []*BasicBlock { return b.preds }

// Successors 后继（只读）
func (b *BasicBlock) Successors() []*BasicBlock { return b.succs }

// IsEntry 是否为入口块
func (b *BasicBlock) IsEntry() bool { return b.code != nil && b.code.blocks[0] == b }

// Exit 终结指令
func (b *BasicBlock) Exit() *Instruction {
	if len(b.instructions) == 0 {
		return nil
	}
	return b.instructions[len(b.instructions)-1]
}

// PredecessorIndex pred 在前驱列表中的下标，不存在返回 -1
func (b *BasicBlock) PredecessorIndex(pred *BasicBlock) int {
	for k, p := range b.preds {
		if p == pred {
			return k
		}
	}
	return -1
}

// IndexOf 指令在块内的位置
func (b *BasicBlock) IndexOf(insn *Instruction) int {
	for k, i := range b.instructions {
		if i == insn {
			return k
		}
	}
	return -1
}

// append 追加指令（构建时使用）
func (b *BasicBlock) append(insn *Instruction) {
	insn.block = b
	b.instructions = append(b.instructions, insn)
}

func (b *BasicBlock) insertAt(k int, insn *Instruction) {
	insn.block = b
	b.instructions = append(b.instructions, nil)
	copy(b.instructions[k+1:], b.instructions[k:])
	b.instructions[k] = insn
}

func (b *BasicBlock) removeAt(k int) {
	b.instructions[k].block = nil
	b.instructions = append(b.instructions[:k], b.instructions[k+1:]...)
}

// newPhi 在块头创建 phi，操作数初始为空
func (b *BasicBlock) newPhi(out *Value, local int) *Phi {
	p := &Phi{out: out, block: b, operands: make([]*Value, len(b.preds)), Local: local}
	out.phi = p
	b.phis = append(b.phis, p)
	return p
}

// RemovePhi 删除没有使用者的 phi
func (b *BasicBlock) RemovePhi(p *Phi) {
	diagnostic.Assert(!p.out.HasUsers() || onlySelfUse(p), "removing %s with live users", p.out)
	for k, q := range b.phis {
		if q == p {
			b.phis = append(b.phis[:k], b.phis[k+1:]...)
			break
		}
	}
	p.detach()
}

func onlySelfUse(p *Phi) bool {
	return len(p.out.users) == 0 && len(p.out.phiUsers) == 1 && p.out.phiUsers[0] == p
}

// link 添加边 b -> succ
func (b *BasicBlock) link(succ *BasicBlock) {
	b.succs = append(b.succs, succ)
	succ.preds = append(succ.preds, b)
}

// RemovePredecessor 删除前驱及各 phi 中对应的操作数
func (b *BasicBlock) RemovePredecessor(pred *BasicBlock) {
	k := b.PredecessorIndex(pred)
	if k < 0 {
		return
	}
	b.preds = append(b.preds[:k], b.preds[k+1:]...)
	for _, p := range b.phis {
		p.removeOperand(k)
	}
}

// ReplaceSuccessor 把后继 old 换成 succ，不修改前驱列表
func (b *BasicBlock) ReplaceSuccessor(old, succ *BasicBlock) {
	for k, s := range b.succs {
		if s == old {
			b.succs[k] = succ
		}
	}
}

// FoldIf 把结尾的 If 换成跳向 taken 的 Goto，并删除到另一个后继的边
func (b *BasicBlock) FoldIf(taken *BasicBlock) {
	exit := b.Exit()
	diagnostic.Assert(exit != nil && exit.Opcode == IR_IF, "%s does not end in an If", b)
	diagnostic.Assert(len(b.succs) == 2, "%s has %d successors", b, len(b.succs))
	other := b.succs[0]
	if other == taken {
		other = b.succs[1]
	}
	diagnostic.Assert(b.succs[0] == taken || b.succs[1] == taken, "%s is not a successor of %s", taken, b)
	exit.detach()
	exit.block = nil
	jump := NewGoto()
	jump.block = b
	b.instructions[len(b.instructions)-1] = jump
	b.succs = []*BasicBlock{taken}
	other.RemovePredecessor(b)
}

// ListIterator 块内指令迭代器
func (b *BasicBlock) ListIterator() *InstructionListIterator {
	return &InstructionListIterator{block: b, current: -1}
}

func (b *BasicBlock) String() string {
	return "block " + itoa(b.Number)
}

// ============================================================================
// 块内迭代器
// ============================================================================

// InstructionListIterator 可在遍历时插入与删除的迭代器
// cursor 指向下一条将被返回的指令
type InstructionListIterator struct {
	block   *BasicBlock
	cursor  int
	current int
}

// HasNext 是否还有下一条
func (it *InstructionListIterator) HasNext() bool {
	return it.cursor < len(it.block.instructions)
}

// Next 返回下一条指令
func (it *InstructionListIterator) Next() *Instruction {
	insn := it.block.instructions[it.cursor]
	it.current = it.cursor
	it.cursor++
	return insn
}

// HasPrevious 是否还有上一条
func (it *InstructionListIterator) HasPrevious() bool {
	return it.cursor > 0
}

// Previous 返回上一条指令
func (it *InstructionListIterator) Previous() *Instruction {
	it.cursor--
	it.current = it.cursor
	return it.block.instructions[it.cursor]
}

// Add 在游标前插入，之后的 Next 不会返回它
func (it *InstructionListIterator) Add(insn *Instruction) {
	it.block.insertAt(it.cursor, insn)
	it.cursor++
	it.current = -1
}

// AddAfter 在游标处插入，下一次 Next 返回它
func (it *InstructionListIterator) AddAfter(insn *Instruction) {
	it.block.insertAt(it.cursor, insn)
	it.current = -1
}

// Remove 删除最近返回的指令；其输出仍有使用者时为不变量失败
func (it *InstructionListIterator) Remove() {
	diagnostic.Assert(it.current >= 0, "no current instruction to remove")
	insn := it.block.instructions[it.current]
	diagnostic.Assert(insn.out == nil || !insn.out.HasUsers(),
		"removing %s whose output still has %d users", insn, insn.out.NumberOfAllUsers())
	insn.detach()
	it.block.removeAt(it.current)
	if it.current < it.cursor {
		it.cursor--
	}
	it.current = -1
}

// ReplaceCurrentInstruction 用 insn 替换最近返回的指令，并把原输出的使用者改到新输出
func (it *InstructionListIterator) ReplaceCurrentInstruction(insn *Instruction) {
	diagnostic.Assert(it.current >= 0, "no current instruction to replace")
	old := it.block.instructions[it.current]
	if old.out != nil && old.out.HasUsers() {
		diagnostic.Assert(insn.out != nil, "replacement for %s must define a value", old)
		old.out.ReplaceUsers(insn.out)
	}
	old.detach()
	old.block = nil
	insn.block = it.block
	it.block.instructions[it.current] = insn
}

// Split 在游标处把块一分为二，返回包含剩余指令的新块
func (it *InstructionListIterator) Split(code *Code) *BasicBlock {
	b := it.block
	next := code.insertBlockAfter(b)
	rest := append([]*Instruction(nil), b.instructions[it.cursor:]...)
	b.instructions = b.instructions[:it.cursor]
	for _, insn := range rest {
		next.append(insn)
	}
	next.succs = b.succs
	for _, s := range next.succs {
		for k, p := range s.preds {
			if p == b {
				s.preds[k] = next
			}
		}
	}
	b.succs = nil
	b.link(next)
	b.append(NewGoto())
	it.current = -1
	return next
}
