package ir

import (
	"strconv"
	"strings"

	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/lattice"
)

// ============================================================================
// 方法的 IR
// ============================================================================

// Code 一个方法的 SSA 指令图，入口块总在第一个
// 只由处理该方法的工作者访问
type Code struct {
	Method  *graph.ProgramMethod
	blocks  []*BasicBlock
	lattice *lattice.Lattice

	nextValueNumber int
	nextBlockNumber int
}

// NewCode 创建空的 IR
func NewCode(method *graph.ProgramMethod, l *lattice.Lattice) *Code {
	return &Code{Method: method, lattice: l}
}

// Lattice 类型格
func (c *Code) Lattice() *lattice.Lattice { return c.lattice }

// Factory 类型工厂
func (c *Code) Factory() *graph.ItemFactory { return c.lattice.AppInfo().Factory() }

// Blocks 块列表（只读）
func (c *Code) Blocks() []*BasicBlock { return c.blocks }

// EntryBlock 入口块
func (c *Code) EntryBlock() *BasicBlock { return c.blocks[0] }

// NewValue 分配新值
func (c *Code) NewValue(t lattice.Element) *Value {
	v := &Value{Number: c.nextValueNumber, typ: t}
	c.nextValueNumber++
	return v
}

// NewBlock 在末尾追加新块
func (c *Code) NewBlock() *BasicBlock {
	b := &BasicBlock{Number: c.nextBlockNumber, code: c}
	c.nextBlockNumber++
	c.blocks = append(c.blocks, b)
	return b
}

func (c *Code) insertBlockAfter(after *BasicBlock) *BasicBlock {
	b := &BasicBlock{Number: c.nextBlockNumber, code: c}
	c.nextBlockNumber++
	for k, x := range c.blocks {
		if x == after {
			c.blocks = append(c.blocks, nil)
			copy(c.blocks[k+2:], c.blocks[k+1:])
			c.blocks[k+1] = b
			return b
		}
	}
	c.blocks = append(c.blocks, b)
	return b
}

// Arguments 参数值，按参数顺序
func (c *Code) Arguments() []*Value {
	var args []*Value
	for _, insn := range c.EntryBlock().instructions {
		if insn.Opcode != IR_ARGUMENT {
			break
		}
		args = append(args, insn.out)
	}
	return args
}

// NumberOfInstructions 指令总数（不含 phi）
func (c *Code) NumberOfInstructions() int {
	n := 0
	for _, b := range c.blocks {
		n += len(b.instructions)
	}
	return n
}

// RemoveUnreachableBlocks 删除入口不可达的块，返回被删除的块
func (c *Code) RemoveUnreachableBlocks() []*BasicBlock {
	reachable := map[*BasicBlock]bool{}
	worklist := []*BasicBlock{c.EntryBlock()}
	for len(worklist) > 0 {
		b := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if reachable[b] {
			continue
		}
		reachable[b] = true
		worklist = append(worklist, b.succs...)
	}
	var removed, kept []*BasicBlock
	for _, b := range c.blocks {
		if reachable[b] {
			kept = append(kept, b)
		} else {
			removed = append(removed, b)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	for _, b := range removed {
		for _, s := range b.succs {
			if reachable[s] {
				s.RemovePredecessor(b)
			}
		}
	}
	// 删除块中定义的值只可能被其它被删除的块使用
	for _, b := range removed {
		for _, p := range b.phis {
			p.detach()
		}
		for _, insn := range b.instructions {
			insn.detach()
		}
	}
	c.blocks = kept
	return removed
}

// ============================================================================
// 遍历
// ============================================================================

// InstructionIterator 按块顺序遍历所有指令，可删除当前指令
type InstructionIterator struct {
	blocks []*BasicBlock
	index  int
	it     *InstructionListIterator
}

// InstructionIterator 创建全方法指令迭代器
func (c *Code) InstructionIterator() *InstructionIterator {
	return &InstructionIterator{blocks: append([]*BasicBlock(nil), c.blocks...), index: -1}
}

// HasNext 是否还有指令
func (ci *InstructionIterator) HasNext() bool {
	for ci.it == nil || !ci.it.HasNext() {
		ci.index++
		if ci.index >= len(ci.blocks) {
			return false
		}
		ci.it = ci.blocks[ci.index].ListIterator()
	}
	return true
}

// Next 下一条指令
func (ci *InstructionIterator) Next() *Instruction {
	if !ci.HasNext() {
		return nil
	}
	return ci.it.Next()
}

// Remove 删除最近返回的指令
func (ci *InstructionIterator) Remove() {
	ci.it.Remove()
}

// ============================================================================
// 打印
// ============================================================================

func (c *Code) String() string {
	var sb strings.Builder
	for _, b := range c.blocks {
		sb.WriteString("block ")
		sb.WriteString(itoa(b.Number))
		sb.WriteString(", pred-list: ")
		sb.WriteString(blockList(b.preds))
		sb.WriteString(", succ-list: ")
		sb.WriteString(blockList(b.succs))
		sb.WriteByte('\n')
		for _, p := range b.phis {
			sb.WriteString("  ")
			sb.WriteString(p.String())
			sb.WriteByte('\n')
		}
		for _, insn := range b.instructions {
			sb.WriteString("  ")
			sb.WriteString(insn.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func blockList(blocks []*BasicBlock) string {
	parts := make([]string, len(blocks))
	for k, b := range blocks {
		parts[k] = itoa(b.Number)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func itoa(n int) string { return strconv.Itoa(n) }
