package cf

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/nova/internal/graph"
)

// TryCatch 异常处理范围，Guard 为 nil 表示 catch-all
type TryCatch struct {
	Start   *Label
	End     *Label
	Guard   *graph.Type
	Handler *Label
}

// Code 类文件方法体
type Code struct {
	MaxStack       int
	MaxLocals      int
	Instructions   []Instruction
	TryCatchRanges []*TryCatch
}

// NewCode 创建方法体，并按指令重新计算最大栈深度
func NewCode(maxLocals int, insns ...Instruction) *Code {
	c := &Code{MaxLocals: maxLocals, Instructions: insns}
	c.MaxStack = ComputeMaxStack(insns)
	return c
}

// Kind 实现 graph.Code
func (c *Code) Kind() graph.CodeKind { return graph.CfCodeKind }

// CatchTypes 实现 graph.Code
func (c *Code) CatchTypes() []*graph.Type {
	var out []*graph.Type
	for _, tc := range c.TryCatchRanges {
		if tc.Guard != nil {
			out = append(out, tc.Guard)
		}
	}
	return out
}

// HasTryCatch 是否有异常处理器
func (c *Code) HasTryCatch() bool {
	return len(c.TryCatchRanges) > 0
}

// LabelNumbers 按出现顺序给标签编号
func (c *Code) LabelNumbers() map[*Label]int {
	names := make(map[*Label]int)
	for _, insn := range c.Instructions {
		if l, ok := insn.(*Label); ok {
			names[l] = len(names)
		}
	}
	return names
}

func (c *Code) String() string {
	names := c.LabelNumbers()
	var sb strings.Builder
	fmt.Fprintf(&sb, "max_stack=%d max_locals=%d\n", c.MaxStack, c.MaxLocals)
	for _, insn := range c.Instructions {
		switch i := insn.(type) {
		case *Label:
			fmt.Fprintf(&sb, "L%d:\n", names[i])
		case *If, *IfCmp, *Goto:
			fmt.Fprintf(&sb, "  %s\n", formatJump(insn, names))
		default:
			fmt.Fprintf(&sb, "  %s\n", insn)
		}
	}
	for _, tc := range c.TryCatchRanges {
		guard := "any"
		if tc.Guard != nil {
			guard = tc.Guard.Descriptor()
		}
		fmt.Fprintf(&sb, "  try L%d-L%d catch %s -> L%d\n", names[tc.Start], names[tc.End], guard, names[tc.Handler])
	}
	return sb.String()
}

// ComputeMaxStack 线性模拟计算最大栈深度
// 不可达的标签处取跳转到它时的高度
func ComputeMaxStack(insns []Instruction) int {
	heights := make(map[*Label]int)
	height, maxHeight := 0, 0
	reachable := true
	for _, insn := range insns {
		if l, ok := insn.(*Label); ok {
			if h, ok := heights[l]; ok && !reachable {
				height = h
			} else if !reachable {
				height = 0
			}
			reachable = true
			continue
		}
		pop, push := StackEffect(insn)
		height -= pop
		if height < 0 {
			height = 0
		}
		height += push
		if height > maxHeight {
			maxHeight = height
		}
		if target := JumpTarget(insn); target != nil {
			heights[target] = height
		}
		reachable = FallsThrough(insn)
	}
	return maxHeight
}
