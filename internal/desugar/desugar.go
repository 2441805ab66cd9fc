// Package desugar 把目标运行时不支持的类文件指令改写成等价的旧指令序列
//
// 每条规则只负责一类指令，分派按固定顺序取第一个匹配规则的结果。
// 规则需要合成的类与方法先暂存，方法处理完成后统一交出。
package desugar

import (
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 规则
// ============================================================================

// Rule 单条指令脱糖规则
type Rule interface {
	// NeedsDesugaring 纯判断，不产生副作用
	NeedsDesugaring(insn cf.Instruction, method *graph.ProgramMethod) bool
	// DesugarInstruction 返回替换序列，nil 表示不改写
	DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction
	// HasPreciseNeedsDesugaring 判断为真时一定会产生替换
	HasPreciseNeedsDesugaring() bool
}

// Preparer 在改写前暂存需要合成的类与方法
type Preparer interface {
	Prepare(method *graph.ProgramMethod, code *cf.Code, additions *ProgramAdditions)
}

// Scanner 在改写前向事件消费者报告
type Scanner interface {
	Scan(method *graph.ProgramMethod, code *cf.Code, events EventConsumer)
}

// ============================================================================
// 指令上下文
// ============================================================================

// InstructionContext 改写一条指令时可用的环境
type InstructionContext struct {
	Method     *graph.ProgramMethod
	Factory    *graph.ItemFactory
	Events     EventConsumer
	Processing *MethodProcessingContext

	locals *counter
	stack  *counter
}

// FreshLocal 分配 size 个新的局部变量槽，返回第一个槽的编号
func (c *InstructionContext) FreshLocal(size int) int {
	return c.locals.getAndAdd(size)
}

// AllocateStack 声明替换序列额外需要的栈深度
func (c *InstructionContext) AllocateStack(n int) {
	c.stack.getAndAdd(n)
}

// counter 从方法原有的上限开始计数，每条指令结束后归位
type counter struct {
	base    int
	current int
	max     int
}

func newCounter(base int) *counter {
	return &counter{base: base, current: base, max: base}
}

func (c *counter) getAndAdd(n int) int {
	v := c.current
	c.current += n
	return v
}

// reset 记录高水位并归位，返回是否发生过分配
func (c *counter) reset() bool {
	changed := c.current != c.base
	if c.current > c.max {
		c.max = c.current
	}
	c.current = c.base
	return changed
}

// ============================================================================
// 方法处理上下文
// ============================================================================

// MethodProcessingContext 为一个方法生成的合成类命名
//
// 名字由持有类、用途、方法引用的哈希与序号组成，不同方法并发处理时也不会冲突。
type MethodProcessingContext struct {
	method *graph.ProgramMethod
	hash   uint32
	next   int
}

// NewMethodProcessingContext 创建方法处理上下文
func NewMethodProcessingContext(method *graph.ProgramMethod) *MethodProcessingContext {
	return &MethodProcessingContext{
		method: method,
		hash:   uint32(xxh3.HashString(method.Reference().String())),
	}
}

// Method 正在处理的方法
func (c *MethodProcessingContext) Method() *graph.ProgramMethod { return c.method }

// CreateUniqueType 新建合成类类型，例如 Lfoo/Bar$$ExternalSyntheticLambda1a2b3c4d$0;
func (c *MethodProcessingContext) CreateUniqueType(f *graph.ItemFactory, purpose string) *graph.Type {
	name := fmt.Sprintf("%s$$ExternalSynthetic%s%08x$%d", c.method.HolderType().InternalName(), purpose, c.hash, c.next)
	c.next++
	return f.CreateClassType(name)
}
