package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// bufferCovariantMethods JDK 9 起 Buffer 子类以协变返回类型重写的方法
var bufferCovariantMethods = map[string]bool{
	"position": true,
	"limit":    true,
	"mark":     true,
	"reset":    true,
	"clear":    true,
	"flip":     true,
	"rewind":   true,
}

// BufferCovariantReturnRewriter 把对 Buffer 子类协变方法的调用改为调用 Buffer 上的方法再强制转换
type BufferCovariantReturnRewriter struct {
	app *graph.AppInfo
	f   *graph.ItemFactory
}

// NewBufferCovariantReturnRewriter 创建规则
func NewBufferCovariantReturnRewriter(app *graph.AppInfo) *BufferCovariantReturnRewriter {
	return &BufferCovariantReturnRewriter{app: app, f: app.Factory()}
}

func (r *BufferCovariantReturnRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *BufferCovariantReturnRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || invoke.Kind != cf.InvokeVirtual || invoke.Itf {
		return false
	}
	m := invoke.Method
	return bufferCovariantMethods[m.Name] &&
		m.Proto.Return == m.Holder &&
		m.Holder != r.f.BufferType &&
		r.app.IsSubtype(m.Holder, r.f.BufferType)
}

func (r *BufferCovariantReturnRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	m := insn.(*cf.Invoke).Method
	target := r.f.CreateMethod(r.f.BufferType, m.Name, r.f.CreateProto(r.f.BufferType, m.Proto.Parameters...))
	return []cf.Instruction{
		&cf.Invoke{Kind: cf.InvokeVirtual, Method: target},
		&cf.CheckCast{Type: m.Holder},
	}
}
