package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// InvokeToPrivateRewriter 同一个类中对私有方法的虚调用改为 invokespecial
type InvokeToPrivateRewriter struct {
	app *graph.AppInfo
}

// NewInvokeToPrivateRewriter 创建规则
func NewInvokeToPrivateRewriter(app *graph.AppInfo) *InvokeToPrivateRewriter {
	return &InvokeToPrivateRewriter{app: app}
}

func (r *InvokeToPrivateRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *InvokeToPrivateRewriter) NeedsDesugaring(insn cf.Instruction, method *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || (invoke.Kind != cf.InvokeVirtual && invoke.Kind != cf.InvokeInterface) {
		return false
	}
	if invoke.Method.Holder != method.HolderType() {
		return false
	}
	def := method.Holder.LookupMethod(invoke.Method)
	return def != nil && def.AccessFlags.IsPrivate() && !def.IsStatic()
}

func (r *InvokeToPrivateRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	invoke := insn.(*cf.Invoke)
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeSpecial, Method: invoke.Method, Itf: invoke.Itf}}
}
