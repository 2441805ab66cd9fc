package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 脱糖库重定向
// ============================================================================

// Retargeter 把对指定库方法的调用改为对脱糖库中静态方法的调用
//
// 实例方法的 receiver 变为第一个参数。只处理非接口方法引用。
type Retargeter struct {
	f       *graph.ItemFactory
	targets map[*graph.Method]*graph.Type
}

// NewRetargeter 由选项中的重定向表创建；表中的非法项已在加载选项时被拒绝
func NewRetargeter(app *graph.AppInfo, opts *options.Options) *Retargeter {
	f := app.Factory()
	r := &Retargeter{f: f, targets: make(map[*graph.Method]*graph.Type)}
	for from, holder := range opts.Desugaring.Retarget {
		method, err := f.ParseMethod(from)
		if err != nil {
			continue
		}
		r.targets[method] = f.CreateType(holder)
	}
	return r
}

func (r *Retargeter) HasPreciseNeedsDesugaring() bool { return true }

func (r *Retargeter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || invoke.Itf || invoke.Kind == cf.InvokeSpecial {
		return false
	}
	_, ok = r.targets[invoke.Method]
	return ok
}

func (r *Retargeter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	invoke := insn.(*cf.Invoke)
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: r.retargetedMethod(invoke)}}
}

// retargetedMethod 新的静态方法引用
func (r *Retargeter) retargetedMethod(invoke *cf.Invoke) *graph.Method {
	proto := invoke.Method.Proto
	if invoke.Kind != cf.InvokeStatic {
		proto = r.f.PrependParameter(proto, invoke.Method.Holder)
	}
	return r.f.CreateMethod(r.targets[invoke.Method], invoke.Method.Name, proto)
}
