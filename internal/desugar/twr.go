package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// try-with-resources
// ============================================================================

const closeResourceMethodName = "$closeResource"

// TwrRewriter 改写 try-with-resources 生成的调用
//
//   - 编译器生成的 $closeResource(Throwable, AutoCloseable) 改为调用合成的辅助类
//   - Throwable.addSuppressed 与 getSuppressed 在旧运行时上不存在，被丢弃
type TwrRewriter struct {
	app            *graph.AppInfo
	f              *graph.ItemFactory
	closeResource  *graph.Proto
	addSuppressed  *graph.Method
	getSuppressed  *graph.Method
	closeableType  *graph.Type
	throwableArray *graph.Type
}

// NewTwrRewriter 创建规则
func NewTwrRewriter(app *graph.AppInfo) *TwrRewriter {
	f := app.Factory()
	throwableArray := f.CreateArrayType(1, f.ThrowableType)
	return &TwrRewriter{
		app:            app,
		f:              f,
		closeResource:  f.CreateProto(f.VoidType, f.ThrowableType, f.AutoCloseableType),
		addSuppressed:  f.CreateMethod(f.ThrowableType, "addSuppressed", f.CreateProto(f.VoidType, f.ThrowableType)),
		getSuppressed:  f.CreateMethod(f.ThrowableType, "getSuppressed", f.CreateProto(throwableArray)),
		closeableType:  f.CreateType("Ljava/io/Closeable;"),
		throwableArray: throwableArray,
	}
}

func (r *TwrRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *TwrRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok {
		return false
	}
	return r.isCloseResource(invoke) || r.isSuppressed(invoke) != nil
}

func (r *TwrRewriter) isCloseResource(invoke *cf.Invoke) bool {
	return invoke.Kind == cf.InvokeStatic && invoke.Method.Name == closeResourceMethodName && invoke.Method.Proto == r.closeResource
}

// isSuppressed 对 Throwable 子类调用 addSuppressed/getSuppressed 时返回对应的 Throwable 方法
func (r *TwrRewriter) isSuppressed(invoke *cf.Invoke) *graph.Method {
	if invoke.Kind != cf.InvokeVirtual || !r.app.IsSubtype(invoke.Method.Holder, r.f.ThrowableType) {
		return nil
	}
	for _, m := range []*graph.Method{r.addSuppressed, r.getSuppressed} {
		if invoke.Method.Name == m.Name && invoke.Method.Proto == m.Proto {
			return m
		}
	}
	return nil
}

func (r *TwrRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	invoke, ok := insn.(*cf.Invoke)
	if !ok {
		return nil
	}
	if r.isCloseResource(invoke) {
		helper := r.synthesizeCloseResource(ctx)
		return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: helper}}
	}
	switch r.isSuppressed(invoke) {
	case r.addSuppressed:
		return []cf.Instruction{&cf.StackInstruction{Op: cf.Pop}, &cf.StackInstruction{Op: cf.Pop}}
	case r.getSuppressed:
		return []cf.Instruction{
			&cf.StackInstruction{Op: cf.Pop},
			&cf.ConstNumber{Type: cf.Int, Value: 0},
			&cf.NewArray{Type: r.throwableArray},
		}
	}
	return nil
}

// synthesizeCloseResource 合成辅助类，返回其静态方法
//
//	if (t != null) { try { r.close(); } catch (Throwable x) {} } else { r.close(); }
func (r *TwrRewriter) synthesizeCloseResource(ctx *InstructionContext) *graph.Method {
	f := r.f
	t := ctx.Processing.CreateUniqueType(f, "TwrCloseResource")
	method := f.CreateMethod(t, "closeResource", f.CreateProto(f.VoidType, f.ThrowableType, f.ObjectType))
	closeMethod := f.CreateMethod(r.closeableType, "close", f.CreateProto(f.VoidType))

	start, end, handler, plain := cf.NewLabel(), cf.NewLabel(), cf.NewLabel(), cf.NewLabel()
	closeIt := []cf.Instruction{
		&cf.Load{Type: cf.Object, Local: 1},
		&cf.CheckCast{Type: r.closeableType},
		&cf.Invoke{Kind: cf.InvokeInterface, Method: closeMethod, Itf: true},
	}
	var insns []cf.Instruction
	insns = append(insns, &cf.Load{Type: cf.Object, Local: 0}, &cf.If{Kind: cf.EQ, Type: cf.Object, Target: plain}, start)
	insns = append(insns, closeIt...)
	insns = append(insns, end, &cf.Return{Type: cf.Void}, handler, &cf.StackInstruction{Op: cf.Pop}, &cf.Return{Type: cf.Void}, plain)
	insns = append(insns, closeIt...)
	insns = append(insns, &cf.Return{Type: cf.Void})
	code := cf.NewCode(2, insns...)
	code.TryCatchRanges = []*cf.TryCatch{{Start: start, End: end, Guard: f.ThrowableType, Handler: handler}}

	class := graph.NewClassBuilder(t).
		AddMethod(method, graph.AccPublic|graph.AccStatic|graph.AccSynthetic, code).
		Build()
	ctx.Events.AcceptTwrCloseResourceClass(class, ctx.Method)
	return method
}
