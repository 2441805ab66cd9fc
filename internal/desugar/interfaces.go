package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 接口方法
// ============================================================================

// CompanionSuffix 伴生类名后缀
const CompanionSuffix = "$-CC"

// InterfaceMethodRewriter 把对程序接口中静态、私有与默认方法的调用改为调用伴生类中的静态方法
//
// 判断不精确：所有接口上的 invokestatic/invokespecial 都被认为需要改写，
// 但库接口上的调用不会产生替换。
type InterfaceMethodRewriter struct {
	app *graph.AppInfo
	f   *graph.ItemFactory
}

// NewInterfaceMethodRewriter 创建规则
func NewInterfaceMethodRewriter(app *graph.AppInfo) *InterfaceMethodRewriter {
	return &InterfaceMethodRewriter{app: app, f: app.Factory()}
}

func (r *InterfaceMethodRewriter) HasPreciseNeedsDesugaring() bool { return false }

func (r *InterfaceMethodRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || !invoke.Itf {
		return false
	}
	switch invoke.Kind {
	case cf.InvokeStatic, cf.InvokeSpecial:
		return true
	case cf.InvokeInterface:
		_, def := r.programInterfaceMethod(invoke.Method)
		return def != nil && def.AccessFlags.IsPrivate()
	}
	return false
}

// programInterfaceMethod 程序接口中声明的方法
func (r *InterfaceMethodRewriter) programInterfaceMethod(ref *graph.Method) (*graph.Class, *graph.EncodedMethod) {
	holder := r.app.DefinitionFor(ref.Holder)
	if holder == nil || !holder.IsProgramClass() || !holder.IsInterface() {
		return nil, nil
	}
	return holder, holder.LookupMethod(ref)
}

func (r *InterfaceMethodRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	_, def := r.programInterfaceMethod(invoke.Method)
	if def == nil || def.Code == nil {
		return nil
	}
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: r.companionMethod(def)}}
}

// Prepare 接口自身的静态、私有与默认方法在伴生类中得到静态副本
func (r *InterfaceMethodRewriter) Prepare(method *graph.ProgramMethod, code *cf.Code, additions *ProgramAdditions) {
	holder := method.Holder
	def := method.Definition
	if !holder.IsInterface() || def.Ref.IsClassInitializer() || def.AccessFlags.IsAbstract() {
		return
	}
	companion := CompanionType(r.f, holder.Type)
	additions.EnsureClass(graph.SyntheticCompanion, companion, func(b *graph.ClassBuilder) {
		b.SetAccessFlags(graph.AccPublic | graph.AccFinal | graph.AccSuper)
	})
	additions.EnsureMethod(r.companionMethod(def), func() *graph.EncodedMethod {
		// 实例方法的 this 成为第一个参数，局部变量布局不变，方法体可以共享
		return graph.NewEncodedMethod(r.companionMethod(def), graph.AccPublic|graph.AccStatic|graph.AccSynthetic, code)
	})
}

// companionMethod 伴生类中对应的静态方法
func (r *InterfaceMethodRewriter) companionMethod(def *graph.EncodedMethod) *graph.Method {
	ref := def.Ref
	companion := CompanionType(r.f, ref.Holder)
	switch {
	case def.IsStatic():
		return r.f.CreateMethod(companion, ref.Name, ref.Proto)
	case def.AccessFlags.IsPrivate():
		return r.f.CreateMethod(companion, ref.Name+"$private", r.f.PrependParameter(ref.Proto, ref.Holder))
	default:
		return r.f.CreateMethod(companion, ref.Name+"$default", r.f.PrependParameter(ref.Proto, ref.Holder))
	}
}

// CompanionType 接口的伴生类
func CompanionType(f *graph.ItemFactory, itf *graph.Type) *graph.Type {
	return f.CreateClassType(itf.InternalName() + CompanionSuffix)
}
