package desugar

import (
	"strconv"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// Lambda
// ============================================================================

// LambdaRewriter 把 LambdaMetafactory 调用点改为创建合成类的实例
//
// 合成类实现函数式接口，捕获的值保存在字段 f$0, f$1 ... 中。
type LambdaRewriter struct {
	app *graph.AppInfo
	f   *graph.ItemFactory
}

// NewLambdaRewriter 创建规则
func NewLambdaRewriter(app *graph.AppInfo) *LambdaRewriter {
	return &LambdaRewriter{app: app, f: app.Factory()}
}

func (r *LambdaRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *LambdaRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	return r.callSite(insn) != nil
}

func (r *LambdaRewriter) callSite(insn cf.Instruction) *cf.CallSite {
	indy, ok := insn.(*cf.InvokeDynamic)
	if !ok || indy.CallSite.Bootstrap.Holder != r.f.LambdaMetafactoryType {
		return nil
	}
	return indy.CallSite
}

// Prepare 合成类需要访问当前类的私有实现方法
func (r *LambdaRewriter) Prepare(method *graph.ProgramMethod, code *cf.Code, additions *ProgramAdditions) {
	for _, insn := range code.Instructions {
		site := r.callSite(insn)
		if site == nil || site.Implementation.Holder != method.HolderType() {
			continue
		}
		if def := method.Holder.LookupMethod(site.Implementation); def != nil && def.AccessFlags.IsPrivate() {
			additions.MakeAccessible(def.Ref)
		}
	}
}

func (r *LambdaRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	site := r.callSite(insn)
	if site == nil {
		return nil
	}
	captures := site.MethodProto.Parameters
	class, init := r.synthesizeLambdaClass(site, ctx)
	ctx.Events.AcceptLambdaClass(class, ctx.Method)

	// 捕获值已在栈上，先倒序存入新局部变量，再在其下方创建实例
	locals := make([]int, len(captures))
	var out []cf.Instruction
	for i := len(captures) - 1; i >= 0; i-- {
		locals[i] = ctx.FreshLocal(captures[i].RequiredRegisters())
		out = append(out, &cf.Store{Type: cf.ValueTypeFor(captures[i]), Local: locals[i]})
	}
	out = append(out, &cf.New{Type: class.Type}, &cf.StackInstruction{Op: cf.Dup})
	for i, c := range captures {
		out = append(out, &cf.Load{Type: cf.ValueTypeFor(c), Local: locals[i]})
	}
	out = append(out, &cf.Invoke{Kind: cf.InvokeSpecial, Method: init})
	ctx.AllocateStack(2)
	return out
}

// synthesizeLambdaClass 返回合成类及其构造函数
func (r *LambdaRewriter) synthesizeLambdaClass(site *cf.CallSite, ctx *InstructionContext) (*graph.Class, *graph.Method) {
	f := r.f
	t := ctx.Processing.CreateUniqueType(f, "Lambda")
	captures := site.MethodProto.Parameters
	fields := make([]*graph.Field, len(captures))
	for i, c := range captures {
		fields[i] = f.CreateField(t, "f$"+strconv.Itoa(i), c)
	}

	b := graph.NewClassBuilder(t).SetInterfaces(site.MethodProto.Return)
	for _, field := range fields {
		b.AddField(field, graph.AccPrivate|graph.AccFinal|graph.AccSynthetic)
	}
	init := f.CreateMethod(t, graph.ConstructorMethodName, f.CreateProto(f.VoidType, captures...))
	b.AddMethod(init, graph.AccPublic|graph.AccSynthetic, r.constructorCode(fields))
	main := f.CreateMethod(t, site.MethodName, site.InterfaceProto)
	b.AddMethod(main, graph.AccPublic|graph.AccFinal|graph.AccSynthetic, r.mainMethodCode(site, fields))
	return b.Build(), init
}

// constructorCode super(); this.f$i = arg_i
func (r *LambdaRewriter) constructorCode(fields []*graph.Field) *cf.Code {
	f := r.f
	insns := []cf.Instruction{
		&cf.Load{Type: cf.Object, Local: 0},
		&cf.Invoke{Kind: cf.InvokeSpecial, Method: f.CreateMethod(f.ObjectType, graph.ConstructorMethodName, f.CreateProto(f.VoidType))},
	}
	local := 1
	for _, field := range fields {
		insns = append(insns,
			&cf.Load{Type: cf.Object, Local: 0},
			&cf.Load{Type: cf.ValueTypeFor(field.Type), Local: local},
			&cf.FieldInstruction{Kind: cf.PutField, Field: field},
		)
		local += field.Type.RequiredRegisters()
	}
	insns = append(insns, &cf.Return{Type: cf.Void})
	return cf.NewCode(local, insns...)
}

// mainMethodCode 函数式接口方法：读取捕获值与参数，调用实现方法
func (r *LambdaRewriter) mainMethodCode(site *cf.CallSite, fields []*graph.Field) *cf.Code {
	f := r.f
	impl := site.Implementation
	var insns []cf.Instruction
	isConstructor := impl.IsInstanceInitializer()
	if isConstructor {
		insns = append(insns, &cf.New{Type: impl.Holder}, &cf.StackInstruction{Op: cf.Dup})
	}
	for _, field := range fields {
		insns = append(insns, &cf.Load{Type: cf.Object, Local: 0}, &cf.FieldInstruction{Kind: cf.GetField, Field: field})
	}

	// 实现方法的参数（实例方法时包括 receiver）中，前面的部分由捕获值提供
	implParams := impl.Proto.Parameters
	if site.ImplementationKind != cf.InvokeStatic && !isConstructor {
		implParams = append([]*graph.Type{impl.Holder}, implParams...)
	}
	local := 1
	for i, p := range site.InterfaceProto.Parameters {
		insns = append(insns, &cf.Load{Type: cf.ValueTypeFor(p), Local: local})
		local += p.RequiredRegisters()
		if j := len(fields) + i; j < len(implParams) {
			insns = append(insns, adapt(f, p, implParams[j])...)
		}
	}

	insns = append(insns, r.implementationCall(site))
	produced := impl.Proto.Return
	if isConstructor {
		produced = impl.Holder
	}
	want := site.InterfaceProto.Return
	if want.IsVoidType() {
		insns = append(insns, discard(produced)...)
	} else {
		insns = append(insns, adapt(f, produced, want)...)
	}
	insns = append(insns, returnFor(want))
	return cf.NewCode(local, insns...)
}

func (r *LambdaRewriter) implementationCall(site *cf.CallSite) cf.Instruction {
	impl := site.Implementation
	itf := r.app.IsInterface(impl.Holder)
	switch {
	case site.ImplementationKind == cf.InvokeStatic:
		return &cf.Invoke{Kind: cf.InvokeStatic, Method: impl, Itf: itf}
	case impl.IsInstanceInitializer():
		return &cf.Invoke{Kind: cf.InvokeSpecial, Method: impl}
	case site.ImplementationKind == cf.InvokeSpecial:
		// 私有实现方法已变为可访问，从合成类中只能以虚调用访问
		if itf {
			return &cf.Invoke{Kind: cf.InvokeInterface, Method: impl, Itf: true}
		}
		return &cf.Invoke{Kind: cf.InvokeVirtual, Method: impl}
	}
	return &cf.Invoke{Kind: site.ImplementationKind, Method: impl, Itf: itf}
}
