package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// nest 私有成员访问
// ============================================================================

const (
	nestMethodPrefix       = "-$$Nest$m"
	nestStaticMethodPrefix = "-$$Nest$sm"
	nestGetPrefix          = "-$$Nest$fget"
	nestPutPrefix          = "-$$Nest$fput"
	nestStaticGetPrefix    = "-$$Nest$sfget"
	nestStaticPutPrefix    = "-$$Nest$sfput"

	// NestConstructorArgumentSuffix 私有构造函数桥接方法的额外参数类型后缀
	NestConstructorArgumentSuffix = "-IA"
)

// NestBasedAccessRewriter 把对同一 nest 中其它类私有成员的访问改为调用目标类上的桥接方法
//
// 桥接方法在 Prepare 阶段暂存，在 Scan 阶段报告，指令改写只引用它们。
type NestBasedAccessRewriter struct {
	app *graph.AppInfo
	f   *graph.ItemFactory
}

// NewNestBasedAccessRewriter 创建规则
func NewNestBasedAccessRewriter(app *graph.AppInfo) *NestBasedAccessRewriter {
	return &NestBasedAccessRewriter{app: app, f: app.Factory()}
}

// HasNests 程序中是否有类声明了 nest 关系
func (r *NestBasedAccessRewriter) HasNests() bool {
	for _, c := range r.app.App().ProgramClasses() {
		if c.NestHost != nil || len(c.NestMembers) > 0 {
			return true
		}
	}
	return false
}

func (r *NestBasedAccessRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *NestBasedAccessRewriter) NeedsDesugaring(insn cf.Instruction, method *graph.ProgramMethod) bool {
	return r.bridgeFor(insn, method) != nil
}

// nestAccess 一次需要桥接的私有成员访问
type nestAccess struct {
	holder *graph.Class
	bridge *graph.Method
	code   func() *cf.Code
	isInit bool
}

// targetHolder 成员所在的类与当前类不同但属于同一 nest 时返回它
func (r *NestBasedAccessRewriter) targetHolder(t *graph.Type, method *graph.ProgramMethod) *graph.Class {
	if t == method.HolderType() {
		return nil
	}
	holder := r.app.DefinitionFor(t)
	if holder == nil || !holder.IsProgramClass() || !holder.IsInSameNest(method.Holder) {
		return nil
	}
	return holder
}

func (r *NestBasedAccessRewriter) bridgeFor(insn cf.Instruction, method *graph.ProgramMethod) *nestAccess {
	switch insn := insn.(type) {
	case *cf.Invoke:
		holder := r.targetHolder(insn.Method.Holder, method)
		if holder == nil {
			return nil
		}
		def := holder.LookupMethod(insn.Method)
		if def == nil || !def.AccessFlags.IsPrivate() {
			return nil
		}
		return r.methodBridge(holder, def)
	case *cf.FieldInstruction:
		holder := r.targetHolder(insn.Field.Holder, method)
		if holder == nil {
			return nil
		}
		def := holder.LookupField(insn.Field)
		if def == nil || !def.AccessFlags.IsPrivate() {
			return nil
		}
		return r.fieldBridge(holder, def.Ref, insn.Kind)
	}
	return nil
}

func (r *NestBasedAccessRewriter) methodBridge(holder *graph.Class, def *graph.EncodedMethod) *nestAccess {
	f := r.f
	ref := def.Ref
	itf := holder.IsInterface()
	switch {
	case ref.IsInstanceInitializer():
		arg := NestConstructorArgumentType(f, holder.Type)
		bridge := f.CreateMethod(holder.Type, ref.Name, f.CreateProto(f.VoidType, append(append([]*graph.Type{}, ref.Proto.Parameters...), arg)...))
		return &nestAccess{holder: holder, bridge: bridge, isInit: true, code: func() *cf.Code {
			insns := loadArguments(holder.Type, ref.Proto.Parameters)
			insns = append(insns, &cf.Invoke{Kind: cf.InvokeSpecial, Method: ref}, &cf.Return{Type: cf.Void})
			// 额外的参数只用于区分签名
			return cf.NewCode(argumentLocals(holder.Type, bridge.Proto.Parameters), insns...)
		}}
	case def.IsStatic():
		bridge := f.CreateMethod(holder.Type, nestStaticMethodPrefix+ref.Name, ref.Proto)
		return &nestAccess{holder: holder, bridge: bridge, code: func() *cf.Code {
			return forwardingCode(nil, ref.Proto.Parameters, ref.Proto.Return, &cf.Invoke{Kind: cf.InvokeStatic, Method: ref, Itf: itf})
		}}
	default:
		bridge := f.CreateMethod(holder.Type, nestMethodPrefix+ref.Name, f.PrependParameter(ref.Proto, holder.Type))
		return &nestAccess{holder: holder, bridge: bridge, code: func() *cf.Code {
			return forwardingCode(holder.Type, ref.Proto.Parameters, ref.Proto.Return, &cf.Invoke{Kind: cf.InvokeSpecial, Method: ref, Itf: itf})
		}}
	}
}

func (r *NestBasedAccessRewriter) fieldBridge(holder *graph.Class, field *graph.Field, kind cf.FieldKind) *nestAccess {
	f := r.f
	access := &cf.FieldInstruction{Kind: kind, Field: field}
	vt := cf.ValueTypeFor(field.Type)
	var bridge *graph.Method
	var code func() *cf.Code
	switch kind {
	case cf.GetField:
		bridge = f.CreateMethod(holder.Type, nestGetPrefix+field.Name, f.CreateProto(field.Type, holder.Type))
		code = func() *cf.Code {
			return cf.NewCode(1, &cf.Load{Type: cf.Object, Local: 0}, access, &cf.Return{Type: vt})
		}
	case cf.PutField:
		bridge = f.CreateMethod(holder.Type, nestPutPrefix+field.Name, f.CreateProto(f.VoidType, holder.Type, field.Type))
		code = func() *cf.Code {
			return cf.NewCode(1+field.Type.RequiredRegisters(),
				&cf.Load{Type: cf.Object, Local: 0}, &cf.Load{Type: vt, Local: 1}, access, &cf.Return{Type: cf.Void})
		}
	case cf.GetStatic:
		bridge = f.CreateMethod(holder.Type, nestStaticGetPrefix+field.Name, f.CreateProto(field.Type))
		code = func() *cf.Code {
			return cf.NewCode(0, access, &cf.Return{Type: vt})
		}
	default:
		bridge = f.CreateMethod(holder.Type, nestStaticPutPrefix+field.Name, f.CreateProto(f.VoidType, field.Type))
		code = func() *cf.Code {
			return cf.NewCode(field.Type.RequiredRegisters(), &cf.Load{Type: vt, Local: 0}, access, &cf.Return{Type: cf.Void})
		}
	}
	return &nestAccess{holder: holder, bridge: bridge, code: code}
}

// Prepare 为方法中的每个 nest 私有访问暂存桥接方法
func (r *NestBasedAccessRewriter) Prepare(method *graph.ProgramMethod, code *cf.Code, additions *ProgramAdditions) {
	for _, insn := range code.Instructions {
		access := r.bridgeFor(insn, method)
		if access == nil {
			continue
		}
		flags := graph.AccStatic | graph.AccSynthetic
		if access.isInit {
			flags = graph.AccSynthetic
			argType := NestConstructorArgumentType(r.f, access.holder.Type)
			additions.EnsureClass(graph.SyntheticNestConstructorArgument, argType, func(b *graph.ClassBuilder) {
				b.SetAccessFlags(graph.AccFinal | graph.AccSuper | graph.AccSynthetic)
			})
		}
		additions.EnsureMethod(access.bridge, func() *graph.EncodedMethod {
			return graph.NewEncodedMethod(access.bridge, flags, access.code())
		})
	}
}

// Scan 报告方法用到的桥接方法
func (r *NestBasedAccessRewriter) Scan(method *graph.ProgramMethod, code *cf.Code, events EventConsumer) {
	for _, insn := range code.Instructions {
		if access := r.bridgeFor(insn, method); access != nil {
			events.AcceptNestBridge(access.bridge, method)
		}
	}
}

func (r *NestBasedAccessRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	access := r.bridgeFor(insn, ctx.Method)
	if access == nil {
		return nil
	}
	if access.isInit {
		ctx.AllocateStack(1)
		return []cf.Instruction{
			&cf.ConstNull{},
			&cf.Invoke{Kind: cf.InvokeSpecial, Method: access.bridge},
		}
	}
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: access.bridge, Itf: access.holder.IsInterface()}}
}

// NestConstructorArgumentType 私有构造函数桥接方法的额外参数类型
func NestConstructorArgumentType(f *graph.ItemFactory, holder *graph.Type) *graph.Type {
	return f.CreateClassType(holder.InternalName() + NestConstructorArgumentSuffix)
}
