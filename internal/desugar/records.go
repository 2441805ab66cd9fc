package desugar

import (
	"strings"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// record
// ============================================================================

const recordHelperPrefix = "$record$"

// RecordRewriter 把 ObjectMethods 调用点改为调用 record 类上合成的 equals/hashCode/toString 实现
type RecordRewriter struct {
	app *graph.AppInfo
	f   *graph.ItemFactory
}

// NewRecordRewriter 创建规则
func NewRecordRewriter(app *graph.AppInfo) *RecordRewriter {
	return &RecordRewriter{app: app, f: app.Factory()}
}

func (r *RecordRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *RecordRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	_, record := r.callSite(insn)
	return record != nil
}

// callSite ObjectMethods 调用点及其 record 类
func (r *RecordRewriter) callSite(insn cf.Instruction) (*cf.CallSite, *graph.Class) {
	indy, ok := insn.(*cf.InvokeDynamic)
	if !ok || indy.CallSite.Bootstrap.Holder != r.f.ObjectMethodsType {
		return nil, nil
	}
	params := indy.CallSite.MethodProto.Parameters
	if len(params) == 0 {
		return nil, nil
	}
	record := r.app.DefinitionFor(params[0])
	if record == nil || !record.IsProgramClass() {
		return nil, nil
	}
	return indy.CallSite, record
}

func (r *RecordRewriter) helper(site *cf.CallSite, record *graph.Class) *graph.Method {
	return r.f.CreateMethod(record.Type, recordHelperPrefix+site.MethodName, site.MethodProto)
}

// recordFields 调用点列出的字段，按声明顺序
func (r *RecordRewriter) recordFields(site *cf.CallSite, record *graph.Class) []*graph.Field {
	var out []*graph.Field
	if site.Recipe == "" {
		return out
	}
	for _, name := range strings.Split(site.Recipe, ";") {
		for _, field := range record.Fields {
			if field.Ref.Name == name && !field.AccessFlags.IsStatic() {
				out = append(out, field.Ref)
				break
			}
		}
	}
	return out
}

// Prepare 在 record 类上暂存合成方法
func (r *RecordRewriter) Prepare(method *graph.ProgramMethod, code *cf.Code, additions *ProgramAdditions) {
	for _, insn := range code.Instructions {
		site, record := r.callSite(insn)
		if site == nil {
			continue
		}
		helper := r.helper(site, record)
		additions.EnsureMethod(helper, func() *graph.EncodedMethod {
			var body *cf.Code
			fields := r.recordFields(site, record)
			switch site.MethodName {
			case "equals":
				body = r.equalsCode(record, fields)
			case "hashCode":
				body = r.hashCodeCode(fields)
			default:
				body = r.toStringCode(record, fields)
			}
			return graph.NewEncodedMethod(helper, graph.AccPrivate|graph.AccStatic|graph.AccSynthetic, body)
		})
	}
}

func (r *RecordRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	site, record := r.callSite(insn)
	if site == nil {
		return nil
	}
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: r.helper(site, record)}}
}

func getField(receiver int, field *graph.Field) []cf.Instruction {
	return []cf.Instruction{aload(receiver), &cf.FieldInstruction{Kind: cf.GetField, Field: field}}
}

// hashCodeCode h = 31 * h + hash(field)，局部变量 1 保存 h，2 保存单个字段的哈希
func (r *RecordRewriter) hashCodeCode(fields []*graph.Field) *cf.Code {
	f := r.f
	objectHashCode := f.CreateMethod(f.ObjectType, "hashCode", f.CreateProto(f.IntType))
	insns := []cf.Instruction{iconst(0), &cf.Store{Type: cf.Int, Local: 1}}
	for _, field := range fields {
		var hash []cf.Instruction
		switch t := field.Type; {
		case t.IsReferenceType():
			isNull := cf.NewLabel()
			insns = append(insns, iconst(0), &cf.Store{Type: cf.Int, Local: 2})
			insns = append(insns, getField(0, field)...)
			insns = append(insns, &cf.If{Kind: cf.EQ, Type: cf.Object, Target: isNull})
			insns = append(insns, getField(0, field)...)
			insns = append(insns, &cf.Invoke{Kind: cf.InvokeVirtual, Method: objectHashCode}, &cf.Store{Type: cf.Int, Local: 2}, isNull)
			hash = []cf.Instruction{iload(2)}
		case t == f.BooleanType || t.IsWideType() || t == f.FloatType:
			boxed := boxedType(f, t)
			hash = append(getField(0, field), box(f, t),
				&cf.Invoke{Kind: cf.InvokeVirtual, Method: f.CreateMethod(boxed, "hashCode", f.CreateProto(f.IntType))})
		default:
			hash = getField(0, field)
		}
		insns = append(insns, iload(1), iconst(31), &cf.Arithmetic{Op: cf.Mul, Type: cf.Int})
		insns = append(insns, hash...)
		insns = append(insns, &cf.Arithmetic{Op: cf.Add, Type: cf.Int}, &cf.Store{Type: cf.Int, Local: 1})
	}
	insns = append(insns, iload(1), ireturn())
	return cf.NewCode(3, insns...)
}

// toStringCode Name[a=1, b=2]
func (r *RecordRewriter) toStringCode(record *graph.Class, fields []*graph.Field) *cf.Code {
	f := r.f
	appendString := appendMethod(f, f.StringType)
	insns := newStringBuilder(f)
	literal := record.Type.SimpleName() + "["
	for i, field := range fields {
		if i > 0 {
			literal += ", "
		}
		literal += field.Name + "="
		insns = append(insns, &cf.ConstString{Value: literal}, &cf.Invoke{Kind: cf.InvokeVirtual, Method: appendString})
		insns = append(insns, getField(0, field)...)
		insns = append(insns, &cf.Invoke{Kind: cf.InvokeVirtual, Method: appendMethod(f, field.Type)})
		literal = ""
	}
	insns = append(insns,
		&cf.ConstString{Value: literal + "]"},
		&cf.Invoke{Kind: cf.InvokeVirtual, Method: appendString},
		stringBuilderToString(f),
		&cf.Return{Type: cf.Object},
	)
	return cf.NewCode(1, insns...)
}

// equalsCode 同一对象返回 true；类型不同返回 false；否则逐个字段比较，局部变量 2 保存转换后的另一个对象
func (r *RecordRewriter) equalsCode(record *graph.Class, fields []*graph.Field) *cf.Code {
	f := r.f
	objectEquals := f.CreateMethod(f.ObjectType, "equals", f.CreateProto(f.BooleanType, f.ObjectType))
	notSame, notEqual := cf.NewLabel(), cf.NewLabel()
	insns := []cf.Instruction{
		aload(0), aload(1), &cf.IfCmp{Kind: cf.NE, Type: cf.Object, Target: notSame},
		iconst(1), ireturn(),
		notSame, aload(1), &cf.InstanceOf{Type: record.Type}, &cf.If{Kind: cf.EQ, Type: cf.Int, Target: notEqual},
		aload(1), &cf.CheckCast{Type: record.Type}, &cf.Store{Type: cf.Object, Local: 2},
	}
	for _, field := range fields {
		t := field.Type
		switch {
		case t.IsReferenceType():
			next := cf.NewLabel()
			insns = append(insns, getField(0, field)...)
			insns = append(insns, getField(2, field)...)
			insns = append(insns, &cf.IfCmp{Kind: cf.EQ, Type: cf.Object, Target: next})
			insns = append(insns, getField(0, field)...)
			insns = append(insns, &cf.If{Kind: cf.EQ, Type: cf.Object, Target: notEqual})
			insns = append(insns, getField(0, field)...)
			insns = append(insns, getField(2, field)...)
			insns = append(insns, &cf.Invoke{Kind: cf.InvokeVirtual, Method: objectEquals}, &cf.If{Kind: cf.EQ, Type: cf.Int, Target: notEqual}, next)
		case t.IsWideType() || t == f.FloatType:
			// 包装类型的 equals 按位比较，与 record 对浮点字段的语义一致
			insns = append(insns, getField(0, field)...)
			insns = append(insns, box(f, t))
			insns = append(insns, getField(2, field)...)
			insns = append(insns, box(f, t), &cf.Invoke{Kind: cf.InvokeVirtual, Method: objectEquals}, &cf.If{Kind: cf.EQ, Type: cf.Int, Target: notEqual})
		default:
			insns = append(insns, getField(0, field)...)
			insns = append(insns, getField(2, field)...)
			insns = append(insns, &cf.IfCmp{Kind: cf.NE, Type: cf.Int, Target: notEqual})
		}
	}
	insns = append(insns, iconst(1), ireturn(), notEqual, iconst(0), ireturn())
	return cf.NewCode(3, insns...)
}
