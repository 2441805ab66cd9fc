package desugar

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 合成方法体的辅助函数
// ============================================================================

var boxedNames = map[string]struct{ class, unbox string }{
	"Z": {"java/lang/Boolean", "booleanValue"},
	"B": {"java/lang/Byte", "byteValue"},
	"S": {"java/lang/Short", "shortValue"},
	"C": {"java/lang/Character", "charValue"},
	"I": {"java/lang/Integer", "intValue"},
	"J": {"java/lang/Long", "longValue"},
	"F": {"java/lang/Float", "floatValue"},
	"D": {"java/lang/Double", "doubleValue"},
}

// boxedType 原始类型对应的包装类型
func boxedType(f *graph.ItemFactory, t *graph.Type) *graph.Type {
	return f.CreateClassType(boxedNames[t.Descriptor()].class)
}

// box 把栈顶的原始值装箱
func box(f *graph.ItemFactory, t *graph.Type) cf.Instruction {
	boxed := boxedType(f, t)
	return &cf.Invoke{Kind: cf.InvokeStatic, Method: f.CreateMethod(boxed, "valueOf", f.CreateProto(boxed, t))}
}

// unbox 把栈顶的对象转换为原始值
func unbox(f *graph.ItemFactory, t *graph.Type) []cf.Instruction {
	boxed := boxedType(f, t)
	return []cf.Instruction{
		&cf.CheckCast{Type: boxed},
		&cf.Invoke{Kind: cf.InvokeVirtual, Method: f.CreateMethod(boxed, boxedNames[t.Descriptor()].unbox, f.CreateProto(t))},
	}
}

// adapt 把栈顶类型为 from 的值转换为 to
func adapt(f *graph.ItemFactory, from, to *graph.Type) []cf.Instruction {
	switch {
	case from == to || to.IsVoidType():
		return nil
	case from.IsPrimitiveType() && to.IsReferenceType():
		return []cf.Instruction{box(f, from)}
	case from.IsReferenceType() && to.IsPrimitiveType():
		return unbox(f, to)
	case from.IsReferenceType() && to.IsReferenceType() && to != f.ObjectType:
		return []cf.Instruction{&cf.CheckCast{Type: to}}
	}
	return nil
}

// loadArguments 依次读取参数，receiver 不为 nil 时先读 receiver
func loadArguments(receiver *graph.Type, params []*graph.Type) []cf.Instruction {
	var out []cf.Instruction
	local := 0
	if receiver != nil {
		out = append(out, &cf.Load{Type: cf.Object, Local: 0})
		local++
	}
	for _, p := range params {
		out = append(out, &cf.Load{Type: cf.ValueTypeFor(p), Local: local})
		local += p.RequiredRegisters()
	}
	return out
}

// argumentLocals 参数总槽数
func argumentLocals(receiver *graph.Type, params []*graph.Type) int {
	n := 0
	if receiver != nil {
		n++
	}
	for _, p := range params {
		n += p.RequiredRegisters()
	}
	return n
}

// returnFor 返回 t 类型值的指令
func returnFor(t *graph.Type) *cf.Return {
	return &cf.Return{Type: cf.ValueTypeFor(t)}
}

// discard 丢弃栈顶 t 类型的值
func discard(t *graph.Type) []cf.Instruction {
	switch cf.ValueTypeFor(t) {
	case cf.Void:
		return nil
	case cf.Long, cf.Double:
		return []cf.Instruction{&cf.StackInstruction{Op: cf.Pop2}}
	}
	return []cf.Instruction{&cf.StackInstruction{Op: cf.Pop}}
}

// forwardingCode 读取全部参数调用 target 并返回结果
func forwardingCode(receiver *graph.Type, params []*graph.Type, ret *graph.Type, call cf.Instruction) *cf.Code {
	insns := loadArguments(receiver, params)
	insns = append(insns, call, returnFor(ret))
	return cf.NewCode(argumentLocals(receiver, params), insns...)
}

// appendMethod StringBuilder.append 的重载
func appendMethod(f *graph.ItemFactory, t *graph.Type) *graph.Method {
	param := f.ObjectType
	switch t.Descriptor() {
	case "Z", "C", "I", "J", "F", "D":
		param = t
	case "B", "S":
		param = f.IntType
	default:
		if t == f.StringType {
			param = t
		}
	}
	return f.CreateMethod(f.StringBuilderType, "append", f.CreateProto(f.StringBuilderType, param))
}

// newStringBuilder new StringBuilder; dup; invokespecial <init>()V
func newStringBuilder(f *graph.ItemFactory) []cf.Instruction {
	return []cf.Instruction{
		&cf.New{Type: f.StringBuilderType},
		&cf.StackInstruction{Op: cf.Dup},
		&cf.Invoke{Kind: cf.InvokeSpecial, Method: f.CreateMethod(f.StringBuilderType, graph.ConstructorMethodName, f.CreateProto(f.VoidType))},
	}
}

// stringBuilderToString invokevirtual StringBuilder.toString()
func stringBuilderToString(f *graph.ItemFactory) cf.Instruction {
	return &cf.Invoke{Kind: cf.InvokeVirtual, Method: f.CreateMethod(f.StringBuilderType, "toString", f.CreateProto(f.StringType))}
}
