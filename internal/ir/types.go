package ir

import (
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/lattice"
)

// ============================================================================
// 类型分析
// ============================================================================

// normalizedElement 与 FromType 相同，但 boolean/byte/short/char 统一为 int
func normalizedElement(l *lattice.Lattice, t *graph.Type, n lattice.Nullability) lattice.Element {
	if t.IsPrimitiveType() {
		return primitiveElement(l, cf.ValueTypeFor(t))
	}
	return l.FromType(t, n)
}

func primitiveElement(l *lattice.Lattice, kind cf.ValueType) lattice.Element {
	f := l.AppInfo().Factory()
	switch kind {
	case cf.Long:
		return lattice.PrimitiveElement{Type: f.LongType}
	case cf.Float:
		return lattice.PrimitiveElement{Type: f.FloatType}
	case cf.Double:
		return lattice.PrimitiveElement{Type: f.DoubleType}
	case cf.Object:
		return l.FromType(f.ObjectType, lattice.MaybeNull)
	}
	return lattice.PrimitiveElement{Type: f.IntType}
}

// TypeAnalysis 重新计算所有输出值的类型直到不动点；参数类型保持创建时的值
func TypeAnalysis(code *Code) {
	l := code.Lattice()
	for _, v := range allValues(code) {
		if !v.IsArgument() {
			v.SetType(lattice.Bottom())
		}
	}
	order := code.ComputeDominators().ReversePostOrder()
	for changed := true; changed; {
		changed = false
		for _, block := range order {
			for _, phi := range block.phis {
				t := lattice.Bottom()
				for _, o := range phi.operands {
					t = l.Join(t, o.Type())
				}
				if !t.Equal(phi.out.Type()) {
					phi.out.SetType(t)
					changed = true
				}
			}
			for _, insn := range block.instructions {
				if insn.out == nil || insn.Opcode == IR_ARGUMENT {
					continue
				}
				t := ComputeOutType(l, insn)
				if !t.Equal(insn.out.Type()) {
					insn.out.SetType(t)
					changed = true
				}
			}
		}
	}
}

// ComputeOutType 根据操作码与输入类型计算输出类型
func ComputeOutType(l *lattice.Lattice, insn *Instruction) lattice.Element {
	f := l.AppInfo().Factory()
	switch insn.Opcode {
	case IR_ARGUMENT:
		return insn.out.Type()
	case IR_CONST_NUMBER:
		return primitiveElement(l, insn.NumType)
	case IR_CONST_NULL:
		return lattice.Null()
	case IR_CONST_STRING:
		return l.FromType(f.StringType, lattice.DefinitelyNotNull)
	case IR_CONST_CLASS:
		return l.FromType(f.ClassType, lattice.DefinitelyNotNull)
	case IR_ASSUME_NON_NULL:
		return lattice.AsNonNull(insn.inValues[0].Type())
	case IR_INVOKE_CUSTOM:
		return normalizedElement(l, insn.CallSite.MethodProto.Return, lattice.MaybeNull)
	case IR_INSTANCE_GET, IR_STATIC_GET:
		return normalizedElement(l, insn.Field.Type, lattice.MaybeNull)
	case IR_CHECK_CAST:
		in := insn.inValues[0].Type()
		if _, isNull := in.(lattice.NullElement); isNull {
			return in
		}
		return l.FromType(insn.Type, in.Nullability())
	case IR_INSTANCE_OF, IR_ARRAY_LENGTH:
		return lattice.PrimitiveElement{Type: f.IntType}
	case IR_NEW_INSTANCE, IR_NEW_ARRAY:
		return l.FromType(insn.Type, lattice.DefinitelyNotNull)
	case IR_ARRAY_GET:
		if arr, ok := insn.inValues[0].Type().(lattice.ArrayElement); ok {
			if p, ok := arr.Member.(lattice.PrimitiveElement); ok {
				return normalizedElement(l, p.Type, lattice.MaybeNull)
			}
			if insn.NumType == cf.Object {
				return lattice.WithNullability(arr.Member, lattice.MaybeNull)
			}
		}
		return primitiveElement(l, insn.NumType)
	case IR_BINOP:
		return primitiveElement(l, insn.NumType)
	}
	if insn.Opcode.IsInvoke() {
		return normalizedElement(l, insn.Method.Proto.Return, lattice.MaybeNull)
	}
	return lattice.Bottom()
}

// allValues 方法中定义的所有值
func allValues(code *Code) []*Value {
	var values []*Value
	for _, b := range code.blocks {
		for _, phi := range b.phis {
			values = append(values, phi.out)
		}
		for _, insn := range b.instructions {
			if insn.out != nil {
				values = append(values, insn.out)
			}
		}
	}
	return values
}

// ValueKind 值在类文件中的类别：基本类型按宽度区分，其余（含 bottom）都是引用
func ValueKind(v *Value) cf.ValueType {
	if p, ok := v.Type().(lattice.PrimitiveElement); ok {
		return cf.ValueTypeFor(p.Type)
	}
	return cf.Object
}
