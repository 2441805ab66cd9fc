// Package cf 定义类文件（栈式）指令模型
// 指令是封闭的变体集合：所有实现都在本包内，用类型 switch 区分
package cf

import (
	"fmt"
	"strconv"

	"go.uber.org/atomic"

	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 基础枚举
// ============================================================================

// ValueType 栈上与局部变量中的值类别
type ValueType int

const (
	Int ValueType = iota
	Long
	Float
	Double
	Object
	Void
)

// Size 占用的槽数
func (v ValueType) Size() int {
	switch v {
	case Long, Double:
		return 2
	case Void:
		return 0
	default:
		return 1
	}
}

func (v ValueType) prefix() string {
	switch v {
	case Int:
		return "i"
	case Long:
		return "l"
	case Float:
		return "f"
	case Double:
		return "d"
	case Object:
		return "a"
	default:
		return ""
	}
}

// ValueTypeFor 类型对应的值类别
func ValueTypeFor(t *graph.Type) ValueType {
	switch t.Descriptor() {
	case "Z", "B", "S", "C", "I":
		return Int
	case "J":
		return Long
	case "F":
		return Float
	case "D":
		return Double
	case "V":
		return Void
	default:
		return Object
	}
}

// InvokeKind 调用类别
type InvokeKind int

const (
	InvokeVirtual InvokeKind = iota
	InvokeInterface
	InvokeStatic
	InvokeSpecial
)

func (k InvokeKind) String() string {
	switch k {
	case InvokeVirtual:
		return "invokevirtual"
	case InvokeInterface:
		return "invokeinterface"
	case InvokeStatic:
		return "invokestatic"
	default:
		return "invokespecial"
	}
}

// FieldKind 字段访问类别
type FieldKind int

const (
	GetField FieldKind = iota
	PutField
	GetStatic
	PutStatic
)

func (k FieldKind) String() string {
	switch k {
	case GetField:
		return "getfield"
	case PutField:
		return "putfield"
	case GetStatic:
		return "getstatic"
	default:
		return "putstatic"
	}
}

// IfKind 条件
type IfKind int

const (
	EQ IfKind = iota
	NE
	LT
	GE
	GT
	LE
)

var ifNames = [...]string{"eq", "ne", "lt", "ge", "gt", "le"}

func (k IfKind) String() string { return ifNames[k] }

// Negate 取反条件
func (k IfKind) Negate() IfKind {
	switch k {
	case EQ:
		return NE
	case NE:
		return EQ
	case LT:
		return GE
	case GE:
		return LT
	case GT:
		return LE
	default:
		return GT
	}
}

// ArithOp 算术运算
type ArithOp int

const (
	Add ArithOp = iota
	Sub
	Mul
	Div
	Rem
	And
	Or
	Xor
)

var arithNames = [...]string{"add", "sub", "mul", "div", "rem", "and", "or", "xor"}

func (op ArithOp) String() string { return arithNames[op] }

// CanThrow 整数除零会抛异常
func (op ArithOp) CanThrow(t ValueType) bool {
	return (op == Div || op == Rem) && (t == Int || t == Long)
}

// StackOp 栈操作
type StackOp int

const (
	Pop StackOp = iota
	Pop2
	Dup
	Swap
)

var stackNames = [...]string{"pop", "pop2", "dup", "swap"}

func (op StackOp) String() string { return stackNames[op] }

// ============================================================================
// 指令
// ============================================================================

// Instruction 类文件指令
type Instruction interface {
	fmt.Stringer
	cfInstruction()
}

// Label 跳转目标，本身也占一个指令位置
// 标签按指针区分，id 保证每个标签有自己的地址
type Label struct {
	id int64
}

// ConstNull aconst_null
type ConstNull struct{}

// ConstNumber 数值常量
type ConstNumber struct {
	Type  ValueType
	Value int64
}

// ConstString 字符串常量
type ConstString struct {
	Value string
}

// ConstClass 类常量
type ConstClass struct {
	Type *graph.Type
}

// Load 读局部变量
type Load struct {
	Type  ValueType
	Local int
}

// Store 写局部变量
type Store struct {
	Type  ValueType
	Local int
}

// Invoke 方法调用
type Invoke struct {
	Kind   InvokeKind
	Method *graph.Method
	Itf    bool // 引用是否为接口方法引用
}

// CallSite invokedynamic 调用点
type CallSite struct {
	Bootstrap   *graph.Method
	MethodName  string
	MethodProto *graph.Proto

	// LambdaMetafactory
	Implementation     *graph.Method
	ImplementationKind InvokeKind
	InterfaceProto     *graph.Proto

	// StringConcatFactory，\u0001 表示参数，\u0002 表示常量；
	// ObjectMethods 中为以 ; 分隔的字段名
	Recipe    string
	Constants []string
}

// InvokeDynamic invokedynamic
type InvokeDynamic struct {
	CallSite *CallSite
}

// FieldInstruction 字段访问
type FieldInstruction struct {
	Kind  FieldKind
	Field *graph.Field
}

// CheckCast checkcast
type CheckCast struct {
	Type *graph.Type
}

// InstanceOf instanceof
type InstanceOf struct {
	Type *graph.Type
}

// New new
type New struct {
	Type *graph.Type
}

// NewArray 一维数组创建，Type 为数组类型
type NewArray struct {
	Type *graph.Type
}

// ArrayLength arraylength
type ArrayLength struct{}

// ArrayLoad xaload
type ArrayLoad struct {
	Type ValueType
}

// ArrayStore xastore
type ArrayStore struct {
	Type ValueType
}

// Arithmetic 二元算术
type Arithmetic struct {
	Op   ArithOp
	Type ValueType
}

// StackInstruction pop / dup / swap
type StackInstruction struct {
	Op StackOp
}

// If 与零（或 null）比较
type If struct {
	Kind   IfKind
	Type   ValueType // Int 或 Object
	Target *Label
}

// IfCmp 两个操作数比较
type IfCmp struct {
	Kind   IfKind
	Type   ValueType
	Target *Label
}

// Goto 无条件跳转
type Goto struct {
	Target *Label
}

// Return 返回，Void 表示无返回值
type Return struct {
	Type ValueType
}

// Throw athrow
type Throw struct{}

func (*Label) cfInstruction()            {}
func (*ConstNull) cfInstruction()        {}
func (*ConstNumber) cfInstruction()      {}
func (*ConstString) cfInstruction()      {}
func (*ConstClass) cfInstruction()       {}
func (*Load) cfInstruction()             {}
func (*Store) cfInstruction()            {}
func (*Invoke) cfInstruction()           {}
func (*InvokeDynamic) cfInstruction()    {}
func (*FieldInstruction) cfInstruction() {}
func (*CheckCast) cfInstruction()        {}
func (*InstanceOf) cfInstruction()       {}
func (*New) cfInstruction()              {}
func (*NewArray) cfInstruction()         {}
func (*ArrayLength) cfInstruction()      {}
func (*ArrayLoad) cfInstruction()        {}
func (*ArrayStore) cfInstruction()       {}
func (*Arithmetic) cfInstruction()       {}
func (*StackInstruction) cfInstruction() {}
func (*If) cfInstruction()               {}
func (*IfCmp) cfInstruction()            {}
func (*Goto) cfInstruction()             {}
func (*Return) cfInstruction()           {}
func (*Throw) cfInstruction()            {}

var labelIDs atomic.Int64

// NewLabel 创建标签，可并发调用
func NewLabel() *Label { return &Label{id: labelIDs.Inc()} }

func (i *Label) String() string     { return "label" }
func (i *ConstNull) String() string { return "aconst_null" }

func (i *ConstNumber) String() string {
	return i.Type.prefix() + "const " + strconv.FormatInt(i.Value, 10)
}

func (i *ConstString) String() string { return "ldc " + strconv.Quote(i.Value) }
func (i *ConstClass) String() string  { return "ldc " + i.Type.Descriptor() }

func (i *Load) String() string  { return fmt.Sprintf("%sload %d", i.Type.prefix(), i.Local) }
func (i *Store) String() string { return fmt.Sprintf("%sstore %d", i.Type.prefix(), i.Local) }

func (i *Invoke) String() string {
	s := i.Kind.String() + " " + i.Method.String()
	if i.Itf && i.Kind != InvokeInterface {
		s += " itf"
	}
	return s
}

func (i *InvokeDynamic) String() string {
	return fmt.Sprintf("invokedynamic %s%s bsm=%s", i.CallSite.MethodName, i.CallSite.MethodProto, i.CallSite.Bootstrap.Holder.Descriptor())
}

func (i *FieldInstruction) String() string { return i.Kind.String() + " " + i.Field.String() }
func (i *CheckCast) String() string        { return "checkcast " + i.Type.Descriptor() }
func (i *InstanceOf) String() string       { return "instanceof " + i.Type.Descriptor() }
func (i *New) String() string              { return "new " + i.Type.Descriptor() }
func (i *NewArray) String() string         { return "newarray " + i.Type.Descriptor() }
func (i *ArrayLength) String() string      { return "arraylength" }
func (i *ArrayLoad) String() string        { return i.Type.prefix() + "aload" }
func (i *ArrayStore) String() string       { return i.Type.prefix() + "astore" }
func (i *Arithmetic) String() string       { return i.Type.prefix() + i.Op.String() }
func (i *StackInstruction) String() string { return i.Op.String() }
func (i *If) String() string               { return formatJump(i, nil) }
func (i *IfCmp) String() string            { return formatJump(i, nil) }
func (i *Goto) String() string             { return formatJump(i, nil) }
func (i *Return) String() string           { return i.Type.prefix() + "return" }
func (i *Throw) String() string            { return "athrow" }

func formatJump(insn Instruction, names map[*Label]int) string {
	target := func(l *Label) string {
		if n, ok := names[l]; ok {
			return "L" + strconv.Itoa(n)
		}
		return "L?"
	}
	switch i := insn.(type) {
	case *If:
		if i.Type == Object {
			if i.Kind == EQ {
				return "ifnull " + target(i.Target)
			}
			return "ifnonnull " + target(i.Target)
		}
		return "if" + i.Kind.String() + " " + target(i.Target)
	case *IfCmp:
		return "if_" + i.Type.prefix() + "cmp" + i.Kind.String() + " " + target(i.Target)
	case *Goto:
		return "goto " + target(i.Target)
	}
	return insn.String()
}

// ============================================================================
// 指令属性
// ============================================================================

// JumpTarget 条件或无条件跳转的目标
func JumpTarget(insn Instruction) *Label {
	switch i := insn.(type) {
	case *If:
		return i.Target
	case *IfCmp:
		return i.Target
	case *Goto:
		return i.Target
	}
	return nil
}

// IsJump 是否结束一个基本块
func IsJump(insn Instruction) bool {
	switch insn.(type) {
	case *If, *IfCmp, *Goto, *Return, *Throw:
		return true
	}
	return false
}

// FallsThrough 是否可能落到下一条指令
func FallsThrough(insn Instruction) bool {
	switch insn.(type) {
	case *Goto, *Return, *Throw:
		return false
	}
	return true
}

// StackEffect 弹出与压入的槽数
func StackEffect(insn Instruction) (pop, push int) {
	switch i := insn.(type) {
	case *Label:
		return 0, 0
	case *ConstNull, *ConstString, *ConstClass, *New:
		return 0, 1
	case *ConstNumber:
		return 0, i.Type.Size()
	case *Load:
		return 0, i.Type.Size()
	case *Store:
		return i.Type.Size(), 0
	case *Invoke:
		pop = i.Method.Proto.ParameterSlots()
		if i.Kind != InvokeStatic {
			pop++
		}
		return pop, ValueTypeFor(i.Method.Proto.Return).Size()
	case *InvokeDynamic:
		proto := i.CallSite.MethodProto
		return proto.ParameterSlots(), ValueTypeFor(proto.Return).Size()
	case *FieldInstruction:
		size := ValueTypeFor(i.Field.Type).Size()
		switch i.Kind {
		case GetField:
			return 1, size
		case PutField:
			return 1 + size, 0
		case GetStatic:
			return 0, size
		default:
			return size, 0
		}
	case *CheckCast, *InstanceOf, *NewArray, *ArrayLength:
		return 1, 1
	case *ArrayLoad:
		return 2, i.Type.Size()
	case *ArrayStore:
		return 2 + i.Type.Size(), 0
	case *Arithmetic:
		return 2 * i.Type.Size(), i.Type.Size()
	case *StackInstruction:
		switch i.Op {
		case Pop:
			return 1, 0
		case Pop2:
			return 2, 0
		case Dup:
			return 1, 2
		default:
			return 2, 2
		}
	case *If:
		return i.Type.Size(), 0
	case *IfCmp:
		return 2 * i.Type.Size(), 0
	case *Goto:
		return 0, 0
	case *Return:
		return i.Type.Size(), 0
	case *Throw:
		return 1, 0
	}
	panic(fmt.Sprintf("unexpected cf instruction %T", insn))
}
