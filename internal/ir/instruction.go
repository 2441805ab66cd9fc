// instruction.go - IR 指令定义
//
// 指令是按操作码区分的封闭变体：每条指令只携带自己操作码需要的载荷，
// 拥有有序的输入列表，最多定义一个输出值，并且恰好属于一个基本块。
package ir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 操作码
// ============================================================================

// Opcode IR 操作码
type Opcode int

const (
	IR_ARGUMENT Opcode = iota

	// 常量
	IR_CONST_NUMBER
	IR_CONST_NULL
	IR_CONST_STRING
	IR_CONST_CLASS

	// 非空标记
	IR_ASSUME_NON_NULL

	// 调用
	IR_INVOKE_VIRTUAL
	IR_INVOKE_INTERFACE
	IR_INVOKE_STATIC
	IR_INVOKE_DIRECT
	IR_INVOKE_SUPER
	IR_INVOKE_CUSTOM

	// 字段
	IR_INSTANCE_GET
	IR_INSTANCE_PUT
	IR_STATIC_GET
	IR_STATIC_PUT

	// 类型与对象
	IR_CHECK_CAST
	IR_INSTANCE_OF
	IR_NEW_INSTANCE

	// 数组
	IR_NEW_ARRAY
	IR_ARRAY_LENGTH
	IR_ARRAY_GET
	IR_ARRAY_PUT

	// 算术
	IR_BINOP

	// 控制流
	IR_IF
	IR_GOTO
	IR_RETURN
	IR_THROW
)

var opcodeNames = [...]string{
	IR_ARGUMENT:         "Argument",
	IR_CONST_NUMBER:     "ConstNumber",
	IR_CONST_NULL:       "ConstNull",
	IR_CONST_STRING:     "ConstString",
	IR_CONST_CLASS:      "ConstClass",
	IR_ASSUME_NON_NULL:  "AssumeNonNull",
	IR_INVOKE_VIRTUAL:   "InvokeVirtual",
	IR_INVOKE_INTERFACE: "InvokeInterface",
	IR_INVOKE_STATIC:    "InvokeStatic",
	IR_INVOKE_DIRECT:    "InvokeDirect",
	IR_INVOKE_SUPER:     "InvokeSuper",
	IR_INVOKE_CUSTOM:    "InvokeCustom",
	IR_INSTANCE_GET:     "InstanceGet",
	IR_INSTANCE_PUT:     "InstancePut",
	IR_STATIC_GET:       "StaticGet",
	IR_STATIC_PUT:       "StaticPut",
	IR_CHECK_CAST:       "CheckCast",
	IR_INSTANCE_OF:      "InstanceOf",
	IR_NEW_INSTANCE:     "NewInstance",
	IR_NEW_ARRAY:        "NewArray",
	IR_ARRAY_LENGTH:     "ArrayLength",
	IR_ARRAY_GET:        "ArrayGet",
	IR_ARRAY_PUT:        "ArrayPut",
	IR_BINOP:            "Binop",
	IR_IF:               "If",
	IR_GOTO:             "Goto",
	IR_RETURN:           "Return",
	IR_THROW:            "Throw",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "Opcode(" + strconv.Itoa(int(op)) + ")"
}

// IsInvoke 是否为调用
func (op Opcode) IsInvoke() bool {
	return op >= IR_INVOKE_VIRTUAL && op <= IR_INVOKE_CUSTOM
}

// IsJump 是否为块终结指令
func (op Opcode) IsJump() bool {
	return op == IR_IF || op == IR_GOTO || op == IR_RETURN || op == IR_THROW
}

// ============================================================================
// 指令
// ============================================================================

// Instruction IR 指令
type Instruction struct {
	Opcode Opcode

	inValues []*Value
	out      *Value
	block    *BasicBlock

	// 载荷：各操作码只使用其中一部分
	Method      *graph.Method // 调用
	Itf         bool          // 调用引用是否为接口方法引用
	CallSite    *cf.CallSite  // InvokeCustom
	Field       *graph.Field  // 字段访问
	Type        *graph.Type   // CheckCast/InstanceOf/NewInstance/NewArray/ConstClass/Argument
	Number      int64         // ConstNumber
	StringValue string        // ConstString
	NumType     cf.ValueType  // ConstNumber/Binop/ArrayGet/ArrayPut
	Arith       cf.ArithOp    // Binop
	Cond        cf.IfKind     // If
	Index       int           // Argument 序号
	Receiver    bool          // Argument 是否为 receiver
}

// newInstruction 创建指令并登记使用者与定义
func newInstruction(op Opcode, out *Value, in ...*Value) *Instruction {
	insn := &Instruction{Opcode: op, inValues: in}
	for _, v := range in {
		diagnostic.Assert(v != nil, "nil input for %s", op)
		v.addUser(insn)
	}
	if out != nil {
		diagnostic.Assert(out.definition == nil && out.phi == nil, "value %s already defined", out)
		out.definition = insn
		insn.out = out
	}
	return insn
}

// NewAssumeNonNull out = AssumeNonNull(src)
func NewAssumeNonNull(out, src *Value) *Instruction {
	return newInstruction(IR_ASSUME_NON_NULL, out, src)
}

// NewGoto 无条件跳转
func NewGoto() *Instruction {
	return newInstruction(IR_GOTO, nil)
}

// NewConstNumber 数值常量
func NewConstNumber(out *Value, t cf.ValueType, n int64) *Instruction {
	insn := newInstruction(IR_CONST_NUMBER, out)
	insn.NumType = t
	insn.Number = n
	return insn
}

// NewInvoke 调用
func NewInvoke(op Opcode, method *graph.Method, out *Value, args ...*Value) *Instruction {
	insn := newInstruction(op, out, args...)
	insn.Method = method
	return insn
}

// Clone 以新的输出与输入复制指令载荷
func (i *Instruction) Clone(out *Value, in []*Value) *Instruction {
	clone := newInstruction(i.Opcode, out, in...)
	clone.Method = i.Method
	clone.Itf = i.Itf
	clone.CallSite = i.CallSite
	clone.Field = i.Field
	clone.Type = i.Type
	clone.Number = i.Number
	clone.StringValue = i.StringValue
	clone.NumType = i.NumType
	clone.Arith = i.Arith
	clone.Cond = i.Cond
	clone.Index = i.Index
	clone.Receiver = i.Receiver
	return clone
}

// Inputs 输入（只读）
func (i *Instruction) Inputs() []*Value { return i.inValues }

// InValue 第 k 个输入
func (i *Instruction) InValue(k int) *Value { return i.inValues[k] }

// Out 输出值
func (i *Instruction) Out() *Value { return i.out }

// Block 所在块
func (i *Instruction) Block() *BasicBlock { return i.block }

// IsJump 是否为块终结指令
func (i *Instruction) IsJump() bool { return i.Opcode.IsJump() }

// ReplaceValue 把输入中的 old 全部替换为 v
func (i *Instruction) ReplaceValue(old, v *Value) {
	replaced := false
	for k, in := range i.inValues {
		if in == old {
			i.inValues[k] = v
			replaced = true
		}
	}
	if replaced {
		old.removeUser(i)
		v.addUser(i)
	}
}

// detach 从输入的使用者中移除
func (i *Instruction) detach() {
	for _, in := range i.inValues {
		in.removeUser(i)
	}
}

// NonNullInput 对 null 输入会抛异常的指令返回该输入
func (i *Instruction) NonNullInput() *Value {
	switch i.Opcode {
	case IR_INSTANCE_GET, IR_INSTANCE_PUT, IR_ARRAY_LENGTH, IR_ARRAY_GET, IR_ARRAY_PUT,
		IR_INVOKE_VIRTUAL, IR_INVOKE_INTERFACE, IR_INVOKE_DIRECT, IR_INVOKE_SUPER:
		return i.inValues[0]
	}
	return nil
}

// ThrowsOnNullInput 对 null 输入是否一定抛出异常
func (i *Instruction) ThrowsOnNullInput() bool {
	return i.NonNullInput() != nil
}

// CanThrow 是否可能抛出异常
func (i *Instruction) CanThrow() bool {
	switch i.Opcode {
	case IR_ARGUMENT, IR_CONST_NUMBER, IR_CONST_NULL, IR_CONST_STRING,
		IR_ASSUME_NON_NULL, IR_GOTO, IR_IF, IR_RETURN, IR_INSTANCE_OF:
		return false
	case IR_BINOP:
		return i.Arith.CanThrow(i.NumType)
	}
	return true
}

// HasSideEffects 删除后是否会改变程序行为
func (i *Instruction) HasSideEffects() bool {
	if i.IsJump() || i.Opcode == IR_ARGUMENT {
		return true
	}
	return i.CanThrow() || i.Opcode.IsInvoke() ||
		i.Opcode == IR_INSTANCE_PUT || i.Opcode == IR_STATIC_PUT || i.Opcode == IR_ARRAY_PUT
}

func (i *Instruction) String() string {
	var sb strings.Builder
	if i.out != nil {
		sb.WriteString(i.out.String())
		sb.WriteString(" <- ")
	}
	sb.WriteString(i.Opcode.String())
	for k, in := range i.inValues {
		if k == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(in.String())
	}
	if payload := i.payloadString(); payload != "" {
		sb.WriteString("; ")
		sb.WriteString(payload)
	}
	return sb.String()
}

func (i *Instruction) payloadString() string {
	switch i.Opcode {
	case IR_ARGUMENT:
		return fmt.Sprintf("%d %s", i.Index, i.Type.Descriptor())
	case IR_CONST_NUMBER:
		return strconv.FormatInt(i.Number, 10)
	case IR_CONST_STRING:
		return strconv.Quote(i.StringValue)
	case IR_CONST_CLASS, IR_CHECK_CAST, IR_INSTANCE_OF, IR_NEW_INSTANCE, IR_NEW_ARRAY:
		return i.Type.Descriptor()
	case IR_INSTANCE_GET, IR_INSTANCE_PUT, IR_STATIC_GET, IR_STATIC_PUT:
		return i.Field.String()
	case IR_INVOKE_CUSTOM:
		return i.CallSite.MethodName + i.CallSite.MethodProto.Descriptor()
	case IR_BINOP:
		return i.Arith.String()
	case IR_IF:
		s := i.Cond.String()
		if len(i.inValues) == 1 {
			s += "z"
		}
		if i.block != nil && len(i.block.succs) == 2 {
			s += fmt.Sprintf(" -> block %d, else block %d", i.block.succs[0].Number, i.block.succs[1].Number)
		}
		return s
	case IR_GOTO:
		if i.block != nil && len(i.block.succs) == 1 {
			return fmt.Sprintf("block %d", i.block.succs[0].Number)
		}
	}
	if i.Opcode.IsInvoke() {
		return i.Method.String()
	}
	return ""
}
