package ir

import (
	"strconv"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/lattice"
)

// ============================================================================
// SSA 值
// ============================================================================

// Value SSA 值：由一条指令或一个 phi 定义，记录所有使用者
type Value struct {
	Number     int
	definition *Instruction
	phi        *Phi
	users      []*Instruction
	phiUsers   []*Phi
	typ        lattice.Element
}

// Definition 定义该值的指令，phi 定义时为 nil
func (v *Value) Definition() *Instruction { return v.definition }

// IsPhi 是否由 phi 定义
func (v *Value) IsPhi() bool { return v.phi != nil }

// Phi 定义该值的 phi
func (v *Value) Phi() *Phi { return v.phi }

// IsArgument 是否为方法参数
func (v *Value) IsArgument() bool {
	return v.definition != nil && v.definition.Opcode == IR_ARGUMENT
}

// IsThis 是否为实例方法的 receiver
func (v *Value) IsThis() bool {
	return v.IsArgument() && v.definition.Receiver
}

// Type 缓存的格类型
func (v *Value) Type() lattice.Element {
	if v.typ == nil {
		return lattice.Bottom()
	}
	return v.typ
}

// SetType 更新缓存类型
func (v *Value) SetType(t lattice.Element) { v.typ = t }

// IsNeverNull 类型表明一定非 null
func (v *Value) IsNeverNull() bool {
	t := v.Type()
	return t.IsReference() && t.Nullability().IsDefinitelyNotNull()
}

// Users 指令使用者（副本）
func (v *Value) Users() []*Instruction {
	return append([]*Instruction(nil), v.users...)
}

// PhiUsers phi 使用者（副本）
func (v *Value) PhiUsers() []*Phi {
	return append([]*Phi(nil), v.phiUsers...)
}

// NumberOfAllUsers 指令与 phi 使用者总数
func (v *Value) NumberOfAllUsers() int {
	return len(v.users) + len(v.phiUsers)
}

// HasUsers 是否还有使用者
func (v *Value) HasUsers() bool {
	return v.NumberOfAllUsers() > 0
}

func (v *Value) String() string {
	return "v" + strconv.Itoa(v.Number)
}

func (v *Value) addUser(i *Instruction) {
	for _, u := range v.users {
		if u == i {
			return
		}
	}
	v.users = append(v.users, i)
}

func (v *Value) removeUser(i *Instruction) {
	for k, u := range v.users {
		if u == i {
			v.users = append(v.users[:k], v.users[k+1:]...)
			return
		}
	}
}

func (v *Value) addPhiUser(p *Phi) {
	for _, u := range v.phiUsers {
		if u == p {
			return
		}
	}
	v.phiUsers = append(v.phiUsers, p)
}

func (v *Value) removePhiUser(p *Phi) {
	for k, u := range v.phiUsers {
		if u == p {
			v.phiUsers = append(v.phiUsers[:k], v.phiUsers[k+1:]...)
			return
		}
	}
}

// ReplaceUsers 把所有使用者改为使用 newValue
func (v *Value) ReplaceUsers(newValue *Value) {
	v.ReplaceSelectedUsers(newValue, nil, nil)
}

// ReplaceSelectedUsers 只替换被选中的使用者；选择函数为 nil 表示全部
// phi 的选择按操作数下标进行
func (v *Value) ReplaceSelectedUsers(newValue *Value, users func(*Instruction) bool, phiOperands func(*Phi, int) bool) {
	diagnostic.Assert(v != newValue, "cannot replace %s with itself", v)
	for _, user := range v.Users() {
		if users == nil || users(user) {
			user.ReplaceValue(v, newValue)
		}
	}
	for _, phi := range v.PhiUsers() {
		for k, operand := range phi.operands {
			if operand == v && (phiOperands == nil || phiOperands(phi, k)) {
				phi.SetOperand(k, newValue)
			}
		}
	}
}

// ============================================================================
// Phi
// ============================================================================

// Phi 块头部的 phi，第 k 个操作数对应第 k 个前驱
type Phi struct {
	out      *Value
	block    *BasicBlock
	operands []*Value
	// Local 构建时对应的局部变量槽
	Local int
}

// Out 定义的值
func (p *Phi) Out() *Value { return p.out }

// Block 所在块
func (p *Phi) Block() *BasicBlock { return p.block }

// Operands 操作数（只读）
func (p *Phi) Operands() []*Value { return p.operands }

// Operand 第 k 个操作数
func (p *Phi) Operand(k int) *Value { return p.operands[k] }

// SetOperand 设置操作数并维护使用者
func (p *Phi) SetOperand(k int, v *Value) {
	old := p.operands[k]
	p.operands[k] = v
	if old != nil && !p.uses(old) {
		old.removePhiUser(p)
	}
	if v != nil {
		v.addPhiUser(p)
	}
}

func (p *Phi) uses(v *Value) bool {
	for _, o := range p.operands {
		if o == v {
			return true
		}
	}
	return false
}

// removeOperand 删除第 k 个操作数（前驱被删除时）
func (p *Phi) removeOperand(k int) {
	old := p.operands[k]
	p.operands = append(p.operands[:k], p.operands[k+1:]...)
	if old != nil && !p.uses(old) {
		old.removePhiUser(p)
	}
}

// detach 删除 phi 前断开所有操作数
func (p *Phi) detach() {
	for _, o := range p.operands {
		if o != nil {
			o.removePhiUser(p)
		}
	}
	p.operands = nil
}

// TrivialOperand 除自身外所有操作数都相同时返回该操作数
func (p *Phi) TrivialOperand() *Value {
	var same *Value
	for _, o := range p.operands {
		if o == p.out || o == same {
			continue
		}
		if same != nil || o == nil {
			return nil
		}
		same = o
	}
	return same
}

func (p *Phi) String() string {
	s := p.out.String() + " <- Phi("
	for k, o := range p.operands {
		if k > 0 {
			s += ", "
		}
		if o == nil {
			s += "_"
		} else {
			s += o.String()
		}
	}
	return s + ")"
}
