// Package graph 定义程序模型：类型、方法与字段引用、类定义、类层次和合成项
package graph

import (
	"fmt"
	"strings"
)

// ============================================================================
// 类型
// ============================================================================

// Type 由 ItemFactory 驻留的类型，可直接用指针比较
type Type struct {
	descriptor string
	factory    *ItemFactory
}

// Descriptor 返回类型描述符，例如 Ljava/lang/Object;
func (t *Type) Descriptor() string {
	return t.descriptor
}

// ContextType 类型引用的上下文就是类型本身
func (t *Type) ContextType() *Type {
	return t
}

// IsClassType 是否为类或接口类型
func (t *Type) IsClassType() bool {
	return t.descriptor[0] == 'L'
}

// IsArrayType 是否为数组类型
func (t *Type) IsArrayType() bool {
	return t.descriptor[0] == '['
}

// IsReferenceType 类或数组
func (t *Type) IsReferenceType() bool {
	return t.IsClassType() || t.IsArrayType()
}

// IsVoidType 是否为 void
func (t *Type) IsVoidType() bool {
	return t.descriptor == "V"
}

// IsPrimitiveType 是否为基本类型
func (t *Type) IsPrimitiveType() bool {
	return len(t.descriptor) == 1 && t.descriptor != "V"
}

// IsWideType long 或 double
func (t *Type) IsWideType() bool {
	return t.descriptor == "J" || t.descriptor == "D"
}

// RequiredRegisters 局部变量槽数
func (t *Type) RequiredRegisters() int {
	if t.IsWideType() {
		return 2
	}
	return 1
}

// ArrayDimensions 数组维数
func (t *Type) ArrayDimensions() int {
	n := 0
	for n < len(t.descriptor) && t.descriptor[n] == '[' {
		n++
	}
	return n
}

// ElementType 去掉一层数组后的类型
func (t *Type) ElementType() *Type {
	if !t.IsArrayType() {
		return nil
	}
	return t.factory.CreateType(t.descriptor[1:])
}

// BaseType 去掉所有数组维数后的类型
func (t *Type) BaseType() *Type {
	return t.factory.CreateType(t.descriptor[t.ArrayDimensions():])
}

// InternalName 类的内部名，例如 java/lang/Object
func (t *Type) InternalName() string {
	if t.IsClassType() {
		return t.descriptor[1 : len(t.descriptor)-1]
	}
	return t.descriptor
}

// Package 类所在的包，例如 java/lang
func (t *Type) Package() string {
	name := t.InternalName()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

// SimpleName 不带包名的类名
func (t *Type) SimpleName() string {
	name := t.InternalName()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// String 返回 Java 源码形式的名字
func (t *Type) String() string {
	switch {
	case t.IsArrayType():
		return t.ElementType().String() + "[]"
	case t.IsClassType():
		return strings.ReplaceAll(t.InternalName(), "/", ".")
	}
	switch t.descriptor {
	case "Z":
		return "boolean"
	case "B":
		return "byte"
	case "S":
		return "short"
	case "C":
		return "char"
	case "I":
		return "int"
	case "J":
		return "long"
	case "F":
		return "float"
	case "D":
		return "double"
	case "V":
		return "void"
	}
	return t.descriptor
}

// ============================================================================
// 方法原型
// ============================================================================

// Proto 方法原型：返回类型和参数类型
type Proto struct {
	Return     *Type
	Parameters []*Type
	descriptor string
}

// Descriptor 返回方法描述符，例如 (ILjava/lang/String;)V
func (p *Proto) Descriptor() string {
	return p.descriptor
}

// ParameterSlots 参数占用的局部变量槽数（不含 receiver）
func (p *Proto) ParameterSlots() int {
	n := 0
	for _, param := range p.Parameters {
		n += param.RequiredRegisters()
	}
	return n
}

// Mentions 原型中是否出现满足条件的类型
func (p *Proto) Mentions(pred func(*Type) bool) bool {
	if pred(p.Return.BaseType()) {
		return true
	}
	for _, param := range p.Parameters {
		if pred(param.BaseType()) {
			return true
		}
	}
	return false
}

func (p *Proto) String() string {
	return p.descriptor
}

func protoDescriptor(ret *Type, params []*Type) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, param := range params {
		sb.WriteString(param.descriptor)
	}
	sb.WriteByte(')')
	sb.WriteString(ret.descriptor)
	return sb.String()
}

// ============================================================================
// 成员引用
// ============================================================================

// Reference 类型、方法或字段引用
type Reference interface {
	ContextType() *Type
	String() string
}

// Member 方法或字段引用
type Member interface {
	Reference
	HolderType() *Type
	MemberName() string
	// WithHolder 返回换了持有者的同名同签名引用
	WithHolder(holder *Type) Member
}

// Method 方法引用
type Method struct {
	Holder *Type
	Name   string
	Proto  *Proto
	key    string
}

func (m *Method) ContextType() *Type { return m.Holder }
func (m *Method) HolderType() *Type  { return m.Holder }
func (m *Method) MemberName() string { return m.Name }

// WithHolder 换持有者
func (m *Method) WithHolder(holder *Type) Member {
	return m.Holder.factory.CreateMethod(holder, m.Name, m.Proto)
}

// MethodWithHolder 换持有者，返回 *Method
func (m *Method) MethodWithHolder(holder *Type) *Method {
	return m.Holder.factory.CreateMethod(holder, m.Name, m.Proto)
}

// Match 名字与原型都相同
func (m *Method) Match(other *Method) bool {
	return m.Name == other.Name && m.Proto == other.Proto
}

// IsInstanceInitializer 是否为 <init>
func (m *Method) IsInstanceInitializer() bool {
	return m.Name == ConstructorMethodName
}

// IsClassInitializer 是否为 <clinit>
func (m *Method) IsClassInitializer() bool {
	return m.Name == ClassConstructorMethodName
}

// String 形如 Ljava/lang/Object;->hashCode()I
func (m *Method) String() string {
	return m.key
}

// Field 字段引用
type Field struct {
	Holder *Type
	Name   string
	Type   *Type
	key    string
}

func (f *Field) ContextType() *Type { return f.Holder }
func (f *Field) HolderType() *Type  { return f.Holder }
func (f *Field) MemberName() string { return f.Name }

// WithHolder 换持有者
func (f *Field) WithHolder(holder *Type) Member {
	return f.Holder.factory.CreateField(holder, f.Name, f.Type)
}

// Match 名字与类型都相同
func (f *Field) Match(other *Field) bool {
	return f.Name == other.Name && f.Type == other.Type
}

// String 形如 Lfoo/Bar;->count:I
func (f *Field) String() string {
	return f.key
}

func methodKey(holder *Type, name string, proto *Proto) string {
	return fmt.Sprintf("%s->%s%s", holder.descriptor, name, proto.descriptor)
}

func fieldKey(holder *Type, name string, typ *Type) string {
	return fmt.Sprintf("%s->%s:%s", holder.descriptor, name, typ.descriptor)
}
