package graph

import (
	"sort"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/diagnostic"
)

// ============================================================================
// 代码
// ============================================================================

// CodeKind 方法体的表示形式
type CodeKind int

const (
	CfCodeKind  CodeKind = iota // 类文件指令
	DexCodeKind                 // dex 指令
)

func (k CodeKind) String() string {
	if k == CfCodeKind {
		return "cf"
	}
	return "dex"
}

// Code 方法体
type Code interface {
	Kind() CodeKind
	// CatchTypes 异常处理器捕获的类型，catch-all 不列出
	CatchTypes() []*Type
}

// DexCode 已经是 dex 格式的方法体，核心只读取其异常处理器
type DexCode struct {
	Handlers []*Type
}

func (c *DexCode) Kind() CodeKind      { return DexCodeKind }
func (c *DexCode) CatchTypes() []*Type { return c.Handlers }

// ============================================================================
// 成员定义
// ============================================================================

// EncodedMethod 方法定义
type EncodedMethod struct {
	Ref         *Method
	AccessFlags AccessFlags
	Code        Code

	apiLevelForCode androidapi.ComputedApiLevel
}

// NewEncodedMethod 创建方法定义
func NewEncodedMethod(ref *Method, flags AccessFlags, code Code) *EncodedMethod {
	return &EncodedMethod{Ref: ref, AccessFlags: flags, Code: code}
}

// ApiLevelForCode 方法体引用的最高 API 级别，未计算时为未知
func (m *EncodedMethod) ApiLevelForCode() androidapi.ComputedApiLevel {
	return m.apiLevelForCode
}

// SetApiLevelForCode 只能由处理该方法的工作者或屏障阶段调用
func (m *EncodedMethod) SetApiLevelForCode(level androidapi.ComputedApiLevel) {
	m.apiLevelForCode = level
}

// IsStatic 是否静态
func (m *EncodedMethod) IsStatic() bool { return m.AccessFlags.IsStatic() }

// IsDirect private、static 或构造器
func (m *EncodedMethod) IsDirect() bool {
	return m.AccessFlags.IsPrivate() || m.AccessFlags.IsStatic() ||
		m.Ref.IsInstanceInitializer() || m.Ref.IsClassInitializer()
}

// IsVirtual 可被重写的实例方法
func (m *EncodedMethod) IsVirtual() bool { return !m.IsDirect() }

// ArgumentSlots 参数槽数（含 receiver）
func (m *EncodedMethod) ArgumentSlots() int {
	n := m.Ref.Proto.ParameterSlots()
	if !m.IsStatic() {
		n++
	}
	return n
}

func (m *EncodedMethod) String() string {
	return m.Ref.String()
}

// EncodedField 字段定义
type EncodedField struct {
	Ref         *Field
	AccessFlags AccessFlags
}

// ============================================================================
// 类定义
// ============================================================================

// ClassKind 类的来源
type ClassKind int

const (
	ProgramClassKind   ClassKind = iota // 被编译的程序类
	ClasspathClassKind                  // 编译期可见但不输出
	LibraryClassKind                    // 平台库
)

func (k ClassKind) String() string {
	switch k {
	case ProgramClassKind:
		return "program"
	case ClasspathClassKind:
		return "classpath"
	default:
		return "library"
	}
}

// Class 类或接口定义
type Class struct {
	Type        *Type
	Kind        ClassKind
	AccessFlags AccessFlags
	SuperType   *Type // 只有 java.lang.Object 为 nil
	Interfaces  []*Type
	NestHost    *Type
	NestMembers []*Type
	Methods     []*EncodedMethod
	Fields      []*EncodedField
	Origin      diagnostic.Origin
}

func (c *Class) IsProgramClass() bool { return c.Kind == ProgramClassKind }
func (c *Class) IsLibraryClass() bool { return c.Kind == LibraryClassKind }
func (c *Class) IsInterface() bool    { return c.AccessFlags.IsInterface() }
func (c *Class) IsFinal() bool        { return c.AccessFlags.IsFinal() }
func (c *Class) IsSynthetic() bool    { return c.AccessFlags.IsSynthetic() }

// ImmediateSupertypes 直接父类与直接接口
func (c *Class) ImmediateSupertypes() []*Type {
	var out []*Type
	if c.SuperType != nil {
		out = append(out, c.SuperType)
	}
	return append(out, c.Interfaces...)
}

// LookupMethod 按名字和原型查找，忽略引用的持有者
func (c *Class) LookupMethod(ref *Method) *EncodedMethod {
	for _, m := range c.Methods {
		if m.Ref.Match(ref) {
			return m
		}
	}
	return nil
}

// LookupDirectMethod 查找 direct 方法
func (c *Class) LookupDirectMethod(ref *Method) *EncodedMethod {
	if m := c.LookupMethod(ref); m != nil && m.IsDirect() {
		return m
	}
	return nil
}

// LookupVirtualMethod 查找 virtual 方法
func (c *Class) LookupVirtualMethod(ref *Method) *EncodedMethod {
	if m := c.LookupMethod(ref); m != nil && m.IsVirtual() {
		return m
	}
	return nil
}

// LookupField 按名字和类型查找字段
func (c *Class) LookupField(ref *Field) *EncodedField {
	for _, f := range c.Fields {
		if f.Ref.Match(ref) {
			return f
		}
	}
	return nil
}

// LookupMember 查找方法或字段定义
func (c *Class) LookupMember(ref Member) bool {
	switch r := ref.(type) {
	case *Method:
		return c.LookupMethod(r) != nil
	case *Field:
		return c.LookupField(r) != nil
	}
	return false
}

// AddMethod 添加方法，已存在同签名方法时返回 false
func (c *Class) AddMethod(m *EncodedMethod) bool {
	if c.LookupMethod(m.Ref) != nil {
		return false
	}
	c.Methods = append(c.Methods, m)
	return true
}

// ProgramMethods 按签名排序的方法列表
func (c *Class) ProgramMethods() []*ProgramMethod {
	out := make([]*ProgramMethod, 0, len(c.Methods))
	for _, m := range c.Methods {
		out = append(out, &ProgramMethod{Holder: c, Definition: m})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Definition.Ref.String() < out[j].Definition.Ref.String()
	})
	return out
}

// IsInSameNest 两个类是否属于同一个 nest
func (c *Class) IsInSameNest(other *Class) bool {
	return c.NestHostType() == other.NestHostType()
}

// NestHostType 自身没有 nest host 时就是自己
func (c *Class) NestHostType() *Type {
	if c.NestHost != nil {
		return c.NestHost
	}
	return c.Type
}

func (c *Class) String() string {
	return c.Type.String()
}

// ProgramMethod 程序类中的方法，带上持有类
type ProgramMethod struct {
	Holder     *Class
	Definition *EncodedMethod
}

// NewProgramMethod 创建 ProgramMethod
func NewProgramMethod(holder *Class, def *EncodedMethod) *ProgramMethod {
	return &ProgramMethod{Holder: holder, Definition: def}
}

// Reference 方法引用
func (m *ProgramMethod) Reference() *Method { return m.Definition.Ref }

// HolderType 持有类类型
func (m *ProgramMethod) HolderType() *Type { return m.Holder.Type }

func (m *ProgramMethod) String() string { return m.Definition.Ref.String() }
