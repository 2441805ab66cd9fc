package graph

import (
	"fmt"
	"strings"
	"sync"
)

// 特殊方法名
const (
	ConstructorMethodName      = "<init>"
	ClassConstructorMethodName = "<clinit>"
)

// ItemFactory 驻留类型、原型与成员引用
// 相同描述符总是返回同一个指针；读多写少，插入时持锁
type ItemFactory struct {
	mu      sync.RWMutex
	types   map[string]*Type
	protos  map[string]*Proto
	methods map[string]*Method
	fields  map[string]*Field

	// 常用类型
	VoidType                 *Type
	BooleanType              *Type
	ByteType                 *Type
	ShortType                *Type
	CharType                 *Type
	IntType                  *Type
	LongType                 *Type
	FloatType                *Type
	DoubleType               *Type
	ObjectType               *Type
	StringType               *Type
	ClassType                *Type
	ThrowableType            *Type
	StringBuilderType        *Type
	AutoCloseableType        *Type
	CloneableType            *Type
	SerializableType         *Type
	NoClassDefFoundErrorType *Type
	NullPointerExceptionType *Type
	LambdaMetafactoryType    *Type
	StringConcatFactoryType  *Type
	ObjectMethodsType        *Type
	BufferType               *Type
	ObjectsType              *Type
}

// NewItemFactory 创建工厂
func NewItemFactory() *ItemFactory {
	f := &ItemFactory{
		types:   make(map[string]*Type),
		protos:  make(map[string]*Proto),
		methods: make(map[string]*Method),
		fields:  make(map[string]*Field),
	}
	f.VoidType = f.CreateType("V")
	f.BooleanType = f.CreateType("Z")
	f.ByteType = f.CreateType("B")
	f.ShortType = f.CreateType("S")
	f.CharType = f.CreateType("C")
	f.IntType = f.CreateType("I")
	f.LongType = f.CreateType("J")
	f.FloatType = f.CreateType("F")
	f.DoubleType = f.CreateType("D")
	f.ObjectType = f.CreateType("Ljava/lang/Object;")
	f.StringType = f.CreateType("Ljava/lang/String;")
	f.ClassType = f.CreateType("Ljava/lang/Class;")
	f.ThrowableType = f.CreateType("Ljava/lang/Throwable;")
	f.StringBuilderType = f.CreateType("Ljava/lang/StringBuilder;")
	f.AutoCloseableType = f.CreateType("Ljava/lang/AutoCloseable;")
	f.CloneableType = f.CreateType("Ljava/lang/Cloneable;")
	f.SerializableType = f.CreateType("Ljava/io/Serializable;")
	f.NoClassDefFoundErrorType = f.CreateType("Ljava/lang/NoClassDefFoundError;")
	f.NullPointerExceptionType = f.CreateType("Ljava/lang/NullPointerException;")
	f.LambdaMetafactoryType = f.CreateType("Ljava/lang/invoke/LambdaMetafactory;")
	f.StringConcatFactoryType = f.CreateType("Ljava/lang/invoke/StringConcatFactory;")
	f.ObjectMethodsType = f.CreateType("Ljava/lang/runtime/ObjectMethods;")
	f.BufferType = f.CreateType("Ljava/nio/Buffer;")
	f.ObjectsType = f.CreateType("Ljava/util/Objects;")
	return f
}

// CreateType 驻留类型描述符
func (f *ItemFactory) CreateType(descriptor string) *Type {
	f.mu.RLock()
	t, ok := f.types[descriptor]
	f.mu.RUnlock()
	if ok {
		return t
	}
	if !isValidTypeDescriptor(descriptor) {
		panic(fmt.Sprintf("invalid type descriptor: %q", descriptor))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.types[descriptor]; ok {
		return t
	}
	t = &Type{descriptor: descriptor, factory: f}
	f.types[descriptor] = t
	return t
}

// CreateClassType 由内部名创建类类型，例如 java/util/List
func (f *ItemFactory) CreateClassType(internalName string) *Type {
	return f.CreateType("L" + internalName + ";")
}

// CreateArrayType 创建 dims 维数组类型
func (f *ItemFactory) CreateArrayType(dims int, base *Type) *Type {
	return f.CreateType(strings.Repeat("[", dims) + base.descriptor)
}

// CreateProto 驻留方法原型
func (f *ItemFactory) CreateProto(ret *Type, params ...*Type) *Proto {
	desc := protoDescriptor(ret, params)
	f.mu.RLock()
	p, ok := f.protos[desc]
	f.mu.RUnlock()
	if ok {
		return p
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.protos[desc]; ok {
		return p
	}
	p = &Proto{Return: ret, Parameters: append([]*Type(nil), params...), descriptor: desc}
	f.protos[desc] = p
	return p
}

// PrependParameter 在原型最前面插入一个参数
func (f *ItemFactory) PrependParameter(proto *Proto, param *Type) *Proto {
	params := make([]*Type, 0, len(proto.Parameters)+1)
	params = append(params, param)
	params = append(params, proto.Parameters...)
	return f.CreateProto(proto.Return, params...)
}

// CreateMethod 驻留方法引用
func (f *ItemFactory) CreateMethod(holder *Type, name string, proto *Proto) *Method {
	key := methodKey(holder, name, proto)
	f.mu.RLock()
	m, ok := f.methods[key]
	f.mu.RUnlock()
	if ok {
		return m
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.methods[key]; ok {
		return m
	}
	m = &Method{Holder: holder, Name: name, Proto: proto, key: key}
	f.methods[key] = m
	return m
}

// CreateField 驻留字段引用
func (f *ItemFactory) CreateField(holder *Type, name string, typ *Type) *Field {
	key := fieldKey(holder, name, typ)
	f.mu.RLock()
	fd, ok := f.fields[key]
	f.mu.RUnlock()
	if ok {
		return fd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd, ok := f.fields[key]; ok {
		return fd
	}
	fd = &Field{Holder: holder, Name: name, Type: typ, key: key}
	f.fields[key] = fd
	return fd
}

// ============================================================================
// 描述符解析
// ============================================================================

// ParseProto 解析方法描述符 (II)V
func (f *ItemFactory) ParseProto(descriptor string) (*Proto, error) {
	if len(descriptor) < 3 || descriptor[0] != '(' {
		return nil, fmt.Errorf("invalid method descriptor: %q", descriptor)
	}
	var params []*Type
	i := 1
	for i < len(descriptor) && descriptor[i] != ')' {
		end, err := typeDescriptorEnd(descriptor, i)
		if err != nil {
			return nil, fmt.Errorf("invalid method descriptor %q: %w", descriptor, err)
		}
		params = append(params, f.CreateType(descriptor[i:end]))
		i = end
	}
	if i >= len(descriptor) {
		return nil, fmt.Errorf("invalid method descriptor: %q", descriptor)
	}
	ret := descriptor[i+1:]
	if !isValidTypeDescriptor(ret) {
		return nil, fmt.Errorf("invalid return type in %q", descriptor)
	}
	return f.CreateProto(f.CreateType(ret), params...), nil
}

// ParseMethod 解析 Lfoo/Bar;->name(I)V
func (f *ItemFactory) ParseMethod(s string) (*Method, error) {
	holder, rest, ok := strings.Cut(s, "->")
	if !ok || !isValidTypeDescriptor(holder) {
		return nil, fmt.Errorf("invalid method reference: %q", s)
	}
	open := strings.IndexByte(rest, '(')
	if open <= 0 {
		return nil, fmt.Errorf("invalid method reference: %q", s)
	}
	proto, err := f.ParseProto(rest[open:])
	if err != nil {
		return nil, err
	}
	return f.CreateMethod(f.CreateType(holder), rest[:open], proto), nil
}

// ParseField 解析 Lfoo/Bar;->name:I
func (f *ItemFactory) ParseField(s string) (*Field, error) {
	holder, rest, ok := strings.Cut(s, "->")
	if !ok || !isValidTypeDescriptor(holder) {
		return nil, fmt.Errorf("invalid field reference: %q", s)
	}
	name, typ, ok := strings.Cut(rest, ":")
	if !ok || name == "" || !isValidTypeDescriptor(typ) {
		return nil, fmt.Errorf("invalid field reference: %q", s)
	}
	return f.CreateField(f.CreateType(holder), name, f.CreateType(typ)), nil
}

// ParseReference 解析类型、方法或字段引用
func (f *ItemFactory) ParseReference(s string) (Reference, error) {
	switch {
	case strings.Contains(s, "->") && strings.Contains(s, "("):
		return f.ParseMethod(s)
	case strings.Contains(s, "->"):
		return f.ParseField(s)
	case isValidTypeDescriptor(s):
		return f.CreateType(s), nil
	}
	return nil, fmt.Errorf("invalid reference: %q", s)
}

func typeDescriptorEnd(s string, i int) (int, error) {
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, fmt.Errorf("truncated type at %d", i)
	}
	switch s[i] {
	case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D':
		return i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 2 {
			return 0, fmt.Errorf("unterminated class type at %d", i)
		}
		return i + end + 1, nil
	}
	return 0, fmt.Errorf("unexpected character %q at %d", s[i], i)
}

func isValidTypeDescriptor(s string) bool {
	if s == "V" {
		return true
	}
	end, err := typeDescriptorEnd(s, 0)
	return err == nil && end == len(s)
}
