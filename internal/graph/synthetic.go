package graph

import (
	"sync"

	"github.com/tangzhangming/nova/internal/diagnostic"
)

// ============================================================================
// 合成项
// ============================================================================

// SyntheticKind 合成类的用途
type SyntheticKind int

const (
	SyntheticLambda SyntheticKind = iota
	SyntheticCompanion
	SyntheticBackport
	SyntheticTwrHelper
	SyntheticApiModelStub
	SyntheticNestConstructorArgument
)

func (k SyntheticKind) String() string {
	switch k {
	case SyntheticLambda:
		return "lambda"
	case SyntheticCompanion:
		return "companion"
	case SyntheticBackport:
		return "backport"
	case SyntheticTwrHelper:
		return "twr-helper"
	case SyntheticApiModelStub:
		return "api-model-stub"
	case SyntheticNestConstructorArgument:
		return "nest-constructor-argument"
	default:
		return "unknown"
	}
}

// GlobalSyntheticsConsumer 全局合成类的外部消费者
type GlobalSyntheticsConsumer interface {
	Accept(class *Class, contexts []*Type)
}

// SyntheticItems 待提交的合成类
// 工作阶段可并发登记，提交只在屏障之后单线程进行
type SyntheticItems struct {
	mu       sync.Mutex
	pending  map[*Type]*Class
	kinds    map[*Type]SyntheticKind
	contexts map[*Type][]*Type
	global   map[*Type]bool
	order    []*Type
	consumer GlobalSyntheticsConsumer
}

// NewSyntheticItems 创建合成项登记表
func NewSyntheticItems(consumer GlobalSyntheticsConsumer) *SyntheticItems {
	return &SyntheticItems{
		pending:  make(map[*Type]*Class),
		kinds:    make(map[*Type]SyntheticKind),
		contexts: make(map[*Type][]*Type),
		global:   make(map[*Type]bool),
		consumer: consumer,
	}
}

// HasGlobalSyntheticsConsumer 是否注册了全局合成类消费者
func (s *SyntheticItems) HasGlobalSyntheticsConsumer() bool {
	return s.consumer != nil
}

// AddPending 登记合成类，同一类型只保留第一次
func (s *SyntheticItems) AddPending(kind SyntheticKind, class *Class) *Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[class.Type]; ok {
		return existing
	}
	class.AccessFlags = class.AccessFlags.Set(AccSynthetic)
	class.Kind = ProgramClassKind
	s.pending[class.Type] = class
	s.kinds[class.Type] = kind
	s.order = append(s.order, class.Type)
	return class
}

// EnsureGlobalClass 确保全局合成类存在
// 没有全局合成类消费者时报告致命诊断
func (s *SyntheticItems) EnsureGlobalClass(
	reporter *diagnostic.Reporter,
	reason string,
	kind SyntheticKind,
	t *Type,
	contexts []*Type,
	build func(*ClassBuilder),
) (*Class, error) {
	if s.consumer == nil {
		return nil, reporter.FatalError(&diagnostic.MissingGlobalSyntheticsConsumerDiagnostic{GeneratingReason: reason})
	}
	s.mu.Lock()
	existing, ok := s.pending[t]
	s.mu.Unlock()
	if ok {
		s.addContexts(t, contexts)
		return existing, nil
	}
	b := NewClassBuilder(t)
	build(b)
	class := s.AddPending(kind, b.Build())
	s.mu.Lock()
	s.global[t] = true
	s.mu.Unlock()
	s.addContexts(t, contexts)
	return class, nil
}

func (s *SyntheticItems) addContexts(t *Type, contexts []*Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[t] = append(s.contexts[t], contexts...)
}

// Pending 尚未提交的合成类，按登记顺序
func (s *SyntheticItems) Pending() []*Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Class, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, s.pending[t])
	}
	return out
}

// KindOf 合成类的用途
func (s *SyntheticItems) KindOf(t *Type) (SyntheticKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[t]
	return k, ok
}

// Commit 把待提交的合成类加入应用，全局合成类交给消费者
func (s *SyntheticItems) Commit(app *Application) []*Class {
	s.mu.Lock()
	committed := make([]*Class, 0, len(s.order))
	for _, t := range s.order {
		committed = append(committed, s.pending[t])
	}
	global := s.global
	contexts := s.contexts
	s.pending = make(map[*Type]*Class)
	s.global = make(map[*Type]bool)
	s.contexts = make(map[*Type][]*Type)
	s.order = nil
	s.mu.Unlock()

	app.addProgramClasses(committed)
	for _, c := range committed {
		if global[c.Type] && s.consumer != nil {
			s.consumer.Accept(c, NewTypeSet(contexts[c.Type]...).Types())
		}
	}
	return committed
}

// ============================================================================
// 类构建器
// ============================================================================

// ClassBuilder 构建合成类
type ClassBuilder struct {
	class *Class
}

// NewClassBuilder 创建构建器，默认 public final synthetic、父类 Object
func NewClassBuilder(t *Type) *ClassBuilder {
	return &ClassBuilder{class: &Class{
		Type:        t,
		Kind:        ProgramClassKind,
		AccessFlags: AccPublic | AccFinal | AccSuper | AccSynthetic,
		SuperType:   t.factory.ObjectType,
		Origin:      diagnostic.Origin{Name: "synthetic"},
	}}
}

// SetSuperType 设置父类
func (b *ClassBuilder) SetSuperType(t *Type) *ClassBuilder {
	b.class.SuperType = t
	return b
}

// SetInterfaces 设置接口
func (b *ClassBuilder) SetInterfaces(itfs ...*Type) *ClassBuilder {
	b.class.Interfaces = itfs
	return b
}

// SetAccessFlags 覆盖访问标志（始终保留 synthetic）
func (b *ClassBuilder) SetAccessFlags(flags AccessFlags) *ClassBuilder {
	b.class.AccessFlags = flags.Set(AccSynthetic)
	return b
}

// AddField 添加字段
func (b *ClassBuilder) AddField(ref *Field, flags AccessFlags) *ClassBuilder {
	b.class.Fields = append(b.class.Fields, &EncodedField{Ref: ref, AccessFlags: flags})
	return b
}

// AddMethod 添加方法
func (b *ClassBuilder) AddMethod(ref *Method, flags AccessFlags, code Code) *ClassBuilder {
	b.class.AddMethod(NewEncodedMethod(ref, flags, code))
	return b
}

// Build 返回构建好的类
func (b *ClassBuilder) Build() *Class {
	return b.class
}
