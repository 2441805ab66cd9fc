package desugar

import (
	"sort"
	"sync"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 程序增补
// ============================================================================

// ProgramAdditionsConsumer 负责把暂存的增补并入程序模型
type ProgramAdditionsConsumer interface {
	AcceptClass(kind graph.SyntheticKind, class *graph.Class)
	AcceptMethod(holder *graph.Type, method *graph.EncodedMethod)
	AcceptAccessibilityChange(method *graph.Method)
}

type pendingClass struct {
	kind    graph.SyntheticKind
	builder *graph.ClassBuilder
}

// ProgramAdditions 准备阶段暂存的合成类与方法，可被多个工作者并发写入
//
// 同一引用只构建一次；Apply 在屏障之后按确定的顺序交给消费者。
type ProgramAdditions struct {
	mu         sync.Mutex
	classes    map[*graph.Type]*pendingClass
	methods    map[*graph.Method]*graph.EncodedMethod
	accessible map[*graph.Method]bool
}

// NewProgramAdditions 创建增补表
func NewProgramAdditions() *ProgramAdditions {
	return &ProgramAdditions{
		classes:    make(map[*graph.Type]*pendingClass),
		methods:    make(map[*graph.Method]*graph.EncodedMethod),
		accessible: make(map[*graph.Method]bool),
	}
}

// EnsureClass 确保合成类存在，build 可以为 nil
func (a *ProgramAdditions) EnsureClass(kind graph.SyntheticKind, t *graph.Type, build func(*graph.ClassBuilder)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.classes[t]; ok {
		return
	}
	b := graph.NewClassBuilder(t)
	if build != nil {
		build(b)
	}
	a.classes[t] = &pendingClass{kind: kind, builder: b}
}

// EnsureMethod 确保 ref 所在的类上有该方法，ref.Holder 可以是已有的程序类或本表中的合成类
func (a *ProgramAdditions) EnsureMethod(ref *graph.Method, build func() *graph.EncodedMethod) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.methods[ref]; ok {
		return
	}
	a.methods[ref] = build()
}

// MakeAccessible 去掉方法的 private 标志
func (a *ProgramAdditions) MakeAccessible(ref *graph.Method) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessible[ref] = true
}

// IsEmpty 是否没有任何增补
func (a *ProgramAdditions) IsEmpty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.classes) == 0 && len(a.methods) == 0 && len(a.accessible) == 0
}

// Apply 把增补交给消费者并清空；只能在屏障之后调用
func (a *ProgramAdditions) Apply(consumer ProgramAdditionsConsumer) {
	a.mu.Lock()
	classes, methods, accessible := a.classes, a.methods, a.accessible
	a.classes = make(map[*graph.Type]*pendingClass)
	a.methods = make(map[*graph.Method]*graph.EncodedMethod)
	a.accessible = make(map[*graph.Method]bool)
	a.mu.Unlock()

	refs := make([]*graph.Method, 0, len(methods))
	for ref := range methods {
		refs = append(refs, ref)
	}
	sortMethods(refs)

	// 合成类上的方法随类一起交出
	var existing []*graph.Method
	for _, ref := range refs {
		if pending, ok := classes[ref.Holder]; ok {
			pending.builder.AddMethod(ref, methods[ref].AccessFlags, methods[ref].Code)
			continue
		}
		existing = append(existing, ref)
	}

	types := make([]*graph.Type, 0, len(classes))
	for t := range classes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Descriptor() < types[j].Descriptor() })
	for _, t := range types {
		consumer.AcceptClass(classes[t].kind, classes[t].builder.Build())
	}
	for _, ref := range existing {
		consumer.AcceptMethod(ref.Holder, methods[ref])
	}

	widened := make([]*graph.Method, 0, len(accessible))
	for ref := range accessible {
		widened = append(widened, ref)
	}
	sortMethods(widened)
	for _, ref := range widened {
		consumer.AcceptAccessibilityChange(ref)
	}
}

func sortMethods(refs []*graph.Method) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}

// ============================================================================
// 合并到应用
// ============================================================================

// ApplicationMerger 默认的增补消费者：方法直接加入程序类，新类登记为待提交的合成类
type ApplicationMerger struct {
	app        *graph.Application
	synthetics *graph.SyntheticItems
}

// NewApplicationMerger 创建合并器
func NewApplicationMerger(app *graph.Application, synthetics *graph.SyntheticItems) *ApplicationMerger {
	return &ApplicationMerger{app: app, synthetics: synthetics}
}

// AcceptClass 实现 ProgramAdditionsConsumer
func (m *ApplicationMerger) AcceptClass(kind graph.SyntheticKind, class *graph.Class) {
	m.synthetics.AddPending(kind, class)
}

// AcceptMethod 实现 ProgramAdditionsConsumer
func (m *ApplicationMerger) AcceptMethod(holder *graph.Type, method *graph.EncodedMethod) {
	class := m.app.ProgramDefinitionFor(holder)
	if class == nil {
		diagnostic.Unreachable("no program class %s for added method %s", holder, method)
	}
	class.AddMethod(method)
}

// AcceptAccessibilityChange 实现 ProgramAdditionsConsumer
func (m *ApplicationMerger) AcceptAccessibilityChange(ref *graph.Method) {
	class := m.app.ProgramDefinitionFor(ref.Holder)
	if class == nil {
		return
	}
	if def := class.LookupMethod(ref); def != nil {
		def.AccessFlags = def.AccessFlags.Unset(graph.AccPrivate)
	}
}
