package apilevel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/worker"
)

// ============================================================================
// 库类桩
// ============================================================================

// StubbingReason 生成全局合成类的原因
const StubbingReason = "API stubbing"

// Stubber 为最低级别上不存在、却被程序类型层次或异常处理器引用的库类生成桩
//
// 桩与库类同名，静态初始化器抛出 NoClassDefFoundError。
type Stubber struct {
	app        *graph.Application
	compute    *Compute
	synthetics *graph.SyntheticItems
	reporter   *diagnostic.Reporter
	logger     *zap.Logger

	mocks    mapset.Set[*graph.Class]
	mu       sync.Mutex
	contexts map[*graph.Class]mapset.Set[*graph.Type]
}

// NewStubber 创建桩生成器
func NewStubber(app *graph.Application, compute *Compute, synthetics *graph.SyntheticItems, reporter *diagnostic.Reporter, logger *zap.Logger) *Stubber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stubber{
		app:        app,
		compute:    compute,
		synthetics: synthetics,
		reporter:   reporter,
		logger:     logger,
		mocks:      mapset.NewSet[*graph.Class](),
		contexts:   make(map[*graph.Class]mapset.Set[*graph.Type]),
	}
}

// Run 并行收集需要桩的库类，屏障之后单线程生成并提交
func (s *Stubber) Run(ctx context.Context, pool *worker.Pool) ([]*graph.Class, error) {
	opts := s.compute.opts
	if opts.IsGeneratingClassFiles() || !opts.StubbingOfClassesEnabled() {
		return nil, nil
	}
	var classes []*graph.Class
	for _, c := range s.app.ProgramClasses() {
		if kind, ok := s.synthetics.KindOf(c.Type); ok && kind == graph.SyntheticApiModelStub {
			continue
		}
		classes = append(classes, c)
	}
	err := worker.ProcessItems(ctx, pool, classes, func(_ context.Context, c *graph.Class) error {
		s.processClass(c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect library classes to stub: %w", err)
	}
	if s.mocks.Cardinality() == 0 {
		return nil, nil
	}

	mocks := s.mocks.ToSlice()
	sort.Slice(mocks, func(i, j int) bool {
		return mocks[i].Type.Descriptor() < mocks[j].Type.Descriptor()
	})
	for _, library := range mocks {
		if err := s.mockMissingLibraryClass(library); err != nil {
			return nil, err
		}
	}
	committed := s.synthetics.Commit(s.app)
	s.logger.Info("stubbed library classes", zap.Int("count", len(mocks)))
	return committed, nil
}

// processClass 从直接父类型与异常处理器类型出发
func (s *Stubber) processClass(c *graph.Class) {
	for _, t := range c.ImmediateSupertypes() {
		s.findReferencedLibraryClasses(t, c)
	}
	for _, m := range c.Methods {
		if m.Code == nil {
			continue
		}
		for _, t := range m.Code.CatchTypes() {
			s.findReferencedLibraryClasses(t, c)
		}
	}
}

// findReferencedLibraryClasses 每次遍历使用独立的已访问集合，保证记录全部引用上下文
func (s *Stubber) findReferencedLibraryClasses(t *graph.Type, referrer *graph.Class) {
	if !t.IsClassType() {
		return
	}
	minApi := s.compute.MinApiLevel()
	seen := map[*graph.Type]bool{t: true}
	worklist := []*graph.Type{t}
	for len(worklist) > 0 {
		next := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		class := s.app.DefinitionFor(next)
		if class == nil || !class.IsLibraryClass() {
			continue
		}
		level := s.compute.ComputeApiLevelForLibraryReference(class.Type, androidapi.UnknownLevel())
		if !level.IsKnownApiLevel() || !level.IsGreaterThan(minApi).IsTrue() {
			continue
		}
		for _, super := range class.ImmediateSupertypes() {
			if !seen[super] {
				seen[super] = true
				worklist = append(worklist, super)
			}
		}
		s.mocks.Add(class)
		s.addContext(class, referrer.Type)
	}
}

func (s *Stubber) addContext(class *graph.Class, referrer *graph.Type) {
	s.mu.Lock()
	contexts, ok := s.contexts[class]
	if !ok {
		contexts = mapset.NewSet[*graph.Type]()
		s.contexts[class] = contexts
	}
	s.mu.Unlock()
	contexts.Add(referrer)
}

func (s *Stubber) mockMissingLibraryClass(library *graph.Class) error {
	s.mu.Lock()
	contexts, ok := s.contexts[library]
	s.mu.Unlock()
	if !ok {
		diagnostic.Unreachable("attempt to create a global synthetic with no contexts for %s", library)
	}
	_, err := s.synthetics.EnsureGlobalClass(s.reporter, StubbingReason, graph.SyntheticApiModelStub,
		library.Type, graph.NewTypeSet(contexts.ToSlice()...).Types(),
		func(b *graph.ClassBuilder) {
			f := s.app.Factory()
			b.SetSuperType(library.SuperType).SetInterfaces(library.Interfaces...)
			b.AddMethod(f.CreateMethod(library.Type, graph.ClassConstructorMethodName, f.CreateProto(f.VoidType)),
				graph.AccStatic, throwingCode(f, f.NoClassDefFoundErrorType))
			flags := graph.AccPublic | graph.AccSuper | graph.AccSynthetic
			if library.IsInterface() {
				flags = graph.AccPublic | graph.AccInterface | graph.AccAbstract | graph.AccSynthetic
			} else if library.IsFinal() {
				flags |= graph.AccFinal
			}
			b.SetAccessFlags(flags)
		})
	return err
}

// throwingCode new T; dup; invokespecial T.<init>()V; athrow
func throwingCode(f *graph.ItemFactory, exception *graph.Type) *cf.Code {
	ctor := f.CreateMethod(exception, graph.ConstructorMethodName, f.CreateProto(f.VoidType))
	return cf.NewCode(0,
		&cf.New{Type: exception},
		&cf.StackInstruction{Op: cf.Dup},
		&cf.Invoke{Kind: cf.InvokeSpecial, Method: ctor},
		&cf.Throw{},
	)
}
