// Package compiler 驱动一次完整编译：逐方法脱糖、计算 API 级别、
// 在 SSA IR 上优化，屏障之后统一提交合成类
//
// 编译分三波在工作池上运行，每两波之间是屏障：
//
//	wave 1  Prepare/Scan：登记程序附加项，报告不依赖改写的事件
//	        屏障：附加项按确定顺序合并进应用
//	wave 2  Desugar：逐条改写指令；计算方法体的 API 级别
//	wave 3  IR：构建、类型分析、插入非 null 标记、优化、清理标记、降级
//	        屏障：提交降级后的代码并重算级别，生成回调与桩，提交合成类
//
// wave 3 的结果先放在各方法独占的槽位里，屏障之后才写回方法定义，
// 所以内联器读取其他方法的代码与级别时看到的总是 wave 2 的结果。
package compiler

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/apilevel"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/desugar"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/lattice"
	"github.com/tangzhangming/nova/internal/nonnull"
	"github.com/tangzhangming/nova/internal/optimize"
	"github.com/tangzhangming/nova/internal/options"
	"github.com/tangzhangming/nova/internal/worker"
)

// ============================================================================
// 编译器
// ============================================================================

// Compiler 编译驱动，一个实例可以先后编译多个应用
type Compiler struct {
	opts     *options.Options
	db       *apilevel.Database
	reporter *diagnostic.Reporter
	logger   *zap.Logger

	events  desugar.EventConsumer
	globals graph.GlobalSyntheticsConsumer
}

// Option 编译器可选配置
type Option func(*Compiler)

// WithEventConsumer 设置脱糖事件的外部消费者；生成 API 转换回调时必须设置
func WithEventConsumer(events desugar.EventConsumer) Option {
	return func(c *Compiler) { c.events = events }
}

// WithGlobalSyntheticsConsumer 设置全局合成类的消费者；生成桩时必须设置
func WithGlobalSyntheticsConsumer(consumer graph.GlobalSyntheticsConsumer) Option {
	return func(c *Compiler) { c.globals = consumer }
}

// New 创建编译器；db 为 nil 时使用空数据库
func New(opts *options.Options, db *apilevel.Database, reporter *diagnostic.Reporter, logger *zap.Logger, extra ...Option) *Compiler {
	if db == nil {
		db = apilevel.NewDatabase()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compiler{opts: opts, db: db, reporter: reporter, logger: logger}
	for _, o := range extra {
		o(c)
	}
	return c
}

// Result 编译结果
type Result struct {
	// Methods 处理的程序方法数（含附加项新增的方法）
	Methods int

	// Optimized 经过 IR 优化并写回的方法数
	Optimized int

	// Skipped 不在 IR 支持范围内、保留脱糖后代码的方法数
	Skipped int

	// NonNullMarkers 插入的非 null 标记总数
	NonNullMarkers int

	// Synthesized 提交的合成类（lambda、companion、backport 等）
	Synthesized []*graph.Class

	// Stubs 为高于最低级别的库类生成的桩
	Stubs []*graph.Class

	Events   map[desugar.EventKind]int
	Passes   optimize.PassStats
	Inlining optimize.InlineStats
	Pool     worker.Stats
	Duration time.Duration
}

// session 一次编译的共享状态，屏障之外只读
type session struct {
	*Compiler
	app        *graph.Application
	appInfo    *graph.AppInfo
	pool       *worker.Pool
	synthetics *graph.SyntheticItems
	consumer   *desugar.SyntheticsEventConsumer
	collection desugar.Collection
	compute    *apilevel.Compute
	result     *Result
}

// Compile 编译应用；任何工作项失败都使整个编译失败，不产生部分输出
func (c *Compiler) Compile(ctx context.Context, app *graph.Application) (*Result, error) {
	start := time.Now()
	appInfo := graph.NewAppInfo(app, true)
	synthetics := graph.NewSyntheticItems(c.globals)
	s := &session{
		Compiler:   c,
		app:        app,
		appInfo:    appInfo,
		pool:       worker.NewPool(c.opts.NumberOfThreads(), c.logger),
		synthetics: synthetics,
		consumer:   desugar.NewSyntheticsEventConsumer(synthetics, c.events),
		collection: desugar.NewCollection(appInfo, c.opts, c.reporter, c.logger),
		compute:    apilevel.NewCompute(appInfo, c.db, c.opts, c.logger),
		result:     &Result{Events: make(map[desugar.EventKind]int)},
	}

	original := app.ProgramMethods()
	if err := s.prepare(ctx, original); err != nil {
		return nil, err
	}
	methods := app.ProgramMethods()
	s.result.Methods = len(methods)
	if err := s.desugar(ctx, methods, original); err != nil {
		return nil, err
	}
	if c.opts.Optimize.Enabled {
		if err := s.optimize(ctx, methods); err != nil {
			return nil, err
		}
	}
	if err := s.finish(ctx); err != nil {
		return nil, err
	}

	s.result.Pool = s.pool.Stats()
	s.result.Duration = time.Since(start)
	c.logger.Info("compilation finished",
		zap.Int("methods", s.result.Methods),
		zap.Int("optimized", s.result.Optimized),
		zap.Int("synthesized", len(s.result.Synthesized)),
		zap.Int("stubs", len(s.result.Stubs)),
		zap.Duration("duration", s.result.Duration))
	return s.result, nil
}

// ============================================================================
// wave 1：附加项与事件
// ============================================================================

func (s *session) prepare(ctx context.Context, methods []*graph.ProgramMethod) error {
	additions := desugar.NewProgramAdditions()
	err := worker.ProcessItems(ctx, s.pool, methods, func(_ context.Context, m *graph.ProgramMethod) error {
		if _, ok := m.Definition.Code.(*cf.Code); !ok {
			return nil
		}
		s.collection.Prepare(m, additions)
		events := desugar.NewEventBuffer()
		s.collection.Scan(m, events)
		events.Flush(s.consumer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to prepare desugaring: %w", err)
	}
	empty := additions.IsEmpty()
	additions.Apply(desugar.NewApplicationMerger(s.app, s.synthetics))
	s.logger.Info("program additions applied", zap.Bool("empty", empty))
	return nil
}

// ============================================================================
// wave 2：脱糖与 API 级别
// ============================================================================

func (s *session) desugar(ctx context.Context, methods, original []*graph.ProgramMethod) error {
	// 附加项新增的方法已经是目标形式，只计算级别；dex 方法体不脱糖
	needsDesugaring := mapset.NewSetWithSize[*graph.EncodedMethod](len(original))
	for _, m := range original {
		needsDesugaring.Add(m.Definition)
	}
	err := worker.ProcessItems(ctx, s.pool, methods, func(_ context.Context, m *graph.ProgramMethod) error {
		if _, ok := m.Definition.Code.(*cf.Code); ok && needsDesugaring.Contains(m.Definition) {
			events := desugar.NewEventBuffer()
			if err := s.collection.Desugar(m, desugar.NewMethodProcessingContext(m), events); err != nil {
				return err
			}
			events.Flush(s.consumer)
		}
		s.compute.ComputeAndSetApiLevelForCode(m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to desugar: %w", err)
	}
	return nil
}

// ============================================================================
// wave 3：IR 优化
// ============================================================================

func (s *session) optimize(ctx context.Context, methods []*graph.ProgramMethod) error {
	l := lattice.New(s.appInfo)
	var oracle *apilevel.Oracle
	if s.opts.ApiCallerIdentificationEnabled() {
		oracle = apilevel.NewOracle(s.compute)
	}
	inliner := optimize.NewInliner(s.appInfo, oracle, s.opts, optimize.DefinitionCode, s.logger)
	p := &methodPipeline{
		lattice:  l,
		tracker:  nonnull.NewTracker(s.logger, s.opts.DebugChecks),
		passes:   optimize.CreateStandardPipeline(s.opts, inliner, s.logger),
		logger:   s.logger,
		maxIters: optimize.MaxPipelineIterations,
	}

	slots := make([]methodResult, len(methods))
	units := make([]unit, len(methods))
	for k, m := range methods {
		units[k] = unit{index: k, method: m}
	}
	err := worker.ProcessItems(ctx, s.pool, units, func(_ context.Context, u unit) error {
		r, err := p.process(u.method)
		slots[u.index] = r
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to optimize: %w", err)
	}

	// 屏障：写回并重算级别，内联可能提高了调用者的级别
	for k, r := range slots {
		switch {
		case r.skipped:
			s.result.Skipped++
		case r.code != nil:
			methods[k].Definition.Code = r.code
			s.compute.ComputeAndSetApiLevelForCode(methods[k])
			s.result.Optimized++
			s.result.NonNullMarkers += r.markers
		}
	}
	s.result.Passes = p.passes.Stats()
	s.result.Inlining = inliner.Stats()
	s.logger.Info("optimized methods",
		zap.Int("optimized", s.result.Optimized),
		zap.Int("skipped", s.result.Skipped),
		zap.Int64("inlined", s.result.Inlining.InlinedCalls))
	return nil
}

// ============================================================================
// 屏障之后：回调、桩、提交
// ============================================================================

func (s *session) finish(ctx context.Context) error {
	s.result.Synthesized = s.synthetics.Commit(s.app)

	var events desugar.EventConsumer
	if s.events != nil {
		events = s.consumer
	}
	callbacks := desugar.NewCallbackSynthesizer(s.appInfo, s.opts, s.reporter, s.logger)
	if err := callbacks.Synthesize(events); err != nil {
		return err
	}

	stubber := apilevel.NewStubber(s.app, s.compute, s.synthetics, s.reporter, s.logger)
	stubs, err := stubber.Run(ctx, s.pool)
	if err != nil {
		return err
	}
	s.result.Stubs = stubs

	for _, kind := range []desugar.EventKind{
		desugar.LambdaClassEvent,
		desugar.BackportClassEvent,
		desugar.TwrCloseResourceClassEvent,
		desugar.NestBridgeEvent,
		desugar.APIConversionCallbackEvent,
	} {
		if n := s.consumer.Count(kind); n > 0 {
			s.result.Events[kind] = n
		}
	}
	return s.reporter.FailIfPendingErrors()
}
