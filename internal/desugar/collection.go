package desugar

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 分派集合
// ============================================================================

// Collection 按固定顺序组合的脱糖规则
type Collection interface {
	// NeedsDesugaring 方法中是否有指令需要改写
	NeedsDesugaring(method *graph.ProgramMethod) bool
	// Prepare 暂存改写需要的程序增补
	Prepare(method *graph.ProgramMethod, additions *ProgramAdditions)
	// Scan 报告改写需要的事件
	Scan(method *graph.ProgramMethod, events EventConsumer)
	// Desugar 改写方法体
	Desugar(method *graph.ProgramMethod, processing *MethodProcessingContext, events EventConsumer) error
	// Rules 已注册的规则，按分派顺序
	Rules() []Rule
}

// NewCollection 根据选项构建规则集合；一次编译内不再变化
func NewCollection(app *graph.AppInfo, opts *options.Options, reporter *diagnostic.Reporter, logger *zap.Logger) Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &nonEmptyCollection{app: app, opts: opts, reporter: reporter, logger: logger}
	if !opts.IsDesugaring() {
		if opts.IsGeneratingClassFiles() {
			return emptyCollection{}
		}
		// 输出 dex 时 invokevirtual/invokeinterface 调用私有方法仍需改写
		c.rules = append(c.rules, NewInvokeToPrivateRewriter(app))
		return c
	}
	if opts.HasRetargeting() {
		c.rules = append(c.rules, NewRetargeter(app, opts))
	}
	if opts.EnableTryWithResourcesDesugaring() {
		c.rules = append(c.rules, NewTwrRewriter(app))
	}
	if opts.IsInterfaceMethodDesugaringEnabled() {
		c.rules = append(c.rules, NewInterfaceMethodRewriter(app))
	}
	c.rules = append(c.rules, NewLambdaRewriter(app))
	c.rules = append(c.rules, NewInvokeToPrivateRewriter(app))
	c.rules = append(c.rules, NewStringConcatRewriter(app))
	if opts.EnableBufferCovariantReturnRewriting() {
		c.rules = append(c.rules, NewBufferCovariantReturnRewriter(app))
	}
	if opts.EnableBackportedMethodRewriting() {
		if backports := NewBackportRewriter(app, opts.MinApiLevel()); backports.HasBackports() {
			c.rules = append(c.rules, backports)
		}
	}
	if nest := NewNestBasedAccessRewriter(app); nest.HasNests() {
		c.rules = append(c.rules, nest)
	}
	c.rules = append(c.rules, NewRecordRewriter(app))
	return c
}

// ============================================================================
// 空集合
// ============================================================================

type emptyCollection struct{}

func (emptyCollection) NeedsDesugaring(*graph.ProgramMethod) bool       { return false }
func (emptyCollection) Prepare(*graph.ProgramMethod, *ProgramAdditions) {}
func (emptyCollection) Scan(*graph.ProgramMethod, EventConsumer)        {}
func (emptyCollection) Rules() []Rule                                   { return nil }

func (emptyCollection) Desugar(*graph.ProgramMethod, *MethodProcessingContext, EventConsumer) error {
	return nil
}

// ============================================================================
// 非空集合
// ============================================================================

type nonEmptyCollection struct {
	app      *graph.AppInfo
	opts     *options.Options
	reporter *diagnostic.Reporter
	logger   *zap.Logger
	rules    []Rule
}

func (c *nonEmptyCollection) Rules() []Rule { return c.rules }

// ensureCfCode 非类文件方法体是配置错误；没有方法体时不做任何事
func (c *nonEmptyCollection) ensureCfCode(method *graph.ProgramMethod) (*cf.Code, bool) {
	if method.Definition.Code == nil {
		return nil, false
	}
	code, ok := method.Definition.Code.(*cf.Code)
	if !ok {
		c.reporter.Error(diagnostic.NewStringDiagnostic("Unsupported attempt to desugar non-CF code", method.Holder.Origin))
		return nil, false
	}
	return code, true
}

func (c *nonEmptyCollection) NeedsDesugaring(method *graph.ProgramMethod) bool {
	switch code := method.Definition.Code.(type) {
	case nil:
		return false
	case *cf.Code:
		for _, insn := range code.Instructions {
			if c.instructionNeedsDesugaring(insn, method) {
				return true
			}
		}
		return false
	default:
		if code.Kind() == graph.DexCodeKind {
			return false
		}
		diagnostic.Unreachable("unexpected attempt to determine if non-CF code needs desugaring")
		return false
	}
}

func (c *nonEmptyCollection) instructionNeedsDesugaring(insn cf.Instruction, method *graph.ProgramMethod) bool {
	for _, r := range c.rules {
		if r.NeedsDesugaring(insn, method) {
			return true
		}
	}
	return false
}

func (c *nonEmptyCollection) Prepare(method *graph.ProgramMethod, additions *ProgramAdditions) {
	code, ok := c.ensureCfCode(method)
	if !ok {
		return
	}
	for _, r := range c.rules {
		if p, ok := r.(Preparer); ok {
			p.Prepare(method, code, additions)
		}
	}
}

func (c *nonEmptyCollection) Scan(method *graph.ProgramMethod, events EventConsumer) {
	code, ok := c.ensureCfCode(method)
	if !ok {
		return
	}
	for _, r := range c.rules {
		if s, ok := r.(Scanner); ok {
			s.Scan(method, code, events)
		}
	}
}

// Desugar 逐条改写指令，局部变量与栈的上限取所有替换的高水位
func (c *nonEmptyCollection) Desugar(method *graph.ProgramMethod, processing *MethodProcessingContext, events EventConsumer) error {
	if method.Definition.Code == nil {
		return nil
	}
	code, ok := c.ensureCfCode(method)
	if !ok {
		return fmt.Errorf("failed to desugar %s: not class file code", method)
	}
	ctx := &InstructionContext{
		Method:     method,
		Factory:    c.app.Factory(),
		Events:     events,
		Processing: processing,
		locals:     newCounter(code.MaxLocals),
		stack:      newCounter(code.MaxStack),
	}

	var (
		out      []cf.Instruction
		replaced bool
	)
	for _, insn := range code.Instructions {
		replacement := c.desugarInstruction(insn, ctx)
		if replacement == nil {
			diagnostic.Assert(!ctx.locals.reset() && !ctx.stack.reset(), "rule allocated without replacing %s", insn)
			out = append(out, insn)
			continue
		}
		ctx.locals.reset()
		ctx.stack.reset()
		replaced = true
		out = append(out, replacement...)
	}
	if !replaced {
		c.checkImpreciseFalsePositive(method, code)
		return nil
	}
	code.Instructions = out
	code.MaxLocals = ctx.locals.max
	code.MaxStack = ctx.stack.max
	c.logger.Debug("desugared method", zap.Stringer("method", method), zap.Int("instructions", len(out)))
	return nil
}

// desugarInstruction 取第一个产生替换的规则
func (c *nonEmptyCollection) desugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	for i, r := range c.rules {
		replacement := r.DesugarInstruction(insn, ctx)
		if replacement == nil {
			continue
		}
		if c.opts.DebugChecks {
			diagnostic.Assert(r.NeedsDesugaring(insn, ctx.Method), "%T rewrote %s without claiming it", r, insn)
			c.verifyNoOtherDesugaringNeeded(insn, ctx.Method, r, c.rules[i+1:])
		}
		return replacement
	}
	return nil
}

// verifyNoOtherDesugaringNeeded 匹配之后，其余规则都不应再声明需要改写，白名单中的组合除外
func (c *nonEmptyCollection) verifyNoOtherDesugaringNeeded(insn cf.Instruction, method *graph.ProgramMethod, applied Rule, rest []Rule) {
	for _, r := range rest {
		if !r.NeedsDesugaring(insn, method) || isAllowedOverlap(applied, r) {
			continue
		}
		diagnostic.Unreachable("desugaring of %s in method %s has multiple matches: %T and %T", insn, method, applied, r)
	}
}

// isAllowedOverlap 已知会同时声明同一指令的规则组合
func isAllowedOverlap(applied, other Rule) bool {
	switch applied.(type) {
	case *InterfaceMethodRewriter:
		switch other.(type) {
		case *InvokeToPrivateRewriter, *NestBasedAccessRewriter:
			return true
		}
	case *TwrRewriter:
		_, ok := other.(*InterfaceMethodRewriter)
		return ok
	}
	return false
}

// checkImpreciseFalsePositive 有指令被声明需要改写却没有替换时，只允许来自不精确规则的误报
func (c *nonEmptyCollection) checkImpreciseFalsePositive(method *graph.ProgramMethod, code *cf.Code) {
	if !c.NeedsDesugaring(method) {
		return
	}
	hasImprecise := false
	for _, r := range c.rules {
		if !r.HasPreciseNeedsDesugaring() {
			hasImprecise = true
		}
	}
	diagnostic.Assert(hasImprecise, "expected code of %s to be desugared", method)
	foundFalsePositive := false
	for _, insn := range code.Instructions {
		for _, r := range c.rules {
			if !r.NeedsDesugaring(insn, method) {
				continue
			}
			diagnostic.Assert(!r.HasPreciseNeedsDesugaring(), "precise %T claimed %s in %s without rewriting it", r, insn, method)
			foundFalsePositive = true
		}
	}
	diagnostic.Assert(foundFalsePositive, "expected a false positive in %s", method)
}
