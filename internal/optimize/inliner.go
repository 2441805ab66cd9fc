// inliner.go - 方法内联
//
// 内联策略：
// 1. 只内联 static 调用和非构造器的 direct 调用
// 2. 被调用方法去掉参数块后必须是一条没有分支的直线代码，以 return 结尾
// 3. 指令数不超过 max_inline_size
// 4. 递归调用、direct 调用的 receiver 可能为 null、跨类调用带静态初始化的类：不内联
// 5. 跨类内联时方法体不能引用其他类的 private 成员
// 6. 最后由 API 级别判断是否安全
package optimize

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/apilevel"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 被内联方法的代码来源
// ============================================================================

// CodeSource 返回被内联方法的类文件代码，nil 表示不可内联
// 编译期间由屏障前的快照提供，保证其他工作者修改方法体时读到的是稳定版本
type CodeSource func(method *graph.ProgramMethod) *cf.Code

// DefinitionCode 直接读取方法定义上的代码
func DefinitionCode(method *graph.ProgramMethod) *cf.Code {
	code, _ := method.Definition.Code.(*cf.Code)
	return code
}

// ============================================================================
// 内联器
// ============================================================================

// Inliner 内联优化器
type Inliner struct {
	app     *graph.AppInfo
	oracle  *apilevel.Oracle
	source  CodeSource
	maxSize int
	logger  *zap.Logger

	// 内联统计
	inlined  atomic.Int64
	rejected atomic.Int64
}

// InlineStats 内联统计
type InlineStats struct {
	InlinedCalls  int64 // 内联调用数
	RejectedByApi int64 // 因 API 级别跳过
}

// NewInliner 创建内联优化器；oracle 为 nil 时不检查 API 级别
func NewInliner(app *graph.AppInfo, oracle *apilevel.Oracle, opts *options.Options, source CodeSource, logger *zap.Logger) *Inliner {
	if source == nil {
		source = DefinitionCode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inliner{
		app:     app,
		oracle:  oracle,
		source:  source,
		maxSize: opts.Optimize.MaxInlineSize,
		logger:  logger,
	}
}

// Name 返回 Pass 名称
func (in *Inliner) Name() string {
	return "inliner"
}

// Stats 获取内联统计
func (in *Inliner) Stats() InlineStats {
	return InlineStats{InlinedCalls: in.inlined.Load(), RejectedByApi: in.rejected.Load()}
}

// Run 运行 Pass；内联进来的代码本轮不再展开
func (in *Inliner) Run(code *ir.Code) bool {
	changed := false
	for _, block := range append([]*ir.BasicBlock(nil), code.Blocks()...) {
		it := block.ListIterator()
		for it.HasNext() {
			invoke := it.Next()
			callee := in.target(code, invoke)
			if callee == nil {
				continue
			}
			body := in.inlineeBody(code, callee)
			if body == nil {
				continue
			}
			if in.oracle != nil && !in.oracle.IsApiSafeForInlining(code.Method, callee, in.whyNot(code.Method, callee)) {
				in.rejected.Inc()
				continue
			}
			in.inline(code, it, invoke, body)
			in.inlined.Inc()
			in.logger.Debug("inlined call",
				zap.Stringer("caller", code.Method), zap.Stringer("callee", callee))
			changed = true
		}
	}
	if changed {
		ir.TypeAnalysis(code)
	}
	return changed
}

// target 可以内联的调用目标
func (in *Inliner) target(code *ir.Code, invoke *ir.Instruction) *graph.ProgramMethod {
	var static bool
	switch invoke.Opcode {
	case ir.IR_INVOKE_STATIC:
		static = true
	case ir.IR_INVOKE_DIRECT:
		if invoke.Method.IsInstanceInitializer() || !invoke.InValue(0).IsNeverNull() {
			return nil
		}
	default:
		return nil
	}
	holder := in.app.DefinitionFor(invoke.Method.Holder)
	if holder == nil || !holder.IsProgramClass() {
		return nil
	}
	def := holder.LookupMethod(invoke.Method)
	if def == nil || def.IsStatic() != static || def == code.Method.Definition {
		return nil
	}
	if static && holder.Type != code.Method.HolderType() && hasClassInitializer(holder) {
		return nil
	}
	return graph.NewProgramMethod(holder, def)
}

func hasClassInitializer(c *graph.Class) bool {
	for _, m := range c.Methods {
		if m.Ref.IsClassInitializer() {
			return true
		}
	}
	return false
}

// inlinee 被内联方法的直线代码
type inlinee struct {
	args  []*ir.Value
	insns []*ir.Instruction
	ret   *ir.Value
}

// inlineeBody 构建被调用方法的 IR 并取出其直线代码，不满足条件时返回 nil
func (in *Inliner) inlineeBody(code *ir.Code, callee *graph.ProgramMethod) *inlinee {
	cfCode := in.source(callee)
	if cfCode == nil {
		return nil
	}
	calleeCode, err := ir.Build(callee, cfCode, code.Lattice())
	if err != nil {
		return nil
	}
	body := &inlinee{args: calleeCode.Arguments()}
	visited := map[*ir.BasicBlock]bool{}
	for block := calleeCode.EntryBlock(); ; {
		if visited[block] || len(block.Phis()) > 0 {
			return nil
		}
		visited[block] = true
		for _, insn := range block.Instructions() {
			switch insn.Opcode {
			case ir.IR_ARGUMENT:
			case ir.IR_GOTO:
				next := block.Successors()[0]
				if len(next.Predecessors()) != 1 {
					return nil
				}
				block = next
			case ir.IR_RETURN:
				if len(insn.Inputs()) > 0 {
					body.ret = insn.InValue(0)
				}
				return in.checkBody(code, callee, body)
			case ir.IR_IF, ir.IR_THROW:
				return nil
			default:
				body.insns = append(body.insns, insn)
			}
		}
	}
}

// checkBody 大小与可访问性检查
func (in *Inliner) checkBody(code *ir.Code, callee *graph.ProgramMethod, body *inlinee) *inlinee {
	if len(body.insns) > in.maxSize {
		return nil
	}
	if callee.HolderType() == code.Method.HolderType() {
		return body
	}
	for _, insn := range body.insns {
		if in.referencesPrivateMember(insn, code.Method.HolderType()) {
			return nil
		}
	}
	return body
}

func (in *Inliner) referencesPrivateMember(insn *ir.Instruction, from *graph.Type) bool {
	switch {
	case insn.Method != nil:
		if insn.Method.Holder == from {
			return false
		}
		c := in.app.DefinitionFor(insn.Method.Holder)
		if c == nil {
			return false
		}
		m := c.LookupMethod(insn.Method)
		return m != nil && m.AccessFlags.IsPrivate()
	case insn.Field != nil:
		if insn.Field.Holder == from {
			return false
		}
		c := in.app.DefinitionFor(insn.Field.Holder)
		if c == nil {
			return false
		}
		f := c.LookupField(insn.Field)
		return f != nil && f.AccessFlags.IsPrivate()
	}
	return false
}

// inline 用被调用方法的直线代码替换调用
func (in *Inliner) inline(code *ir.Code, it *ir.InstructionListIterator, invoke *ir.Instruction, body *inlinee) {
	mapping := make(map[*ir.Value]*ir.Value, len(body.args)+len(body.insns))
	diagnostic.Assert(len(body.args) == len(invoke.Inputs()),
		"%s passes %d arguments to %d parameters", invoke, len(invoke.Inputs()), len(body.args))
	for k, arg := range body.args {
		mapping[arg] = invoke.InValue(k)
	}
	clones := make([]*ir.Instruction, 0, len(body.insns))
	for _, insn := range body.insns {
		inputs := make([]*ir.Value, len(insn.Inputs()))
		for k, v := range insn.Inputs() {
			inputs[k] = mapping[v]
			diagnostic.Assert(inputs[k] != nil, "unmapped input %s of %s", v, insn)
		}
		var out *ir.Value
		if insn.Out() != nil {
			out = code.NewValue(insn.Out().Type())
			mapping[insn.Out()] = out
		}
		clones = append(clones, insn.Clone(out, inputs))
	}
	if out := invoke.Out(); out != nil && out.HasUsers() {
		ret := mapping[body.ret]
		diagnostic.Assert(ret != nil, "inlined %s has no return value", invoke.Method)
		out.ReplaceUsers(ret)
	}
	it.Remove()
	for _, clone := range clones {
		it.Add(clone)
	}
}

// ============================================================================
// 拒绝原因
// ============================================================================

// whyNotInlining 把拒绝内联的原因写入调试日志
type whyNotInlining struct {
	logger          *zap.Logger
	caller, inlinee *graph.ProgramMethod
}

func (in *Inliner) whyNot(caller, inlinee *graph.ProgramMethod) apilevel.WhyNotInliningReporter {
	return &whyNotInlining{logger: in.logger, caller: caller, inlinee: inlinee}
}

func (r *whyNotInlining) ReportCallerHasUnknownApiLevel() {
	r.logger.Debug("not inlining: caller has unknown api level",
		zap.Stringer("caller", r.caller), zap.Stringer("inlinee", r.inlinee))
}

func (r *whyNotInlining) ReportInlineeHigherApiCall(caller, inlinee androidapi.ComputedApiLevel) {
	r.logger.Debug("not inlining: inlinee has higher api level than caller",
		zap.Stringer("caller", r.caller), zap.Stringer("inlinee", r.inlinee),
		zap.Stringer("caller_level", caller), zap.Stringer("inlinee_level", inlinee))
}
