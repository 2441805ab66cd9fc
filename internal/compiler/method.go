package compiler

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/lattice"
	"github.com/tangzhangming/nova/internal/nonnull"
	"github.com/tangzhangming/nova/internal/optimize"
)

// ============================================================================
// 单个方法的 IR 流水线
// ============================================================================

// unit 一个工作项：方法及其结果槽位
type unit struct {
	index  int
	method *graph.ProgramMethod
}

func (u unit) String() string { return u.method.String() }

// methodResult wave 3 的结果，屏障之后才写回
type methodResult struct {
	code    *cf.Code // nil 表示保留原代码
	skipped bool
	markers int
}

// methodPipeline 所有工作者共享，自身只读
type methodPipeline struct {
	lattice  *lattice.Lattice
	tracker  *nonnull.Tracker
	passes   *optimize.PassManager
	logger   *zap.Logger
	maxIters int
}

// process 构建 IR 并优化，返回降级后的类文件代码
func (p *methodPipeline) process(m *graph.ProgramMethod) (methodResult, error) {
	code, ok := m.Definition.Code.(*cf.Code)
	if !ok {
		return methodResult{}, nil
	}
	irCode, err := ir.Build(m, code, p.lattice)
	if errors.Is(err, ir.ErrUnsupportedCode) {
		p.logger.Debug("keeping desugared code", zap.Stringer("method", m), zap.Error(err))
		return methodResult{skipped: true}, nil
	}
	if err != nil {
		return methodResult{}, err
	}

	ir.TypeAnalysis(irCode)
	markers := p.tracker.AddNonNull(irCode)
	p.passes.RunUntilFixed(irCode, p.maxIters)
	p.tracker.CleanupNonNull(irCode)

	lowered, err := ir.Lower(irCode)
	if err != nil {
		return methodResult{}, fmt.Errorf("failed to lower %s: %w", m, err)
	}
	return methodResult{code: lowered, markers: markers}, nil
}
