// Package optimize 在 SSA IR 上运行的优化
//
// 每个 Pass 只修改传入的方法 IR，由处理该方法的工作者独占；
// Pass 本身无状态（统计计数除外），可被多个工作者共享。
package optimize

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/ir"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 优化 Pass 接口
// ============================================================================

// Pass 优化 Pass 接口
type Pass interface {
	Name() string
	Run(code *ir.Code) bool // 返回是否有修改
}

// ============================================================================
// Pass 管理器
// ============================================================================

// PassManager Pass 管理器；AddPass 完成后可并发调用 Run
type PassManager struct {
	passes      []Pass
	logger      *zap.Logger
	debugChecks bool

	passesRun    atomic.Int64
	totalChanges atomic.Int64
	perPass      map[string]*atomic.Int64
}

// PassStats Pass 统计信息
type PassStats struct {
	PassesRun      int64
	TotalChanges   int64
	PerPassChanges map[string]int64
}

// NewPassManager 创建 Pass 管理器
func NewPassManager(logger *zap.Logger, debugChecks bool) *PassManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PassManager{
		logger:      logger,
		debugChecks: debugChecks,
		perPass:     make(map[string]*atomic.Int64),
	}
}

// AddPass 添加 Pass
func (pm *PassManager) AddPass(p Pass) *PassManager {
	pm.passes = append(pm.passes, p)
	if _, ok := pm.perPass[p.Name()]; !ok {
		pm.perPass[p.Name()] = atomic.NewInt64(0)
	}
	return pm
}

// Passes Pass 名称，按运行顺序
func (pm *PassManager) Passes() []string {
	names := make([]string, len(pm.passes))
	for k, p := range pm.passes {
		names[k] = p.Name()
	}
	return names
}

// Run 依次运行所有 Pass，返回是否有修改
func (pm *PassManager) Run(code *ir.Code) bool {
	changed := false
	for _, p := range pm.passes {
		pm.passesRun.Inc()
		if !p.Run(code) {
			continue
		}
		changed = true
		pm.totalChanges.Inc()
		pm.perPass[p.Name()].Inc()
		pm.logger.Debug("pass changed code",
			zap.String("pass", p.Name()), zap.Stringer("method", code.Method))
		pm.check(code, p)
	}
	return changed
}

// RunUntilFixed 运行 Pass 直到不再有改变，最多 maxIters 轮
func (pm *PassManager) RunUntilFixed(code *ir.Code, maxIters int) bool {
	changed := false
	for i := 0; i < maxIters; i++ {
		if !pm.Run(code) {
			break
		}
		changed = true
	}
	return changed
}

func (pm *PassManager) check(code *ir.Code, p Pass) {
	if !pm.debugChecks {
		return
	}
	if err := code.IsConsistentSSA(); err != nil {
		diagnostic.Unreachable("%s left invalid SSA: %v", p.Name(), err)
	}
}

// Stats 获取统计信息
func (pm *PassManager) Stats() PassStats {
	stats := PassStats{
		PassesRun:      pm.passesRun.Load(),
		TotalChanges:   pm.totalChanges.Load(),
		PerPassChanges: make(map[string]int64, len(pm.perPass)),
	}
	for name, n := range pm.perPass {
		stats.PerPassChanges[name] = n.Load()
	}
	return stats
}

// ============================================================================
// 预置优化 Pipeline
// ============================================================================

// MaxPipelineIterations 标准 Pipeline 的最大轮数
const MaxPipelineIterations = 4

// CreateStandardPipeline 创建标准优化 Pipeline；inliner 为 nil 或未开启内联时不内联
func CreateStandardPipeline(opts *options.Options, inliner *Inliner, logger *zap.Logger) *PassManager {
	pm := NewPassManager(logger, opts.DebugChecks)
	if inliner != nil && opts.InliningEnabled() {
		pm.AddPass(inliner)
	}
	pm.AddPass(NewTrivialCheckCastRemoval())
	pm.AddPass(NewNullCheckFolding())
	pm.AddPass(NewDeadCodeElimination())
	return pm
}
