// Package worker 提供按方法划分工作项的有界并行池
//
// 每个工作项由一个工作者从头到尾处理，处理过程中不取消；
// 所有失败在屏障之后一次性聚合返回。
package worker

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/nova/internal/diagnostic"
)

// ============================================================================
// 工作池
// ============================================================================

// Pool 有界并行工作池，可在多个阶段重复使用
type Pool struct {
	threads int
	logger  *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int32
	peak      atomic.Int32
}

// Stats 工作池统计信息
type Stats struct {
	// Processed 已完成的工作项数（含失败）
	Processed int64

	// Failed 失败的工作项数
	Failed int64

	// PeakParallelism 同时运行的最大工作项数
	PeakParallelism int32
}

// NewPool 创建工作池；threads 小于 1 时按 1 处理
func NewPool(threads int, logger *zap.Logger) *Pool {
	if threads < 1 {
		threads = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{threads: threads, logger: logger}
}

// Threads 并行度
func (p *Pool) Threads() int { return p.threads }

// Stats 返回统计快照
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:       p.processed.Load(),
		Failed:          p.failed.Load(),
		PeakParallelism: p.peak.Load(),
	}
}

// ProcessItems 并行处理 items，等待全部完成后返回按输入顺序聚合的失败
//
// fn 返回的错误与 InvariantError panic 只让对应工作项失败，
// 其余工作项照常处理。其他 panic 原样传播。
func ProcessItems[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(p.threads)
	for k, item := range items {
		g.Go(func() error {
			p.enter()
			defer p.leave()
			if err := runItem(ctx, item, fn); err != nil {
				errs[k] = fmt.Errorf("failed to process %v: %w", item, err)
				p.failed.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := multierr.Combine(errs...)
	p.logger.Debug("work items processed",
		zap.Int("items", len(items)),
		zap.Int("failures", len(multierr.Errors(err))),
		zap.Int32("peak", p.peak.Load()))
	return err
}

// runItem 把 InvariantError panic 转成该工作项的失败
func runItem[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			invariant, ok := r.(diagnostic.InvariantError)
			if !ok {
				panic(r)
			}
			err = invariant
		}
	}()
	return fn(ctx, item)
}

func (p *Pool) enter() {
	n := p.inFlight.Inc()
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CAS(peak, n) {
			return
		}
	}
}

func (p *Pool) leave() {
	p.inFlight.Dec()
	p.processed.Inc()
}
