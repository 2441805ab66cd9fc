package diagnostic

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ============================================================================
// 诊断接收器
// ============================================================================

// Handler 外部诊断接收器
type Handler interface {
	Error(d Diagnostic)
	Warning(d Diagnostic)
	Info(d Diagnostic)
}

// Entry 收集到的一条诊断
type Entry struct {
	Level      Level
	Diagnostic Diagnostic
}

// CollectingHandler 收集所有诊断，可并发使用
type CollectingHandler struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCollectingHandler 创建收集型接收器
func NewCollectingHandler() *CollectingHandler {
	return &CollectingHandler{}
}

func (h *CollectingHandler) add(level Level, d Diagnostic) {
	h.mu.Lock()
	h.entries = append(h.entries, Entry{Level: level, Diagnostic: d})
	h.mu.Unlock()
}

func (h *CollectingHandler) Error(d Diagnostic)   { h.add(LevelError, d) }
func (h *CollectingHandler) Warning(d Diagnostic) { h.add(LevelWarning, d) }
func (h *CollectingHandler) Info(d Diagnostic)    { h.add(LevelInfo, d) }

// Entries 返回收集到的诊断副本
func (h *CollectingHandler) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Messages 返回指定级别的消息
func (h *CollectingHandler) Messages(level Level) []string {
	var out []string
	for _, e := range h.Entries() {
		if e.Level == level {
			out = append(out, e.Diagnostic.DiagnosticMessage())
		}
	}
	return out
}

// LoggingHandler 把诊断写入 zap 日志
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler 创建日志型接收器
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

func (h *LoggingHandler) fields(d Diagnostic) []zap.Field {
	return []zap.Field{zap.Stringer("origin", d.Origin()), zap.Int("line", d.Position().Line)}
}

func (h *LoggingHandler) Error(d Diagnostic) {
	h.logger.Error(d.DiagnosticMessage(), h.fields(d)...)
}

func (h *LoggingHandler) Warning(d Diagnostic) {
	h.logger.Warn(d.DiagnosticMessage(), h.fields(d)...)
}

func (h *LoggingHandler) Info(d Diagnostic) {
	h.logger.Info(d.DiagnosticMessage(), h.fields(d)...)
}

// ============================================================================
// 报告器
// ============================================================================

// Reporter 把诊断转发给接收器并记录错误，可并发使用
type Reporter struct {
	handler Handler
	mu      sync.Mutex
	errs    error
}

// NewReporter 创建报告器
func NewReporter(handler Handler) *Reporter {
	return &Reporter{handler: handler}
}

// Error 报告错误并记录
func (r *Reporter) Error(d Diagnostic) {
	r.handler.Error(d)
	r.mu.Lock()
	r.errs = multierr.Append(r.errs, &AbortError{Diagnostic: d})
	r.mu.Unlock()
}

// Warning 报告警告
func (r *Reporter) Warning(d Diagnostic) {
	r.handler.Warning(d)
}

// Info 报告提示
func (r *Reporter) Info(d Diagnostic) {
	r.handler.Info(d)
}

// FatalError 报告错误并返回中止错误
func (r *Reporter) FatalError(d Diagnostic) *AbortError {
	r.Error(d)
	return &AbortError{Diagnostic: d}
}

// HasErrors 是否已报告过错误
func (r *Reporter) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs != nil
}

// FailIfPendingErrors 返回所有已报告错误的聚合
func (r *Reporter) FailIfPendingErrors() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}
