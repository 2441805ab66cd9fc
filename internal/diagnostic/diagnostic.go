// Package diagnostic 提供编译器核心的诊断信息、诊断接收器与不变量失败
package diagnostic

import (
	"fmt"
	"strings"
)

// ============================================================================
// 诊断级别
// ============================================================================

// Level 诊断级别
type Level int

const (
	LevelError   Level = iota // 错误
	LevelWarning              // 警告
	LevelInfo                 // 提示
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	default:
		return "unknown"
	}
}

// ============================================================================
// 来源与位置
// ============================================================================

// Origin 诊断来源（输入文件、类或合成项）
type Origin struct {
	Name string
}

// UnknownOrigin 未知来源
var UnknownOrigin = Origin{}

func (o Origin) String() string {
	if o.Name == "" {
		return "<unknown>"
	}
	return o.Name
}

// Position 来源内的位置，Line 为 0 表示未知
type Position struct {
	Line int
}

// UnknownPosition 未知位置
var UnknownPosition = Position{}

// ============================================================================
// 诊断
// ============================================================================

// Diagnostic 由核心产生、交给外部接收器格式化的诊断
type Diagnostic interface {
	Origin() Origin
	Position() Position
	DiagnosticMessage() string
}

// StringDiagnostic 纯文本诊断
type StringDiagnostic struct {
	Message  string
	From     Origin
	Location Position
}

// NewStringDiagnostic 创建纯文本诊断
func NewStringDiagnostic(message string, origin Origin) *StringDiagnostic {
	return &StringDiagnostic{Message: message, From: origin}
}

func (d *StringDiagnostic) Origin() Origin            { return d.From }
func (d *StringDiagnostic) Position() Position        { return d.Location }
func (d *StringDiagnostic) DiagnosticMessage() string { return d.Message }

// MissingGlobalSyntheticsConsumerDiagnostic 生成全局合成类时缺少消费者
type MissingGlobalSyntheticsConsumerDiagnostic struct {
	GeneratingReason string
}

func (d *MissingGlobalSyntheticsConsumerDiagnostic) Origin() Origin     { return UnknownOrigin }
func (d *MissingGlobalSyntheticsConsumerDiagnostic) Position() Position { return UnknownPosition }

func (d *MissingGlobalSyntheticsConsumerDiagnostic) DiagnosticMessage() string {
	return fmt.Sprintf("Invalid build configuration. Attempt to create a global synthetic for '%s' without a global-synthetics consumer.", d.GeneratingReason)
}

// MissingEventConsumerDiagnostic 必须通知的事件没有注册消费者
type MissingEventConsumerDiagnostic struct {
	Event string
}

func (d *MissingEventConsumerDiagnostic) Origin() Origin     { return UnknownOrigin }
func (d *MissingEventConsumerDiagnostic) Position() Position { return UnknownPosition }

func (d *MissingEventConsumerDiagnostic) DiagnosticMessage() string {
	return fmt.Sprintf("Invalid build configuration. Attempt to report '%s' without an event consumer.", d.Event)
}

// DuplicateTypesDiagnostic 同一类型在程序输入中出现多次
type DuplicateTypesDiagnostic struct {
	Type    string
	Origins []Origin
}

func (d *DuplicateTypesDiagnostic) Origin() Origin {
	if len(d.Origins) > 0 {
		return d.Origins[0]
	}
	return UnknownOrigin
}

func (d *DuplicateTypesDiagnostic) Position() Position { return UnknownPosition }

func (d *DuplicateTypesDiagnostic) DiagnosticMessage() string {
	names := make([]string, len(d.Origins))
	for i, o := range d.Origins {
		names[i] = o.String()
	}
	return fmt.Sprintf("Type %s is defined multiple times: %s", d.Type, strings.Join(names, ", "))
}

// ============================================================================
// 错误类型
// ============================================================================

// AbortError 致命诊断导致编译中止
type AbortError struct {
	Diagnostic Diagnostic
}

func (e *AbortError) Error() string {
	return "compilation failed: " + e.Diagnostic.DiagnosticMessage()
}

// InvariantError 内部不变量被破坏，不可由用户恢复
// 仅在工作池边界被转换为单元失败
type InvariantError struct {
	Message string
}

func (e InvariantError) Error() string {
	return "invariant violated: " + e.Message
}

// Unreachable 以 InvariantError panic
func Unreachable(format string, args ...any) {
	panic(InvariantError{Message: fmt.Sprintf(format, args...)})
}

// Assert 条件不成立时以 InvariantError panic
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(InvariantError{Message: fmt.Sprintf(format, args...)})
	}
}
