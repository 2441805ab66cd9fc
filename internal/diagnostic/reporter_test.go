package diagnostic

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/multierr"
)

// TestReporterAggregatesErrors 测试并发报告错误的聚合
func TestReporterAggregatesErrors(t *testing.T) {
	handler := NewCollectingHandler()
	reporter := NewReporter(handler)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reporter.Error(NewStringDiagnostic("boom", UnknownOrigin))
		}()
	}
	wg.Wait()
	reporter.Warning(NewStringDiagnostic("careful", UnknownOrigin))

	err := reporter.FailIfPendingErrors()
	if err == nil {
		t.Fatal("expected pending errors")
	}
	if n := len(multierr.Errors(err)); n != 8 {
		t.Errorf("expected 8 errors, got %d", n)
	}
	if n := len(handler.Messages(LevelError)); n != 8 {
		t.Errorf("expected 8 error diagnostics, got %d", n)
	}
	if got := handler.Messages(LevelWarning); len(got) != 1 || got[0] != "careful" {
		t.Errorf("unexpected warnings: %v", got)
	}
}

// TestFatalError 测试致命诊断
func TestFatalError(t *testing.T) {
	handler := NewCollectingHandler()
	reporter := NewReporter(handler)

	err := reporter.FatalError(&MissingGlobalSyntheticsConsumerDiagnostic{GeneratingReason: "API stubbing"})
	var abort *AbortError
	if !errors.As(error(err), &abort) {
		t.Fatal("expected AbortError")
	}
	want := "Invalid build configuration. Attempt to create a global synthetic for 'API stubbing' without a global-synthetics consumer."
	if abort.Diagnostic.DiagnosticMessage() != want {
		t.Errorf("unexpected message: %s", abort.Diagnostic.DiagnosticMessage())
	}
	if !reporter.HasErrors() {
		t.Error("fatal error should be recorded")
	}
}

// TestAssert 测试不变量断言
func TestAssert(t *testing.T) {
	defer func() {
		r := recover()
		ie, ok := r.(InvariantError)
		if !ok {
			t.Fatalf("expected InvariantError, got %v", r)
		}
		if !strings.Contains(ie.Error(), "value v3") {
			t.Errorf("unexpected message: %s", ie.Error())
		}
	}()
	Assert(true, "never")
	Assert(false, "value v%d", 3)
}

// TestDuplicateTypesMessage 测试重复类型消息
func TestDuplicateTypesMessage(t *testing.T) {
	d := &DuplicateTypesDiagnostic{Type: "LFoo;", Origins: []Origin{{Name: "a.jar"}, {Name: "b.jar"}}}
	if d.DiagnosticMessage() != "Type LFoo; is defined multiple times: a.jar, b.jar" {
		t.Errorf("unexpected message: %s", d.DiagnosticMessage())
	}
	if d.Origin().Name != "a.jar" {
		t.Errorf("unexpected origin: %s", d.Origin())
	}
}
