package desugar

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/graph/graphtest"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 测试环境
// ============================================================================

type env struct {
	ab   *graphtest.AppBuilder
	f    *graph.ItemFactory
	opts *options.Options
}

func newEnv(minApi androidapi.AndroidApiLevel) *env {
	ab := graphtest.New()
	opts := options.Default()
	opts.MinApi = int(minApi)
	opts.DebugChecks = true
	return &env{ab: ab, f: ab.F, opts: opts}
}

// build 构建应用与规则集合
func (e *env) build(t *testing.T) (*graph.AppInfo, Collection) {
	t.Helper()
	app := graph.NewAppInfo(e.ab.Build(t), true)
	return app, NewCollection(app, e.opts, e.ab.Reporter, zap.NewNop())
}

// method 添加带类文件代码的方法
func (e *env) method(c *graph.Class, sig string, flags graph.AccessFlags, maxLocals int, insns ...cf.Instruction) *graph.ProgramMethod {
	return e.ab.Method(c, sig, flags, cf.NewCode(maxLocals, insns...))
}

// desugar 改写方法并返回产生的事件
func desugar(t *testing.T, c Collection, method *graph.ProgramMethod) *EventBuffer {
	t.Helper()
	events := NewEventBuffer()
	err := c.Desugar(method, NewMethodProcessingContext(method), events)
	assert.NilError(t, err)
	return events
}

func codeOf(method *graph.ProgramMethod) *cf.Code {
	return method.Definition.Code.(*cf.Code)
}

func listing(insns ...string) string {
	var sb strings.Builder
	for _, s := range insns {
		if strings.HasSuffix(s, ":") {
			sb.WriteString(s + "\n")
			continue
		}
		sb.WriteString("  " + s + "\n")
	}
	return sb.String()
}

// invariantPanic 执行 fn，返回其 InvariantError
func invariantPanic(fn func()) (err *diagnostic.InvariantError) {
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(diagnostic.InvariantError); ok {
				err = &ie
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

func ruleNames(c Collection) []string {
	var out []string
	for _, r := range c.Rules() {
		out = append(out, fmt.Sprintf("%T", r))
	}
	return out
}

// ============================================================================
// 集合构建
// ============================================================================

// TestCollectionRuleOrder 测试规则的注册顺序
func TestCollectionRuleOrder(t *testing.T) {
	e := newEnv(androidapi.B)
	e.opts.Desugaring.Retarget = map[string]string{
		"Ljava/util/Date;->toInstant()Ljava/time/Instant;": "Lj$/util/DesugarDate;",
	}
	outer := e.ab.Program("LOuter;", "Ljava/lang/Object;")
	inner := e.ab.Program("LOuter$Inner;", "Ljava/lang/Object;")
	outer.NestMembers = []*graph.Type{inner.Type}
	inner.NestHost = outer.Type
	_, c := e.build(t)

	want := []string{
		"*desugar.Retargeter",
		"*desugar.TwrRewriter",
		"*desugar.InterfaceMethodRewriter",
		"*desugar.LambdaRewriter",
		"*desugar.InvokeToPrivateRewriter",
		"*desugar.StringConcatRewriter",
		"*desugar.BufferCovariantReturnRewriter",
		"*desugar.BackportRewriter",
		"*desugar.NestBasedAccessRewriter",
		"*desugar.RecordRewriter",
	}
	assert.DeepEqual(t, ruleNames(c), want)
}

// TestCollectionForModernMinApi 高级别时只保留总是需要的规则
func TestCollectionForModernMinApi(t *testing.T) {
	e := newEnv(androidapi.U)
	_, c := e.build(t)
	want := []string{
		"*desugar.LambdaRewriter",
		"*desugar.InvokeToPrivateRewriter",
		"*desugar.StringConcatRewriter",
		"*desugar.RecordRewriter",
	}
	assert.DeepEqual(t, ruleNames(c), want)
}

// TestCollectionWithoutDesugaring 测试关闭脱糖时的集合
func TestCollectionWithoutDesugaring(t *testing.T) {
	t.Run("class files", func(t *testing.T) {
		e := newEnv(androidapi.L)
		e.opts.Desugaring.Enabled = false
		e.opts.GenerateClassFiles = true
		_, c := e.build(t)
		_, ok := c.(emptyCollection)
		assert.Check(t, ok)
		assert.Check(t, is.Len(c.Rules(), 0))
	})
	t.Run("dex", func(t *testing.T) {
		e := newEnv(androidapi.L)
		e.opts.Desugaring.Enabled = false
		_, c := e.build(t)
		assert.DeepEqual(t, ruleNames(c), []string{"*desugar.InvokeToPrivateRewriter"})
	})
}

// ============================================================================
// 分派
// ============================================================================

// TestNeedsDesugaringByCodeKind 测试不同方法体的判断
func TestNeedsDesugaringByCodeKind(t *testing.T) {
	e := newEnv(androidapi.L)
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	abstract := e.ab.Method(app, "a()V", graph.AccPublic|graph.AccAbstract, nil)
	dex := e.ab.Method(app, "d()V", graph.AccPublic, &graph.DexCode{})
	plain := e.method(app, "p()V", graph.AccPublic, 1, &cf.Return{Type: cf.Void})
	_, c := e.build(t)

	assert.Check(t, !c.NeedsDesugaring(abstract))
	assert.Check(t, !c.NeedsDesugaring(dex))
	assert.Check(t, !c.NeedsDesugaring(plain))
}

// TestDesugarNonCfCode 非类文件代码报告错误
func TestDesugarNonCfCode(t *testing.T) {
	e := newEnv(androidapi.L)
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	dex := e.ab.Method(app, "d()V", graph.AccPublic, &graph.DexCode{})
	_, c := e.build(t)

	c.Prepare(dex, NewProgramAdditions())
	err := c.Desugar(dex, NewMethodProcessingContext(dex), NewEventBuffer())
	assert.ErrorContains(t, err, "not class file code")
	assert.DeepEqual(t, e.ab.Handler.Messages(diagnostic.LevelError), []string{
		"Unsupported attempt to desugar non-CF code",
		"Unsupported attempt to desugar non-CF code",
	})
}

// TestDesugarLeavesUnclaimedCodeAlone 没有规则声明时方法体不变
func TestDesugarLeavesUnclaimedCodeAlone(t *testing.T) {
	e := newEnv(androidapi.L)
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	m := e.method(app, "m(I)I", graph.AccPublic|graph.AccStatic, 1,
		&cf.Load{Type: cf.Int, Local: 0},
		&cf.Return{Type: cf.Int},
	)
	before := codeOf(m).String()
	_, c := e.build(t)

	events := desugar(t, c, m)
	assert.Equal(t, codeOf(m).String(), before)
	assert.Equal(t, events.Len(), 0)
}

// TestImpreciseFalsePositive 不精确规则声明却不改写是允许的
func TestImpreciseFalsePositive(t *testing.T) {
	e := newEnv(androidapi.L)
	e.ab.LibraryInterface("Ljava/util/Comparator;")
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	naturalOrder := e.ab.Ref("Ljava/util/Comparator;", "naturalOrder()Ljava/util/Comparator;")
	m := e.method(app, "m()Ljava/util/Comparator;", graph.AccPublic|graph.AccStatic, 0,
		&cf.Invoke{Kind: cf.InvokeStatic, Method: naturalOrder, Itf: true},
		&cf.Return{Type: cf.Object},
	)
	before := codeOf(m).String()
	_, c := e.build(t)

	assert.Check(t, c.NeedsDesugaring(m))
	assert.Check(t, invariantPanic(func() { desugar(t, c, m) }) == nil)
	assert.Equal(t, codeOf(m).String(), before)
}

// ============================================================================
// 内部检查
// ============================================================================

// claimingRule 声明所有调用，按 replace 决定是否改写
type claimingRule struct {
	precise  bool
	replace  bool
	allocate bool
}

func (r claimingRule) HasPreciseNeedsDesugaring() bool { return r.precise }

func (r claimingRule) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	_, ok := insn.(*cf.Invoke)
	return ok
}

func (r claimingRule) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	if r.allocate {
		ctx.FreshLocal(1)
	}
	if !r.replace {
		return nil
	}
	return []cf.Instruction{insn}
}

func testCollection(e *env, t *testing.T, rules ...Rule) Collection {
	app := graph.NewAppInfo(e.ab.Build(t), true)
	return &nonEmptyCollection{app: app, opts: e.opts, reporter: e.ab.Reporter, logger: zap.NewNop(), rules: rules}
}

func invokeMethod(e *env) *graph.ProgramMethod {
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	e.ab.Library("LLib;", "Ljava/lang/Object;")
	return e.method(app, "m()V", graph.AccPublic|graph.AccStatic, 0,
		&cf.Invoke{Kind: cf.InvokeStatic, Method: e.ab.Ref("LLib;", "run()V")},
		&cf.Return{Type: cf.Void},
	)
}

// TestPreciseClaimWithoutRewrite 精确规则声明却不改写是内部错误
func TestPreciseClaimWithoutRewrite(t *testing.T) {
	e := newEnv(androidapi.L)
	m := invokeMethod(e)
	c := testCollection(e, t, claimingRule{precise: true})

	err := invariantPanic(func() { desugar(t, c, m) })
	assert.Assert(t, err != nil)
	assert.Check(t, is.Contains(err.Message, "expected code of LApp;->m()V to be desugared"))
}

// TestAllocationWithoutReplacement 分配了局部变量却没有替换是内部错误
func TestAllocationWithoutReplacement(t *testing.T) {
	e := newEnv(androidapi.L)
	m := invokeMethod(e)
	c := testCollection(e, t, claimingRule{precise: false, allocate: true})

	err := invariantPanic(func() { desugar(t, c, m) })
	assert.Assert(t, err != nil)
	assert.Check(t, is.Contains(err.Message, "allocated without replacing"))
}

// TestMultipleMatches 两个规则同时声明同一条指令是内部错误
func TestMultipleMatches(t *testing.T) {
	e := newEnv(androidapi.L)
	m := invokeMethod(e)
	c := testCollection(e, t, claimingRule{precise: true, replace: true}, claimingRule{precise: true, replace: true})

	err := invariantPanic(func() { desugar(t, c, m) })
	assert.Assert(t, err != nil)
	assert.Check(t, is.Contains(err.Message, "has multiple matches"))

	// 不做内部检查时第一个规则胜出
	e.opts.DebugChecks = false
	assert.Check(t, invariantPanic(func() { desugar(t, c, m) }) == nil)
}

// TestHighWaterMark 局部变量与栈的上限取所有替换中的最大值
func TestHighWaterMark(t *testing.T) {
	e := newEnv(androidapi.L)
	app := e.ab.Program("LApp;", "Ljava/lang/Object;")
	concat := func(params ...*graph.Type) cf.Instruction {
		return &cf.InvokeDynamic{CallSite: &cf.CallSite{
			Bootstrap:   e.ab.Ref(e.f.StringConcatFactoryType.Descriptor(), "makeConcatWithConstants()V"),
			MethodName:  "makeConcatWithConstants",
			MethodProto: e.f.CreateProto(e.f.StringType, params...),
		}}
	}
	m := e.method(app, "m(JI)V", graph.AccPublic|graph.AccStatic, 3,
		&cf.Load{Type: cf.Long, Local: 0},
		concat(e.f.LongType),
		&cf.StackInstruction{Op: cf.Pop},
		&cf.Load{Type: cf.Long, Local: 0},
		&cf.Load{Type: cf.Int, Local: 2},
		concat(e.f.LongType, e.f.IntType),
		&cf.StackInstruction{Op: cf.Pop},
		&cf.Return{Type: cf.Void},
	)
	assert.Equal(t, codeOf(m).MaxStack, 3)
	_, c := e.build(t)

	desugar(t, c, m)
	// 第二个调用点需要 3 个新槽：long 占 2 个，int 占 1 个
	assert.Equal(t, codeOf(m).MaxLocals, 6)
	assert.Equal(t, codeOf(m).MaxStack, 6)
}

// ============================================================================
// 互斥性
// ============================================================================

// TestRulesAreMutuallyExclusive 任意指令序列在打开内部检查时都能改写
func TestRulesAreMutuallyExclusive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := newEnv(androidapi.B)
		f := e.f
		e.ab.LibraryInterface("Ljava/util/Comparator;")
		e.ab.LibraryInterface("Ljava/lang/Runnable;")
		e.ab.Library("Ljava/nio/Buffer;", "Ljava/lang/Object;")
		e.ab.Library("Ljava/nio/ByteBuffer;", "Ljava/nio/Buffer;")
		itf := e.ab.ProgramInterface("LI;")
		e.method(itf, "s()V", graph.AccPublic|graph.AccStatic, 0, &cf.Return{Type: cf.Void})
		host := e.ab.Program("LApp;", "Ljava/lang/Object;")
		inner := e.ab.Program("LApp$Inner;", "Ljava/lang/Object;")
		host.NestMembers = []*graph.Type{inner.Type}
		inner.NestHost = host.Type
		inner.Fields = append(inner.Fields, &graph.EncodedField{Ref: f.CreateField(inner.Type, "x", f.IntType), AccessFlags: graph.AccPrivate})
		e.method(host, "priv()V", graph.AccPrivate, 1, &cf.Return{Type: cf.Void})
		e.method(host, "lambda$0()V", graph.AccPrivate|graph.AccStatic, 0, &cf.Return{Type: cf.Void})

		pool := []func() cf.Instruction{
			func() cf.Instruction { return &cf.ConstNumber{Type: cf.Int, Value: 0} },
			func() cf.Instruction { return &cf.StackInstruction{Op: cf.Pop} },
			func() cf.Instruction {
				return &cf.Invoke{Kind: cf.InvokeStatic, Method: e.ab.Ref("Ljava/util/Objects;", "isNull(Ljava/lang/Object;)Z")}
			},
			func() cf.Instruction {
				return &cf.Invoke{Kind: cf.InvokeVirtual, Method: e.ab.Ref("LApp;", "priv()V")}
			},
			func() cf.Instruction {
				return &cf.Invoke{Kind: cf.InvokeStatic, Method: e.ab.Ref("Ljava/util/Comparator;", "naturalOrder()Ljava/util/Comparator;"), Itf: true}
			},
			func() cf.Instruction {
				return &cf.Invoke{Kind: cf.InvokeStatic, Method: e.ab.Ref("LI;", "s()V"), Itf: true}
			},
			func() cf.Instruction {
				return &cf.Invoke{Kind: cf.InvokeVirtual, Method: e.ab.Ref("Ljava/nio/ByteBuffer;", "flip()Ljava/nio/ByteBuffer;")}
			},
			func() cf.Instruction {
				return &cf.FieldInstruction{Kind: cf.GetField, Field: f.CreateField(inner.Type, "x", f.IntType)}
			},
			func() cf.Instruction {
				return &cf.InvokeDynamic{CallSite: &cf.CallSite{
					Bootstrap:   e.ab.Ref(f.StringConcatFactoryType.Descriptor(), "makeConcatWithConstants()V"),
					MethodName:  "makeConcatWithConstants",
					MethodProto: f.CreateProto(f.StringType, f.IntType),
				}}
			},
			func() cf.Instruction {
				return &cf.InvokeDynamic{CallSite: &cf.CallSite{
					Bootstrap:          e.ab.Ref(f.LambdaMetafactoryType.Descriptor(), "metafactory()V"),
					MethodName:         "run",
					MethodProto:        f.CreateProto(f.CreateType("Ljava/lang/Runnable;")),
					Implementation:     e.ab.Ref("LApp;", "lambda$0()V"),
					ImplementationKind: cf.InvokeStatic,
					InterfaceProto:     f.CreateProto(f.VoidType),
				}}
			},
		}
		picks := rapid.SliceOfN(rapid.IntRange(0, len(pool)-1), 1, 12).Draw(rt, "insns")
		insns := make([]cf.Instruction, 0, len(picks)+1)
		for _, i := range picks {
			insns = append(insns, pool[i]())
		}
		insns = append(insns, &cf.Return{Type: cf.Void})
		m := e.method(host, "m(LApp$Inner;)V", graph.AccPublic|graph.AccStatic, 1, insns...)
		_, c := e.build(t)

		if err := invariantPanic(func() {
			events := NewEventBuffer()
			if err := c.Desugar(m, NewMethodProcessingContext(m), events); err != nil {
				rt.Fatalf("desugar failed: %v", err)
			}
		}); err != nil {
			rt.Fatalf("unexpected invariant failure: %v", err)
		}
		if got := len(codeOf(m).Instructions); got < len(insns) {
			rt.Fatalf("desugared code shrank from %d to %d instructions", len(insns), got)
		}
	})
}

// TestAllowedOverlap 接口私有方法同时被两个规则声明
func TestAllowedOverlap(t *testing.T) {
	e := newEnv(androidapi.L)
	itf := e.ab.ProgramInterface("LI;")
	e.method(itf, "p()V", graph.AccPrivate, 1, &cf.Return{Type: cf.Void})
	m := e.method(itf, "d()V", graph.AccPublic, 1,
		&cf.Load{Type: cf.Object, Local: 0},
		&cf.Invoke{Kind: cf.InvokeInterface, Method: e.ab.Ref("LI;", "p()V"), Itf: true},
		&cf.Return{Type: cf.Void},
	)
	_, c := e.build(t)

	assert.Check(t, invariantPanic(func() { desugar(t, c, m) }) == nil)
	got := codeOf(m).Instructions[1].String()
	assert.Check(t, cmp.Equal(got, "invokestatic LI$-CC;->p$private(LI;)V"), got)
}
