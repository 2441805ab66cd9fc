package desugar

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 脱糖库 API 转换回调
// ============================================================================

// VivifiedPrefix 未改写的库类型在回调签名中的包前缀
const VivifiedPrefix = "$-vivified-$/"

// CallbackSynthesizer 为重写了库方法、且签名中含有脱糖库类型的程序方法生成回调
//
// 运行时由库以原始类型调用回调，回调把参数转换为脱糖库类型后转发给程序方法，
// 再把返回值转换回去。
type CallbackSynthesizer struct {
	app      *graph.AppInfo
	f        *graph.ItemFactory
	opts     *options.Options
	reporter *diagnostic.Reporter
	logger   *zap.Logger
}

// NewCallbackSynthesizer 创建回调生成器
func NewCallbackSynthesizer(app *graph.AppInfo, opts *options.Options, reporter *diagnostic.Reporter, logger *zap.Logger) *CallbackSynthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackSynthesizer{app: app, f: app.Factory(), opts: opts, reporter: reporter, logger: logger}
}

// Synthesize 为所有程序类生成回调并加入类中；需要生成回调却没有事件消费者是配置错误
func (s *CallbackSynthesizer) Synthesize(events EventConsumer) error {
	if !s.opts.HasDesugaredLibrary() {
		return nil
	}
	var pending []*graph.ProgramMethod
	for _, class := range s.app.App().ProgramClasses() {
		for _, method := range class.ProgramMethods() {
			if s.shouldRegisterCallback(method) {
				pending = append(pending, method)
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if events == nil {
		return s.reporter.FatalError(&diagnostic.MissingEventConsumerDiagnostic{Event: "API conversion callback"})
	}
	for _, method := range pending {
		callback := s.generateCallback(method)
		if !method.Holder.AddMethod(callback) {
			continue
		}
		events.AcceptAPIConversionCallback(graph.NewProgramMethod(method.Holder, callback))
	}
	s.logger.Debug("synthesized api conversion callbacks", zap.Int("count", len(pending)))
	return nil
}

func (s *CallbackSynthesizer) shouldRegisterCallback(method *graph.ProgramMethod) bool {
	def := method.Definition
	flags := def.AccessFlags
	if flags.IsPrivate() || flags.IsStatic() || flags.IsAbstract() || def.Ref.IsInstanceInitializer() || def.Ref.IsClassInitializer() {
		return false
	}
	if !def.Ref.Proto.Mentions(s.isRewritten) {
		return false
	}
	return s.overridesNonFinalLibraryMethod(method.Holder, def.Ref)
}

func (s *CallbackSynthesizer) isRewritten(t *graph.Type) bool {
	return s.opts.RewrittenType(t.Descriptor()) != ""
}

// overridesNonFinalLibraryMethod 沿父类与接口向上查找同签名的库方法
func (s *CallbackSynthesizer) overridesNonFinalLibraryMethod(class *graph.Class, ref *graph.Method) bool {
	visited := mapset.NewThreadUnsafeSet[*graph.Type]()
	worklist := class.ImmediateSupertypes()
	for len(worklist) > 0 {
		t := worklist[0]
		worklist = worklist[1:]
		if t == s.f.ObjectType || !visited.Add(t) {
			continue
		}
		def := s.app.DefinitionFor(t)
		if def == nil {
			continue
		}
		if def.IsLibraryClass() {
			// 库类本身已被脱糖库替换时，重写关系在脱糖库内部
			if s.isRewritten(def.Type) {
				return false
			}
			if m := def.LookupVirtualMethod(ref); m != nil {
				return !m.AccessFlags.IsFinal()
			}
		}
		worklist = append(worklist, def.ImmediateSupertypes()...)
	}
	return false
}

// vivifiedType 回调签名中代替脱糖库类型的类型
func (s *CallbackSynthesizer) vivifiedType(t *graph.Type) *graph.Type {
	if !s.isRewritten(t) {
		return t
	}
	return s.f.CreateClassType(VivifiedPrefix + t.InternalName())
}

// converter vivified 类型上的转换方法
func (s *CallbackSynthesizer) converter(from, to, vivified *graph.Type) *graph.Method {
	return s.f.CreateMethod(vivified, "convert", s.f.CreateProto(to, from))
}

func (s *CallbackSynthesizer) generateCallback(method *graph.ProgramMethod) *graph.EncodedMethod {
	f := s.f
	ref := method.Reference()
	params := make([]*graph.Type, len(ref.Proto.Parameters))
	for i, p := range ref.Proto.Parameters {
		params[i] = s.vivifiedType(p)
	}
	ret := s.vivifiedType(ref.Proto.Return)
	callback := f.CreateMethod(ref.Holder, ref.Name, f.CreateProto(ret, params...))

	insns := []cf.Instruction{aload(0)}
	local := 1
	for i, p := range ref.Proto.Parameters {
		insns = append(insns, &cf.Load{Type: cf.ValueTypeFor(p), Local: local})
		local += p.RequiredRegisters()
		if params[i] != p {
			insns = append(insns, &cf.Invoke{Kind: cf.InvokeStatic, Method: s.converter(params[i], p, params[i])})
		}
	}
	itf := method.Holder.IsInterface()
	kind := cf.InvokeVirtual
	if itf {
		kind = cf.InvokeInterface
	}
	insns = append(insns, &cf.Invoke{Kind: kind, Method: ref, Itf: itf})
	if ret != ref.Proto.Return {
		insns = append(insns, &cf.Invoke{Kind: cf.InvokeStatic, Method: s.converter(ref.Proto.Return, ret, ret)})
	}
	insns = append(insns, returnFor(ret))

	flags := method.Definition.AccessFlags.Set(graph.AccSynthetic).Unset(graph.AccFinal)
	return graph.NewEncodedMethod(callback, flags, cf.NewCode(local, insns...))
}
