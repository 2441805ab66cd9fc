package apilevel

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// 合法性判断
// ============================================================================

// WhyNotInliningReporter 记录因 API 级别拒绝内联的原因
type WhyNotInliningReporter interface {
	ReportCallerHasUnknownApiLevel()
	ReportInlineeHigherApiCall(caller, inlinee androidapi.ComputedApiLevel)
}

type nopReporter struct{}

func (nopReporter) ReportCallerHasUnknownApiLevel()                             {}
func (nopReporter) ReportInlineeHigherApiCall(_, _ androidapi.ComputedApiLevel) {}

// NopReporter 不记录任何原因
var NopReporter WhyNotInliningReporter = nopReporter{}

// Oracle 基于 API 级别判断优化是否安全
type Oracle struct {
	compute *Compute
	app     *graph.AppInfo
	opts    *options.Options

	// assumedPresent 未识别调用者级别时假定在所有级别都存在的库类型
	assumedPresent mapset.Set[*graph.Type]
}

// NewOracle 创建判断器
func NewOracle(compute *Compute) *Oracle {
	f := compute.app.Factory()
	return &Oracle{
		compute: compute,
		app:     compute.app,
		opts:    compute.opts,
		assumedPresent: mapset.NewThreadUnsafeSet(
			f.ObjectType, f.StringType, f.ClassType, f.ThrowableType,
			f.StringBuilderType, f.CloneableType, f.SerializableType,
			f.NullPointerExceptionType, f.NoClassDefFoundErrorType,
		),
	}
}

// Compute 返回底层计算器
func (o *Oracle) Compute() *Compute { return o.compute }

// IsApiSafeForInlining 调用者的级别不低于被内联方法时才能内联
func (o *Oracle) IsApiSafeForInlining(caller, inlinee *graph.ProgramMethod, reporter WhyNotInliningReporter) bool {
	if reporter == nil {
		reporter = NopReporter
	}
	if !o.opts.ApiCallerIdentificationEnabled() {
		return true
	}
	if caller.HolderType() == inlinee.HolderType() {
		return true
	}
	callerLevel := caller.Definition.ApiLevelForCode()
	if callerLevel.IsUnknownApiLevel() {
		reporter.ReportCallerHasUnknownApiLevel()
		return false
	}
	inlineeLevel := inlinee.Definition.ApiLevelForCode()
	if !callerLevel.IsGreaterThanOrEqualTo(inlineeLevel).IsTrue() {
		reporter.ReportInlineeHigherApiCall(callerLevel, inlineeLevel)
		return false
	}
	return true
}

// IsApiSafeForMemberRebinding 把对 original 的引用改成对库方法 method 的引用是否安全
func (o *Oracle) IsApiSafeForMemberRebinding(method, original *graph.Method) bool {
	if !o.compute.IsEnabled() {
		return o.opts.IsAndroidPlatformBuildOrMinApiPlatform()
	}
	level := o.compute.ComputeApiLevelForLibraryReference(method, androidapi.UnknownLevel())
	if level.IsUnknownApiLevel() {
		return false
	}
	originalLevel := o.compute.ComputeApiLevelForLibraryReference(original, androidapi.UnknownLevel())
	if originalLevel.IsUnknownApiLevel() {
		return false
	}
	return originalLevel.Max(level).IsLessThanOrEqualTo(o.compute.MinApiLevel()).IsTrue()
}

// IsApiSafeForReference 库定义在最低级别上是否一定存在
func (o *Oracle) IsApiSafeForReference(definition graph.Reference) bool {
	if o.opts.IsAndroidPlatformBuildOrMinApiPlatform() {
		return true
	}
	if !o.opts.ApiCallerIdentificationEnabled() {
		return o.assumedPresent.Contains(definition.ContextType())
	}
	level := o.compute.ComputeApiLevelForLibraryReference(definition, androidapi.UnknownLevel())
	return level.IsLessThanOrEqualTo(o.compute.MinApiLevel()).IsTrue()
}

// isApiSafeForReplacing 新定义出现得不晚于旧定义
func (o *Oracle) isApiSafeForReplacing(newDefinition, oldDefinition graph.Reference) bool {
	level := o.compute.ComputeApiLevelForLibraryReference(newDefinition, androidapi.UnknownLevel())
	if level.IsUnknownApiLevel() {
		return false
	}
	oldLevel := o.compute.ComputeApiLevelForLibraryReference(oldDefinition, androidapi.UnknownLevel())
	return level.IsLessThanOrEqualTo(oldLevel).IsTrue()
}

// IsApiSafeForTypeStrengthening 把 oldType 的静态类型加强为 newType 是否安全
func (o *Oracle) IsApiSafeForTypeStrengthening(newType, oldType *graph.Type) bool {
	newBase := newType.BaseType()
	if newBase.IsPrimitiveType() {
		return true
	}
	newClass := o.app.DefinitionFor(newBase)
	if newClass == nil {
		return false
	}
	if !newClass.IsLibraryClass() {
		return true
	}
	if !o.opts.ApiCallerIdentificationEnabled() {
		return o.opts.IsAndroidPlatformBuildOrMinApiPlatform()
	}
	if o.IsApiSafeForReference(newBase) {
		return true
	}
	oldClass := o.app.DefinitionFor(oldType.BaseType())
	return oldClass != nil && oldClass.IsLibraryClass() && o.isApiSafeForReplacing(newBase, oldClass.Type)
}

// ApiReferenceLevelForMerging 类的级别：直接父类型与所有方法体级别的最大值
func (o *Oracle) ApiReferenceLevelForMerging(class *graph.Class) androidapi.ComputedApiLevel {
	level := o.compute.MinApiLevel()
	for _, t := range class.ImmediateSupertypes() {
		level = level.Max(o.compute.ComputeApiLevelForLibraryReference(t, o.compute.PlatformApiLevelOrUnknown()))
	}
	for _, m := range class.Methods {
		if level.IsUnknownApiLevel() {
			break
		}
		if m.Code != nil {
			level = level.Max(m.ApiLevelForCode())
		}
	}
	return level
}

// ============================================================================
// 定义查找
// ============================================================================

// FindAndComputeApiLevelForLibraryDefinition 找到 holder 上 ref 的库定义（或程序定义）及其级别
//
// 数据库不支持向下解析，所以只需找到第一个程序定义或库边界。
// 返回的类为 nil 表示找不到定义。
func (o *Oracle) FindAndComputeApiLevelForLibraryDefinition(holder *graph.Class, ref graph.Member) (*graph.Class, androidapi.ComputedApiLevel) {
	if holder.IsLibraryClass() {
		return holder, o.compute.ComputeApiLevelForLibraryReference(ref, androidapi.UnknownLevel())
	}
	first := o.firstLibraryClassOrProgramClassWithDefinition(holder, ref)
	if first == nil {
		return nil, androidapi.UnknownLevel()
	}
	if !first.IsLibraryClass() {
		return first, o.compute.MinApiLevel()
	}
	level := o.compute.ComputeApiLevelForLibraryReference(ref.WithHolder(first.Type), androidapi.UnknownLevel())
	if level.IsKnownApiLevel() {
		return first, level
	}

	// 父类链上没有，查库接口
	interfaces := o.firstLibraryInterfacesOrProgramClassWithDefinition(holder, ref)
	if len(interfaces) == 1 && !interfaces[0].IsLibraryClass() {
		return interfaces[0], o.compute.MinApiLevel()
	}
	var found *graph.Class
	minLevel := androidapi.UnknownLevel()
	for _, itf := range interfaces {
		itfLevel := o.compute.ComputeApiLevelForLibraryReference(ref.WithHolder(itf.Type), androidapi.UnknownLevel())
		if itfLevel.IsUnknownApiLevel() {
			continue
		}
		if found == nil || minLevel.IsGreaterThan(itfLevel).IsTrue() {
			minLevel = itfLevel
			found = itf
		}
	}
	return found, minLevel
}

func (o *Oracle) firstLibraryClassOrProgramClassWithDefinition(original *graph.Class, ref graph.Member) *graph.Class {
	visited := make(map[*graph.Class]bool)
	for class := original; class != nil && !visited[class]; {
		visited[class] = true
		if class.IsLibraryClass() || class.LookupMember(ref) {
			return class
		}
		if class.SuperType == nil {
			return nil
		}
		class = o.app.DefinitionFor(class.SuperType)
	}
	return nil
}

func (o *Oracle) firstLibraryInterfacesOrProgramClassWithDefinition(original *graph.Class, ref graph.Member) []*graph.Class {
	var interfaces []*graph.Class
	visited := map[*graph.Class]bool{original: true}
	worklist := []*graph.Class{original}
	for len(worklist) > 0 {
		class := worklist[0]
		worklist = worklist[1:]
		if class.IsLibraryClass() {
			if class.IsInterface() {
				interfaces = append(interfaces, class)
			}
			continue
		}
		if class.LookupMember(ref) {
			return []*graph.Class{class}
		}
		for _, t := range class.ImmediateSupertypes() {
			if super := o.app.DefinitionFor(t); super != nil && !visited[super] {
				visited[super] = true
				worklist = append(worklist, super)
			}
		}
	}
	return interfaces
}
