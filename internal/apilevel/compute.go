package apilevel

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/options"
)

// ============================================================================
// API 级别计算
// ============================================================================

// lookupResult 缓存项；found 为 false 表示数据库与库层次中都没有
type lookupResult struct {
	level androidapi.ComputedApiLevel
	found bool
}

// Compute 每次编译一个，可被所有工作者共享
type Compute struct {
	app    *graph.AppInfo
	db     *Database
	opts   *options.Options
	logger *zap.Logger

	// cache 只追加；读不加锁
	cache sync.Map // graph.Reference -> lookupResult
	group singleflight.Group
}

// NewCompute 创建计算器；db 为 nil 时视为空数据库
func NewCompute(app *graph.AppInfo, db *Database, opts *options.Options, logger *zap.Logger) *Compute {
	if db == nil {
		db = NewDatabase()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compute{app: app, db: db, opts: opts, logger: logger}
}

// IsEnabled 是否对库 API 建模
func (c *Compute) IsEnabled() bool {
	return c.opts.ApiModelingEnabled()
}

// MinApiLevel 最低 API 级别
func (c *Compute) MinApiLevel() androidapi.ComputedApiLevel {
	return c.opts.ComputedMinApiLevel()
}

// PlatformApiLevelOrUnknown 平台构建时为最低级别，否则未知
func (c *Compute) PlatformApiLevelOrUnknown() androidapi.ComputedApiLevel {
	if c.opts.IsAndroidPlatformBuildOrMinApiPlatform() {
		return c.MinApiLevel()
	}
	return androidapi.UnknownLevel()
}

// ComputeApiLevelForLibraryReference 引用在库中首次出现的级别，找不到时返回 unknownValue
//
// 非库引用（程序类、原始类型）取最低级别。
func (c *Compute) ComputeApiLevelForLibraryReference(ref graph.Reference, unknownValue androidapi.ComputedApiLevel) androidapi.ComputedApiLevel {
	if !c.IsEnabled() {
		return unknownValue
	}
	holder := ref.ContextType().BaseType()
	if holder.IsPrimitiveType() {
		return c.MinApiLevel()
	}
	definition := c.app.DefinitionFor(holder)
	if definition == nil {
		return unknownValue
	}
	if !definition.IsLibraryClass() {
		return c.MinApiLevel()
	}
	if t, ok := ref.(*graph.Type); ok && t.IsArrayType() {
		ref = holder
	}
	result := c.lookup(ref)
	if !result.found {
		return unknownValue
	}
	return result.level
}

// lookup 查缓存，未命中时合并同一引用的并发计算
func (c *Compute) lookup(ref graph.Reference) lookupResult {
	if cached, ok := c.cache.Load(ref); ok {
		return cached.(lookupResult)
	}
	v, _, _ := c.group.Do(ref.String(), func() (any, error) {
		if cached, ok := c.cache.Load(ref); ok {
			return cached, nil
		}
		result := c.computeUncached(ref)
		actual, _ := c.cache.LoadOrStore(ref, result)
		return actual, nil
	})
	return v.(lookupResult)
}

func (c *Compute) computeUncached(ref graph.Reference) lookupResult {
	holder := ref.ContextType()
	holderLevel, holderKnown := c.db.Lookup(holder)
	withHolder := func(level androidapi.AndroidApiLevel) lookupResult {
		if holderKnown {
			level = level.Max(holderLevel)
		}
		return lookupResult{level: androidapi.Of(level), found: true}
	}

	member, isMember := ref.(graph.Member)
	if !isMember {
		if holderKnown {
			return lookupResult{level: androidapi.Of(holderLevel), found: true}
		}
		return lookupResult{}
	}
	if level, ok := c.db.Lookup(ref); ok {
		return withHolder(level)
	}

	// 沿库层次向上找第一个定义，多条路径取最小
	var (
		best  androidapi.AndroidApiLevel
		found bool
	)
	visited := map[*graph.Type]bool{holder: true}
	var worklist []*graph.Type
	if class := c.app.DefinitionFor(holder); class != nil {
		worklist = append(worklist, class.ImmediateSupertypes()...)
	}
	for len(worklist) > 0 {
		t := worklist[0]
		worklist = worklist[1:]
		if visited[t] {
			continue
		}
		visited[t] = true
		class := c.app.DefinitionFor(t)
		if class == nil || !class.IsLibraryClass() {
			continue
		}
		if level, ok := c.db.Lookup(member.WithHolder(t)); ok {
			if !found || level < best {
				best = level
			}
			found = true
			continue
		}
		worklist = append(worklist, class.ImmediateSupertypes()...)
	}
	if !found {
		c.logger.Debug("no api level for library reference", zap.String("reference", ref.String()))
		return lookupResult{}
	}
	return withHolder(best)
}

// ComputeApiLevelForDefinition 一组类型引用中的最高级别
func (c *Compute) ComputeApiLevelForDefinition(types ...*graph.Type) androidapi.ComputedApiLevel {
	level := c.MinApiLevel()
	for _, t := range types {
		level = level.Max(c.ComputeApiLevelForLibraryReference(t, androidapi.UnknownLevel()))
		if level.IsUnknownApiLevel() {
			return level
		}
	}
	return level
}

// ComputeApiLevelForCode 方法体中所有库引用的最高级别
func (c *Compute) ComputeApiLevelForCode(code *cf.Code) androidapi.ComputedApiLevel {
	level := c.MinApiLevel()
	for _, ref := range referencesInCode(code) {
		level = level.Max(c.ComputeApiLevelForLibraryReference(ref, androidapi.UnknownLevel()))
		if level.IsUnknownApiLevel() {
			return level
		}
	}
	return level
}

// ComputeAndSetApiLevelForCode 计算并记录方法体的级别
// 只能由处理该方法的工作者调用
func (c *Compute) ComputeAndSetApiLevelForCode(method *graph.ProgramMethod) androidapi.ComputedApiLevel {
	var level androidapi.ComputedApiLevel
	switch code := method.Definition.Code.(type) {
	case *cf.Code:
		level = c.ComputeApiLevelForCode(code)
	case nil:
		level = c.MinApiLevel()
	default:
		level = c.ComputeApiLevelForDefinition(code.CatchTypes()...)
	}
	method.Definition.SetApiLevelForCode(level)
	return level
}

// referencesInCode 方法体中的类型与成员引用，按出现顺序
func referencesInCode(code *cf.Code) []graph.Reference {
	var refs []graph.Reference
	for _, insn := range code.Instructions {
		switch i := insn.(type) {
		case *cf.Invoke:
			refs = append(refs, i.Method)
		case *cf.FieldInstruction:
			refs = append(refs, i.Field)
		case *cf.New:
			refs = append(refs, i.Type)
		case *cf.NewArray:
			refs = append(refs, i.Type)
		case *cf.CheckCast:
			refs = append(refs, i.Type)
		case *cf.InstanceOf:
			refs = append(refs, i.Type)
		case *cf.ConstClass:
			refs = append(refs, i.Type)
		}
	}
	for _, t := range code.CatchTypes() {
		refs = append(refs, t)
	}
	return refs
}
