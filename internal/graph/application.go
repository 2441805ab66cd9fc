package graph

import (
	"sort"
	"sync"

	"github.com/tangzhangming/nova/internal/diagnostic"
)

// ============================================================================
// 应用
// ============================================================================

// DefinitionSupplier 类层次提供者
type DefinitionSupplier interface {
	DefinitionFor(t *Type) *Class
}

// Application 程序类、classpath 类和库类的集合
// 查找时程序类优先，其次 classpath，最后库类
type Application struct {
	factory   *ItemFactory
	mu        sync.RWMutex
	program   map[*Type]*Class
	classpath map[*Type]*Class
	library   map[*Type]*Class
}

// Factory 返回类型工厂
func (a *Application) Factory() *ItemFactory {
	return a.factory
}

// DefinitionFor 查找类型定义，找不到返回 nil
func (a *Application) DefinitionFor(t *Type) *Class {
	if t == nil || !t.IsClassType() {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if c, ok := a.program[t]; ok {
		return c
	}
	if c, ok := a.classpath[t]; ok {
		return c
	}
	return a.library[t]
}

// LibraryDefinitionFor 只查找库类
func (a *Application) LibraryDefinitionFor(t *Type) *Class {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.library[t]
}

// ProgramDefinitionFor 只查找程序类
func (a *Application) ProgramDefinitionFor(t *Type) *Class {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.program[t]
}

// ProgramClasses 按描述符排序的程序类
func (a *Application) ProgramClasses() []*Class {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedClasses(a.program)
}

// LibraryClasses 按描述符排序的库类
func (a *Application) LibraryClasses() []*Class {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedClasses(a.library)
}

// ProgramMethods 所有程序方法，顺序确定
func (a *Application) ProgramMethods() []*ProgramMethod {
	var out []*ProgramMethod
	for _, c := range a.ProgramClasses() {
		out = append(out, c.ProgramMethods()...)
	}
	return out
}

// addProgramClasses 只在屏障阶段调用
func (a *Application) addProgramClasses(classes []*Class) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range classes {
		a.program[c.Type] = c
	}
}

func sortedClasses(m map[*Type]*Class) []*Class {
	out := make([]*Class, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type.Descriptor() < out[j].Type.Descriptor()
	})
	return out
}

// ============================================================================
// 构建器
// ============================================================================

// ApplicationBuilder 收集输入类
type ApplicationBuilder struct {
	factory   *ItemFactory
	program   []*Class
	classpath []*Class
	library   []*Class
}

// NewApplicationBuilder 创建构建器
func NewApplicationBuilder(factory *ItemFactory) *ApplicationBuilder {
	return &ApplicationBuilder{factory: factory}
}

// AddProgramClass 添加程序类
func (b *ApplicationBuilder) AddProgramClass(classes ...*Class) *ApplicationBuilder {
	for _, c := range classes {
		c.Kind = ProgramClassKind
	}
	b.program = append(b.program, classes...)
	return b
}

// AddClasspathClass 添加 classpath 类
func (b *ApplicationBuilder) AddClasspathClass(classes ...*Class) *ApplicationBuilder {
	for _, c := range classes {
		c.Kind = ClasspathClassKind
	}
	b.classpath = append(b.classpath, classes...)
	return b
}

// AddLibraryClass 添加库类
func (b *ApplicationBuilder) AddLibraryClass(classes ...*Class) *ApplicationBuilder {
	for _, c := range classes {
		c.Kind = LibraryClassKind
	}
	b.library = append(b.library, classes...)
	return b
}

// Build 构建应用；重复的程序类按 ResolveClassConflict 合并或报错
func (b *ApplicationBuilder) Build(reporter *diagnostic.Reporter) (*Application, error) {
	app := &Application{
		factory:   b.factory,
		program:   make(map[*Type]*Class),
		classpath: make(map[*Type]*Class),
		library:   make(map[*Type]*Class),
	}
	for _, c := range b.program {
		if existing, ok := app.program[c.Type]; ok {
			merged, err := ResolveClassConflict(existing, c, reporter)
			if err != nil {
				return nil, err
			}
			app.program[c.Type] = merged
			continue
		}
		app.program[c.Type] = c
	}
	// 库类与 classpath 类重复时保留第一个
	for _, c := range b.classpath {
		if _, ok := app.classpath[c.Type]; !ok {
			app.classpath[c.Type] = c
		}
	}
	for _, c := range b.library {
		if _, ok := app.library[c.Type]; !ok {
			app.library[c.Type] = c
		}
	}
	return app, nil
}

// ResolveClassConflict 两个同名程序类：都是合成类时合并，否则报告重复类型
func ResolveClassConflict(a, b *Class, reporter *diagnostic.Reporter) (*Class, error) {
	if a.IsSynthetic() && b.IsSynthetic() {
		for _, m := range b.Methods {
			a.AddMethod(m)
		}
		for _, f := range b.Fields {
			if a.LookupField(f.Ref) == nil {
				a.Fields = append(a.Fields, f)
			}
		}
		return a, nil
	}
	return nil, reporter.FatalError(&diagnostic.DuplicateTypesDiagnostic{
		Type:    a.Type.Descriptor(),
		Origins: []diagnostic.Origin{a.Origin, b.Origin},
	})
}
