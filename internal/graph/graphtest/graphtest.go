// Package graphtest 为各包测试构建小型应用
package graphtest

import (
	"strings"
	"testing"

	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
)

// AppBuilder 测试用应用构建器，预置常用的库类
type AppBuilder struct {
	F        *graph.ItemFactory
	program  []*graph.Class
	library  []*graph.Class
	Reporter *diagnostic.Reporter
	Handler  *diagnostic.CollectingHandler
}

// New 创建构建器，库中已有 Object、String 等基础类型
func New() *AppBuilder {
	f := graph.NewItemFactory()
	h := diagnostic.NewCollectingHandler()
	b := &AppBuilder{F: f, Handler: h, Reporter: diagnostic.NewReporter(h)}
	b.library = append(b.library, &graph.Class{Type: f.ObjectType, Kind: graph.LibraryClassKind, AccessFlags: graph.AccPublic})
	for _, t := range []*graph.Type{f.StringType, f.ClassType, f.ThrowableType, f.StringBuilderType} {
		b.Library(t.Descriptor(), "Ljava/lang/Object;")
	}
	b.Library("Ljava/lang/Exception;", "Ljava/lang/Throwable;")
	b.Library("Ljava/lang/RuntimeException;", "Ljava/lang/Exception;")
	b.Library("Ljava/lang/Error;", "Ljava/lang/Throwable;")
	b.Library(f.NullPointerExceptionType.Descriptor(), "Ljava/lang/RuntimeException;")
	b.Library(f.NoClassDefFoundErrorType.Descriptor(), "Ljava/lang/Error;")
	return b
}

// Library 添加库类
func (b *AppBuilder) Library(desc, super string, itfs ...string) *graph.Class {
	c := b.newClass(desc, super, itfs)
	c.Kind = graph.LibraryClassKind
	b.library = append(b.library, c)
	return c
}

// LibraryInterface 添加库接口
func (b *AppBuilder) LibraryInterface(desc string, supers ...string) *graph.Class {
	c := b.Library(desc, "Ljava/lang/Object;", supers...)
	c.AccessFlags |= graph.AccInterface | graph.AccAbstract
	return c
}

// Program 添加程序类
func (b *AppBuilder) Program(desc, super string, itfs ...string) *graph.Class {
	c := b.newClass(desc, super, itfs)
	c.Kind = graph.ProgramClassKind
	b.program = append(b.program, c)
	return c
}

// ProgramInterface 添加程序接口
func (b *AppBuilder) ProgramInterface(desc string, supers ...string) *graph.Class {
	c := b.Program(desc, "Ljava/lang/Object;", supers...)
	c.AccessFlags |= graph.AccInterface | graph.AccAbstract
	return c
}

func (b *AppBuilder) newClass(desc, super string, itfs []string) *graph.Class {
	c := &graph.Class{Type: b.F.CreateType(desc), AccessFlags: graph.AccPublic, Origin: diagnostic.Origin{Name: desc}}
	if super != "" {
		c.SuperType = b.F.CreateType(super)
	}
	for _, i := range itfs {
		c.Interfaces = append(c.Interfaces, b.F.CreateType(i))
	}
	return c
}

// Method 向类中添加方法，sig 形如 "name(I)V"
func (b *AppBuilder) Method(c *graph.Class, sig string, flags graph.AccessFlags, code graph.Code) *graph.ProgramMethod {
	ref := b.Ref(c.Type.Descriptor(), sig)
	def := graph.NewEncodedMethod(ref, flags, code)
	c.AddMethod(def)
	return graph.NewProgramMethod(c, def)
}

// Ref 解析方法引用
func (b *AppBuilder) Ref(holder, sig string) *graph.Method {
	open := strings.IndexByte(sig, '(')
	proto, err := b.F.ParseProto(sig[open:])
	if err != nil {
		panic(err)
	}
	return b.F.CreateMethod(b.F.CreateType(holder), sig[:open], proto)
}

// Build 构建应用
func (b *AppBuilder) Build(t testing.TB) *graph.Application {
	t.Helper()
	app, err := graph.NewApplicationBuilder(b.F).
		AddLibraryClass(b.library...).
		AddProgramClass(b.program...).
		Build(b.Reporter)
	if err != nil {
		t.Fatalf("failed to build application: %v", err)
	}
	return app
}
