package desugar

import (
	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 库方法移植
// ============================================================================

// backport 一个可移植的库方法
type backport struct {
	holder     string
	name       string
	descriptor string
	level      androidapi.AndroidApiLevel // 运行时首次提供该方法的级别
	body       func(f *graph.ItemFactory) []cf.Instruction
}

var backports = []backport{
	{"java/lang/Integer", "compare", "(II)I", androidapi.K, compareInts},
	{"java/lang/Integer", "hashCode", "(I)I", androidapi.N, identityInt},
	{"java/lang/Boolean", "compare", "(ZZ)I", androidapi.K, compareBooleans},
	{"java/lang/Boolean", "hashCode", "(Z)I", androidapi.N, hashBoolean},
	{"java/lang/Character", "compare", "(CC)I", androidapi.K, subtractInts},
	{"java/lang/Short", "compare", "(SS)I", androidapi.K, subtractInts},
	{"java/lang/Byte", "compare", "(BB)I", androidapi.K, subtractInts},
	{"java/util/Objects", "requireNonNull", "(Ljava/lang/Object;)Ljava/lang/Object;", androidapi.K, requireNonNull},
	{"java/util/Objects", "equals", "(Ljava/lang/Object;Ljava/lang/Object;)Z", androidapi.K, objectsEquals},
	{"java/util/Objects", "hashCode", "(Ljava/lang/Object;)I", androidapi.K, objectsHashCode},
	{"java/util/Objects", "isNull", "(Ljava/lang/Object;)Z", androidapi.N, isNull(true)},
	{"java/util/Objects", "nonNull", "(Ljava/lang/Object;)Z", androidapi.N, isNull(false)},
	{"java/lang/Math", "floorMod", "(II)I", androidapi.N, floorMod},
}

// BackportRewriter 把最低 API 级别上不存在的库方法调用改为调用合成的等价实现
type BackportRewriter struct {
	f       *graph.ItemFactory
	methods map[*graph.Method]*backport
}

// NewBackportRewriter 只收录在 minApi 上不可用的方法
func NewBackportRewriter(app *graph.AppInfo, minApi androidapi.AndroidApiLevel) *BackportRewriter {
	f := app.Factory()
	r := &BackportRewriter{f: f, methods: make(map[*graph.Method]*backport)}
	for i := range backports {
		b := &backports[i]
		if b.level <= minApi {
			continue
		}
		proto, err := f.ParseProto(b.descriptor)
		if err != nil {
			continue
		}
		r.methods[f.CreateMethod(f.CreateClassType(b.holder), b.name, proto)] = b
	}
	return r
}

// HasBackports 是否有需要移植的方法
func (r *BackportRewriter) HasBackports() bool { return len(r.methods) > 0 }

func (r *BackportRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *BackportRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	invoke, ok := insn.(*cf.Invoke)
	if !ok || invoke.Kind != cf.InvokeStatic || invoke.Itf {
		return false
	}
	_, ok = r.methods[invoke.Method]
	return ok
}

func (r *BackportRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	ref := insn.(*cf.Invoke).Method
	b := r.methods[ref]
	f := r.f

	t := ctx.Processing.CreateUniqueType(f, "Backport")
	method := f.CreateMethod(t, ref.Name, ref.Proto)
	code := cf.NewCode(argumentLocals(nil, ref.Proto.Parameters), b.body(f)...)
	class := graph.NewClassBuilder(t).
		AddMethod(method, graph.AccPublic|graph.AccStatic|graph.AccSynthetic, code).
		Build()
	ctx.Events.AcceptBackportClass(class, ctx.Method)
	return []cf.Instruction{&cf.Invoke{Kind: cf.InvokeStatic, Method: method}}
}

// ============================================================================
// 方法体
// ============================================================================

func iconst(v int64) cf.Instruction  { return &cf.ConstNumber{Type: cf.Int, Value: v} }
func iload(local int) cf.Instruction { return &cf.Load{Type: cf.Int, Local: local} }
func aload(local int) cf.Instruction { return &cf.Load{Type: cf.Object, Local: local} }
func ireturn() cf.Instruction        { return &cf.Return{Type: cf.Int} }

// compareInts x < y ? -1 : (x == y ? 0 : 1)
func compareInts(*graph.ItemFactory) []cf.Instruction {
	ge, ne := cf.NewLabel(), cf.NewLabel()
	return []cf.Instruction{
		iload(0), iload(1), &cf.IfCmp{Kind: cf.GE, Type: cf.Int, Target: ge},
		iconst(-1), ireturn(),
		ge, iload(0), iload(1), &cf.IfCmp{Kind: cf.NE, Type: cf.Int, Target: ne},
		iconst(0), ireturn(),
		ne, iconst(1), ireturn(),
	}
}

func identityInt(*graph.ItemFactory) []cf.Instruction {
	return []cf.Instruction{iload(0), ireturn()}
}

// compareBooleans x == y ? 0 : (x ? 1 : -1)
func compareBooleans(*graph.ItemFactory) []cf.Instruction {
	ne, isFalse := cf.NewLabel(), cf.NewLabel()
	return []cf.Instruction{
		iload(0), iload(1), &cf.IfCmp{Kind: cf.NE, Type: cf.Int, Target: ne},
		iconst(0), ireturn(),
		ne, iload(0), &cf.If{Kind: cf.EQ, Type: cf.Int, Target: isFalse},
		iconst(1), ireturn(),
		isFalse, iconst(-1), ireturn(),
	}
}

func hashBoolean(*graph.ItemFactory) []cf.Instruction {
	isFalse := cf.NewLabel()
	return []cf.Instruction{
		iload(0), &cf.If{Kind: cf.EQ, Type: cf.Int, Target: isFalse},
		iconst(1231), ireturn(),
		isFalse, iconst(1237), ireturn(),
	}
}

// subtractInts 取值范围小于 int 的类型相减不会溢出
func subtractInts(*graph.ItemFactory) []cf.Instruction {
	return []cf.Instruction{iload(0), iload(1), &cf.Arithmetic{Op: cf.Sub, Type: cf.Int}, ireturn()}
}

// requireNonNull 对 null 调用 getClass 抛出 NullPointerException
func requireNonNull(f *graph.ItemFactory) []cf.Instruction {
	getClass := f.CreateMethod(f.ObjectType, "getClass", f.CreateProto(f.ClassType))
	return []cf.Instruction{
		aload(0), &cf.Invoke{Kind: cf.InvokeVirtual, Method: getClass}, &cf.StackInstruction{Op: cf.Pop},
		aload(0), &cf.Return{Type: cf.Object},
	}
}

// objectsEquals a == b || (a != null && a.equals(b))
func objectsEquals(f *graph.ItemFactory) []cf.Instruction {
	equals := f.CreateMethod(f.ObjectType, "equals", f.CreateProto(f.BooleanType, f.ObjectType))
	notSame, isNull := cf.NewLabel(), cf.NewLabel()
	return []cf.Instruction{
		aload(0), aload(1), &cf.IfCmp{Kind: cf.NE, Type: cf.Object, Target: notSame},
		iconst(1), ireturn(),
		notSame, aload(0), &cf.If{Kind: cf.EQ, Type: cf.Object, Target: isNull},
		aload(0), aload(1), &cf.Invoke{Kind: cf.InvokeVirtual, Method: equals}, ireturn(),
		isNull, iconst(0), ireturn(),
	}
}

// objectsHashCode o != null ? o.hashCode() : 0
func objectsHashCode(f *graph.ItemFactory) []cf.Instruction {
	hashCode := f.CreateMethod(f.ObjectType, "hashCode", f.CreateProto(f.IntType))
	isNull := cf.NewLabel()
	return []cf.Instruction{
		aload(0), &cf.If{Kind: cf.EQ, Type: cf.Object, Target: isNull},
		aload(0), &cf.Invoke{Kind: cf.InvokeVirtual, Method: hashCode}, ireturn(),
		isNull, iconst(0), ireturn(),
	}
}

func isNull(want bool) func(*graph.ItemFactory) []cf.Instruction {
	yes, no := int64(1), int64(0)
	if !want {
		yes, no = no, yes
	}
	return func(*graph.ItemFactory) []cf.Instruction {
		notNull := cf.NewLabel()
		return []cf.Instruction{
			aload(0), &cf.If{Kind: cf.NE, Type: cf.Object, Target: notNull},
			iconst(yes), ireturn(),
			notNull, iconst(no), ireturn(),
		}
	}
}

// floorMod ((x % y) + y) % y
func floorMod(*graph.ItemFactory) []cf.Instruction {
	return []cf.Instruction{
		iload(0), iload(1), &cf.Arithmetic{Op: cf.Rem, Type: cf.Int},
		iload(1), &cf.Arithmetic{Op: cf.Add, Type: cf.Int},
		iload(1), &cf.Arithmetic{Op: cf.Rem, Type: cf.Int},
		ireturn(),
	}
}
