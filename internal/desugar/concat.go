package desugar

import (
	"strings"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/graph"
)

const (
	recipeArgument = '\u0001'
	recipeConstant = '\u0002'
)

// StringConcatRewriter 把 StringConcatFactory 调用点改为 StringBuilder 拼接
type StringConcatRewriter struct {
	f *graph.ItemFactory
}

// NewStringConcatRewriter 创建规则
func NewStringConcatRewriter(app *graph.AppInfo) *StringConcatRewriter {
	return &StringConcatRewriter{f: app.Factory()}
}

func (r *StringConcatRewriter) HasPreciseNeedsDesugaring() bool { return true }

func (r *StringConcatRewriter) NeedsDesugaring(insn cf.Instruction, _ *graph.ProgramMethod) bool {
	indy, ok := insn.(*cf.InvokeDynamic)
	return ok && indy.CallSite.Bootstrap.Holder == r.f.StringConcatFactoryType
}

func (r *StringConcatRewriter) DesugarInstruction(insn cf.Instruction, ctx *InstructionContext) []cf.Instruction {
	if !r.NeedsDesugaring(insn, ctx.Method) {
		return nil
	}
	f := r.f
	site := insn.(*cf.InvokeDynamic).CallSite
	args := site.MethodProto.Parameters

	locals := make([]int, len(args))
	var out []cf.Instruction
	for i := len(args) - 1; i >= 0; i-- {
		locals[i] = ctx.FreshLocal(args[i].RequiredRegisters())
		out = append(out, &cf.Store{Type: cf.ValueTypeFor(args[i]), Local: locals[i]})
	}
	out = append(out, newStringBuilder(f)...)

	appendConstant := func(s string) {
		if s == "" {
			return
		}
		out = append(out, &cf.ConstString{Value: s}, &cf.Invoke{Kind: cf.InvokeVirtual, Method: appendMethod(f, f.StringType)})
	}
	appendArgument := func(i int) {
		out = append(out,
			&cf.Load{Type: cf.ValueTypeFor(args[i]), Local: locals[i]},
			&cf.Invoke{Kind: cf.InvokeVirtual, Method: appendMethod(f, args[i])},
		)
	}

	if site.Recipe == "" {
		// makeConcat：所有参数依次拼接
		for i := range args {
			appendArgument(i)
		}
	} else {
		var literal strings.Builder
		arg, constant := 0, 0
		for _, c := range site.Recipe {
			switch c {
			case recipeArgument:
				appendConstant(literal.String())
				literal.Reset()
				appendArgument(arg)
				arg++
			case recipeConstant:
				literal.WriteString(site.Constants[constant])
				constant++
			default:
				literal.WriteRune(c)
			}
		}
		appendConstant(literal.String())
	}
	out = append(out, stringBuilderToString(f))
	// StringBuilder 与 dup 后的副本，加上一个待追加的值
	ctx.AllocateStack(3)
	return out
}
