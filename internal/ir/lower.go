// lower.go - 把 SSA 降回类文件指令
//
// 每个值分配一个局部变量（参数保留原来的槽），指令前加载输入、
// 之后保存输出；phi 在前驱末尾以并行复制的方式实现。
package ir

import (
	"fmt"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/lattice"
)

type lowering struct {
	code   *Code
	locals map[*Value]int
	labels map[*BasicBlock]*cf.Label
	insns  []cf.Instruction
	next   int
}

// Lower 生成栈式代码；会拆分通往带 phi 块的关键边
func Lower(code *Code) (*cf.Code, error) {
	code.RemoveUnreachableBlocks()
	splitCriticalEdges(code)
	lw := &lowering{
		code:   code,
		locals: make(map[*Value]int),
		labels: make(map[*BasicBlock]*cf.Label),
	}
	if err := lw.allocateLocals(); err != nil {
		return nil, err
	}
	for _, b := range code.blocks {
		lw.labels[b] = cf.NewLabel()
	}
	for k, b := range code.blocks {
		var next *BasicBlock
		if k+1 < len(code.blocks) {
			next = code.blocks[k+1]
		}
		if err := lw.lowerBlock(b, next); err != nil {
			return nil, fmt.Errorf("failed to lower %s: %w", b, err)
		}
	}
	return cf.NewCode(lw.next, lw.insns...), nil
}

// splitCriticalEdges 在多后继块与带 phi 的多前驱块之间插入空块
func splitCriticalEdges(code *Code) {
	for _, b := range append([]*BasicBlock(nil), code.blocks...) {
		if len(b.succs) < 2 {
			continue
		}
		for _, s := range append([]*BasicBlock(nil), b.succs...) {
			if len(s.preds) < 2 || len(s.phis) == 0 {
				continue
			}
			edge := code.insertBlockAfter(b)
			b.ReplaceSuccessor(s, edge)
			s.preds[s.PredecessorIndex(b)] = edge
			edge.preds = []*BasicBlock{b}
			edge.succs = []*BasicBlock{s}
			edge.append(NewGoto())
		}
	}
}

func (lw *lowering) allocateLocals() error {
	for _, arg := range lw.code.Arguments() {
		lw.locals[arg] = lw.next
		lw.next += arg.definition.Type.RequiredRegisters()
	}
	for _, v := range allValues(lw.code) {
		if v.IsArgument() {
			continue
		}
		if _, isTop := v.Type().(lattice.TopElement); isTop {
			return fmt.Errorf("value %s has conflicting types", v)
		}
		lw.locals[v] = lw.next
		lw.next += ValueKind(v).Size()
	}
	return nil
}

func (lw *lowering) emit(insns ...cf.Instruction) {
	lw.insns = append(lw.insns, insns...)
}

func (lw *lowering) load(values ...*Value) {
	for _, v := range values {
		local, ok := lw.locals[v]
		diagnostic.Assert(ok, "no local for %s", v)
		lw.emit(&cf.Load{Type: ValueKind(v), Local: local})
	}
}

func (lw *lowering) store(v *Value) {
	kind := ValueKind(v)
	if !v.HasUsers() {
		if kind.Size() == 2 {
			lw.emit(&cf.StackInstruction{Op: cf.Pop2})
		} else {
			lw.emit(&cf.StackInstruction{Op: cf.Pop})
		}
		return
	}
	lw.emit(&cf.Store{Type: kind, Local: lw.locals[v]})
}

func (lw *lowering) lowerBlock(b, next *BasicBlock) error {
	lw.emit(lw.labels[b])
	for _, insn := range b.instructions {
		if insn.IsJump() {
			lw.phiMoves(b)
			return lw.lowerExit(insn, next)
		}
		if insn.Opcode == IR_ARGUMENT {
			continue
		}
		lw.load(insn.inValues...)
		if insn.Opcode != IR_ASSUME_NON_NULL {
			lowered, err := lowerInstruction(insn)
			if err != nil {
				return err
			}
			lw.emit(lowered)
		}
		if insn.out != nil {
			lw.store(insn.out)
		}
	}
	return fmt.Errorf("block without exit")
}

// phiMoves 为唯一后继的 phi 赋值：先全部加载，再逆序保存
func (lw *lowering) phiMoves(b *BasicBlock) {
	if len(b.succs) != 1 {
		return
	}
	succ := b.succs[0]
	k := succ.PredecessorIndex(b)
	for _, phi := range succ.phis {
		lw.load(phi.operands[k])
	}
	for i := len(succ.phis) - 1; i >= 0; i-- {
		out := succ.phis[i].out
		lw.emit(&cf.Store{Type: ValueKind(out), Local: lw.locals[out]})
	}
}

func (lw *lowering) lowerExit(insn *Instruction, next *BasicBlock) error {
	b := insn.block
	switch insn.Opcode {
	case IR_GOTO:
		if b.succs[0] != next {
			lw.emit(&cf.Goto{Target: lw.labels[b.succs[0]]})
		}
	case IR_IF:
		lw.load(insn.inValues...)
		target := lw.labels[b.succs[0]]
		if len(insn.inValues) == 1 {
			lw.emit(&cf.If{Kind: insn.Cond, Type: insn.NumType, Target: target})
		} else {
			lw.emit(&cf.IfCmp{Kind: insn.Cond, Type: insn.NumType, Target: target})
		}
		if b.succs[1] != next {
			lw.emit(&cf.Goto{Target: lw.labels[b.succs[1]]})
		}
	case IR_RETURN:
		if len(insn.inValues) == 0 {
			lw.emit(&cf.Return{Type: cf.Void})
			return nil
		}
		lw.load(insn.inValues[0])
		lw.emit(&cf.Return{Type: ValueKind(insn.inValues[0])})
	case IR_THROW:
		lw.load(insn.inValues[0])
		lw.emit(&cf.Throw{})
	default:
		return fmt.Errorf("unexpected exit %s", insn)
	}
	return nil
}

// lowerInstruction 非跳转指令对应的类文件指令（输入已在栈上）
func lowerInstruction(insn *Instruction) (cf.Instruction, error) {
	switch insn.Opcode {
	case IR_CONST_NUMBER:
		return &cf.ConstNumber{Type: insn.NumType, Value: insn.Number}, nil
	case IR_CONST_NULL:
		return &cf.ConstNull{}, nil
	case IR_CONST_STRING:
		return &cf.ConstString{Value: insn.StringValue}, nil
	case IR_CONST_CLASS:
		return &cf.ConstClass{Type: insn.Type}, nil
	case IR_INVOKE_VIRTUAL:
		return &cf.Invoke{Kind: cf.InvokeVirtual, Method: insn.Method, Itf: insn.Itf}, nil
	case IR_INVOKE_INTERFACE:
		return &cf.Invoke{Kind: cf.InvokeInterface, Method: insn.Method, Itf: true}, nil
	case IR_INVOKE_STATIC:
		return &cf.Invoke{Kind: cf.InvokeStatic, Method: insn.Method, Itf: insn.Itf}, nil
	case IR_INVOKE_DIRECT, IR_INVOKE_SUPER:
		return &cf.Invoke{Kind: cf.InvokeSpecial, Method: insn.Method, Itf: insn.Itf}, nil
	case IR_INVOKE_CUSTOM:
		return &cf.InvokeDynamic{CallSite: insn.CallSite}, nil
	case IR_INSTANCE_GET:
		return &cf.FieldInstruction{Kind: cf.GetField, Field: insn.Field}, nil
	case IR_INSTANCE_PUT:
		return &cf.FieldInstruction{Kind: cf.PutField, Field: insn.Field}, nil
	case IR_STATIC_GET:
		return &cf.FieldInstruction{Kind: cf.GetStatic, Field: insn.Field}, nil
	case IR_STATIC_PUT:
		return &cf.FieldInstruction{Kind: cf.PutStatic, Field: insn.Field}, nil
	case IR_CHECK_CAST:
		return &cf.CheckCast{Type: insn.Type}, nil
	case IR_INSTANCE_OF:
		return &cf.InstanceOf{Type: insn.Type}, nil
	case IR_NEW_INSTANCE:
		return &cf.New{Type: insn.Type}, nil
	case IR_NEW_ARRAY:
		return &cf.NewArray{Type: insn.Type}, nil
	case IR_ARRAY_LENGTH:
		return &cf.ArrayLength{}, nil
	case IR_ARRAY_GET:
		return &cf.ArrayLoad{Type: insn.NumType}, nil
	case IR_ARRAY_PUT:
		return &cf.ArrayStore{Type: insn.NumType}, nil
	case IR_BINOP:
		return &cf.Arithmetic{Op: insn.Arith, Type: insn.NumType}, nil
	}
	return nil, fmt.Errorf("cannot lower %s", insn)
}
