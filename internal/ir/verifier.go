package ir

import (
	"fmt"
)

// ============================================================================
// SSA 一致性检查
// ============================================================================

// VerifyError IR 不一致
type VerifyError struct {
	Block   int
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("inconsistent SSA in block %d: %s", e.Block, e.Message)
}

// IsConsistentSSA 检查结构、使用者链、单一定义、支配关系和指令元数
func (c *Code) IsConsistentSSA() error {
	v := &ssaVerifier{code: c, defined: make(map[*Value]bool)}
	return v.verify()
}

type ssaVerifier struct {
	code    *Code
	dt      *DominatorTree
	defined map[*Value]bool
}

func (v *ssaVerifier) fail(b *BasicBlock, format string, args ...any) error {
	return &VerifyError{Block: b.Number, Message: fmt.Sprintf(format, args...)}
}

func (v *ssaVerifier) verify() error {
	if len(v.code.blocks) == 0 {
		return &VerifyError{Block: -1, Message: "no blocks"}
	}
	v.dt = v.code.ComputeDominators()
	entry := v.code.EntryBlock()
	if len(entry.preds) != 0 {
		return v.fail(entry, "entry block has predecessors")
	}
	for _, b := range v.code.blocks {
		if err := v.verifyBlockStructure(b, entry); err != nil {
			return err
		}
	}
	for _, b := range v.code.blocks {
		if err := v.verifyDefinitions(b); err != nil {
			return err
		}
	}
	for _, b := range v.code.blocks {
		if err := v.verifyUses(b); err != nil {
			return err
		}
	}
	return nil
}

func (v *ssaVerifier) verifyBlockStructure(b, entry *BasicBlock) error {
	if b.code != v.code {
		return v.fail(b, "block belongs to another method")
	}
	if b != entry && len(b.preds) == 0 {
		return v.fail(b, "non-entry block without predecessors")
	}
	if !v.dt.IsReachable(b) {
		return v.fail(b, "unreachable block")
	}
	for _, s := range b.succs {
		if s.PredecessorIndex(b) < 0 {
			return v.fail(b, "successor %d does not list it as predecessor", s.Number)
		}
	}
	for _, p := range b.preds {
		found := false
		for _, s := range p.succs {
			if s == b {
				found = true
			}
		}
		if !found {
			return v.fail(b, "predecessor %d does not list it as successor", p.Number)
		}
	}
	if len(b.instructions) == 0 {
		return v.fail(b, "empty block")
	}
	for k, insn := range b.instructions {
		if insn.block != b {
			return v.fail(b, "%s has wrong block", insn)
		}
		last := k == len(b.instructions)-1
		if insn.IsJump() != last {
			return v.fail(b, "control transfer %s not at block end", insn)
		}
		if insn.Opcode == IR_ARGUMENT && b != entry {
			return v.fail(b, "argument outside entry block")
		}
	}
	want := map[Opcode]int{IR_IF: 2, IR_GOTO: 1, IR_RETURN: 0, IR_THROW: 0}[b.Exit().Opcode]
	if len(b.succs) != want {
		return v.fail(b, "%s with %d successors", b.Exit().Opcode, len(b.succs))
	}
	for _, p := range b.phis {
		if p.block != b {
			return v.fail(b, "%s has wrong block", p)
		}
		if len(p.operands) != len(b.preds) {
			return v.fail(b, "%s has %d operands for %d predecessors", p, len(p.operands), len(b.preds))
		}
	}
	return nil
}

func (v *ssaVerifier) define(b *BasicBlock, out *Value) error {
	if v.defined[out] {
		return v.fail(b, "%s defined more than once", out)
	}
	v.defined[out] = true
	return nil
}

func (v *ssaVerifier) verifyDefinitions(b *BasicBlock) error {
	for _, p := range b.phis {
		if p.out.phi != p {
			return v.fail(b, "%s does not point back to its phi", p.out)
		}
		if err := v.define(b, p.out); err != nil {
			return err
		}
	}
	for _, insn := range b.instructions {
		if insn.out == nil {
			continue
		}
		if insn.out.definition != insn {
			return v.fail(b, "%s does not point back to %s", insn.out, insn)
		}
		if err := v.define(b, insn.out); err != nil {
			return err
		}
	}
	return nil
}

func (v *ssaVerifier) verifyUses(b *BasicBlock) error {
	for _, p := range b.phis {
		for k, operand := range p.operands {
			if operand == nil {
				return v.fail(b, "%s has a missing operand", p)
			}
			if !v.defined[operand] {
				return v.fail(b, "%s uses undefined %s", p, operand)
			}
			if !containsPhi(operand.phiUsers, p) {
				return v.fail(b, "%s missing phi user %s", operand, p)
			}
			// 操作数的定义必须支配对应前驱的末尾
			pred := b.preds[k]
			if def := operand.definition; def != nil && !v.dt.Dominates(def.block, pred) {
				return v.fail(b, "%s does not dominate predecessor %d", operand, pred.Number)
			}
			if ph := operand.phi; ph != nil && !v.dt.Dominates(ph.block, pred) {
				return v.fail(b, "%s does not dominate predecessor %d", operand, pred.Number)
			}
		}
	}
	for _, insn := range b.instructions {
		if err := v.verifyArity(b, insn); err != nil {
			return err
		}
		for _, in := range insn.inValues {
			if !v.defined[in] {
				return v.fail(b, "%s uses undefined %s", insn, in)
			}
			if !containsInstruction(in.users, insn) {
				return v.fail(b, "%s missing user %s", in, insn)
			}
			if def := in.definition; def != nil && !v.dt.InstructionDominates(def, insn) {
				return v.fail(b, "definition of %s does not dominate %s", in, insn)
			}
			if ph := in.phi; ph != nil && !v.dt.Dominates(ph.block, b) {
				return v.fail(b, "phi %s does not dominate %s", in, insn)
			}
		}
	}
	return nil
}

// verifyArity 检查输入个数与输出是否符合操作码签名
func (v *ssaVerifier) verifyArity(b *BasicBlock, insn *Instruction) error {
	inputs, hasOut := -1, false
	switch insn.Opcode {
	case IR_ARGUMENT, IR_CONST_NUMBER, IR_CONST_NULL, IR_CONST_STRING, IR_CONST_CLASS,
		IR_STATIC_GET, IR_NEW_INSTANCE:
		inputs, hasOut = 0, true
	case IR_ASSUME_NON_NULL, IR_INSTANCE_GET, IR_CHECK_CAST, IR_INSTANCE_OF,
		IR_NEW_ARRAY, IR_ARRAY_LENGTH:
		inputs, hasOut = 1, true
	case IR_ARRAY_GET, IR_BINOP:
		inputs, hasOut = 2, true
	case IR_INSTANCE_PUT:
		inputs = 2
	case IR_STATIC_PUT, IR_THROW:
		inputs = 1
	case IR_ARRAY_PUT:
		inputs = 3
	case IR_GOTO:
		inputs = 0
	case IR_IF:
		if n := len(insn.inValues); n != 1 && n != 2 {
			return v.fail(b, "%s with %d inputs", insn, n)
		}
		inputs = len(insn.inValues)
	case IR_RETURN:
		if n := len(insn.inValues); n > 1 {
			return v.fail(b, "%s with %d inputs", insn, n)
		}
		inputs = len(insn.inValues)
	case IR_INVOKE_CUSTOM:
		inputs = len(insn.CallSite.MethodProto.Parameters)
		hasOut = !insn.CallSite.MethodProto.Return.IsVoidType()
	default:
		inputs = len(insn.Method.Proto.Parameters)
		if insn.Opcode != IR_INVOKE_STATIC {
			inputs++
		}
		hasOut = !insn.Method.Proto.Return.IsVoidType()
	}
	if len(insn.inValues) != inputs {
		return v.fail(b, "%s expects %d inputs, has %d", insn, inputs, len(insn.inValues))
	}
	if hasOut != (insn.out != nil) {
		return v.fail(b, "%s output mismatch", insn)
	}
	return nil
}

func containsInstruction(list []*Instruction, x *Instruction) bool {
	for _, i := range list {
		if i == x {
			return true
		}
	}
	return false
}

func containsPhi(list []*Phi, x *Phi) bool {
	for _, p := range list {
		if p == x {
			return true
		}
	}
	return false
}
