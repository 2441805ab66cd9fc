// builder.go - 从类文件指令构建 SSA
//
// 步骤：
//  1. 按标签与跳转把指令划分为待构建块，并模拟操作数栈得到每块入口的栈高
//  2. 计算支配树与支配边界
//  3. 对每个局部变量（以及跨块存活的栈槽）用工作表算法放置 phi
//  4. 沿支配树 DFS 重命名变量，同时把栈式指令翻译为 IR 指令
//  5. 删除未定义、无用和平凡的 phi，最后做类型分析
package ir

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/nova/internal/cf"
	"github.com/tangzhangming/nova/internal/diagnostic"
	"github.com/tangzhangming/nova/internal/graph"
	"github.com/tangzhangming/nova/internal/lattice"
)

// ErrUnsupportedCode 方法体不在 IR 支持的范围内（例如带异常处理器）
var ErrUnsupportedCode = errors.New("unsupported code for IR construction")

// ============================================================================
// 待构建块
// ============================================================================

type pendingBlock struct {
	start, end int // [start, end) 指令下标
	block      *BasicBlock
	succs      []*pendingBlock
	entryStack []cf.ValueType
	visited    bool
}

// stackEntry 模拟栈上的值
type stackEntry struct {
	value *Value
	kind  cf.ValueType
}

// Builder 单个方法的 SSA 构建器
type Builder struct {
	method *graph.ProgramMethod
	cfCode *cf.Code
	code   *Code

	pending  []*pendingBlock
	byLabel  map[*cf.Label]*pendingBlock
	blockOf  map[*BasicBlock]*pendingBlock
	argEntry *BasicBlock

	// 变量编号：局部变量槽在前，栈槽从 MaxLocals 开始
	numVars  int
	varStack map[int][]*Value
	dt       *DominatorTree
}

// Build 为方法构建 SSA 形式的 IR
func Build(method *graph.ProgramMethod, code *cf.Code, l *lattice.Lattice) (*Code, error) {
	if code.HasTryCatch() {
		return nil, fmt.Errorf("%w: %s has exception handlers", ErrUnsupportedCode, method)
	}
	b := &Builder{
		method:   method,
		cfCode:   code,
		code:     NewCode(method, l),
		byLabel:  make(map[*cf.Label]*pendingBlock),
		blockOf:  make(map[*BasicBlock]*pendingBlock),
		varStack: make(map[int][]*Value),
	}
	if err := b.build(); err != nil {
		return nil, fmt.Errorf("failed to build IR for %s: %w", method, err)
	}
	return b.code, nil
}

func (b *Builder) build() error {
	if len(b.cfCode.Instructions) == 0 {
		return fmt.Errorf("%w: empty code", ErrUnsupportedCode)
	}
	b.partition()
	if err := b.computeEntryStacks(); err != nil {
		return err
	}
	b.createBlocks()
	b.dt = b.code.ComputeDominators()
	b.insertPhis()
	if err := b.rename(b.code.EntryBlock()); err != nil {
		return err
	}
	if err := b.prunePhis(); err != nil {
		return err
	}
	TypeAnalysis(b.code)
	return nil
}

// ============================================================================
// 划分基本块
// ============================================================================

func (b *Builder) partition() {
	insns := b.cfCode.Instructions
	leaders := map[int]bool{0: true}
	for k, insn := range insns {
		if _, ok := insn.(*cf.Label); ok {
			leaders[k] = true
		}
		if cf.IsJump(insn) && k+1 < len(insns) {
			leaders[k+1] = true
		}
	}
	var current *pendingBlock
	for k, insn := range insns {
		if leaders[k] {
			if current != nil {
				current.end = k
			}
			current = &pendingBlock{start: k}
			b.pending = append(b.pending, current)
		}
		if l, ok := insn.(*cf.Label); ok {
			b.byLabel[l] = current
		}
	}
	current.end = len(insns)

	for k, p := range b.pending {
		last := insns[p.end-1]
		if target := cf.JumpTarget(last); target != nil {
			p.succs = append(p.succs, b.byLabel[target])
		}
		if cf.FallsThrough(last) && k+1 < len(b.pending) {
			p.succs = append(p.succs, b.pending[k+1])
		}
	}
}

// computeEntryStacks 从入口出发模拟栈，记录每个可达块入口处栈上值的类别
func (b *Builder) computeEntryStacks() error {
	entry := b.pending[0]
	entry.visited = true
	worklist := []*pendingBlock{entry}
	for len(worklist) > 0 {
		p := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		stack := append([]cf.ValueType(nil), p.entryStack...)
		for _, insn := range b.cfCode.Instructions[p.start:p.end] {
			var err error
			if stack, err = simulateKinds(insn, stack); err != nil {
				return err
			}
		}
		last := b.cfCode.Instructions[p.end-1]
		if !cf.FallsThrough(last) && cf.JumpTarget(last) == nil {
			continue
		}
		if len(p.succs) == 0 {
			return fmt.Errorf("%w: control falls off the end of the code", ErrUnsupportedCode)
		}
		for _, s := range p.succs {
			if !s.visited {
				s.visited = true
				s.entryStack = stack
				worklist = append(worklist, s)
			} else if !sameKinds(s.entryStack, stack) {
				return fmt.Errorf("%w: inconsistent stack at join point", ErrUnsupportedCode)
			}
		}
	}
	return nil
}

func sameKinds(a, b []cf.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

// simulateKinds 只按值类别模拟一条指令
func simulateKinds(insn cf.Instruction, stack []cf.ValueType) ([]cf.ValueType, error) {
	pop := func(n int) error {
		if len(stack) < n {
			return fmt.Errorf("%w: stack underflow at %s", ErrUnsupportedCode, insn)
		}
		stack = stack[:len(stack)-n]
		return nil
	}
	switch i := insn.(type) {
	case *cf.StackInstruction:
		switch i.Op {
		case cf.Pop:
			return stack, pop(1)
		case cf.Pop2:
			if len(stack) > 0 && stack[len(stack)-1].Size() == 2 {
				return stack, pop(1)
			}
			return stack, pop(2)
		case cf.Dup:
			if len(stack) == 0 {
				return nil, pop(1)
			}
			return append(stack, stack[len(stack)-1]), nil
		default:
			if len(stack) < 2 {
				return nil, pop(2)
			}
			n := len(stack)
			stack = append([]cf.ValueType(nil), stack...)
			stack[n-1], stack[n-2] = stack[n-2], stack[n-1]
			return stack, nil
		}
	}
	inputs, output := operandKinds(insn)
	if err := pop(len(inputs)); err != nil {
		return nil, err
	}
	stack = append([]cf.ValueType(nil), stack...)
	if output != cf.Void {
		stack = append(stack, output)
	}
	return stack, nil
}

// operandKinds 指令弹出的值个数与压入值的类别（栈操作除外）
func operandKinds(insn cf.Instruction) (inputs []cf.ValueType, output cf.ValueType) {
	kinds := func(types ...*graph.Type) []cf.ValueType {
		out := make([]cf.ValueType, len(types))
		for k, t := range types {
			out[k] = cf.ValueTypeFor(t)
		}
		return out
	}
	switch i := insn.(type) {
	case *cf.Label, *cf.Goto, *cf.StackInstruction:
		// 栈操作的输入个数取决于栈顶类别，由 applyStackOp 处理
		return nil, cf.Void
	case *cf.ConstNull, *cf.ConstString, *cf.ConstClass, *cf.New:
		return nil, cf.Object
	case *cf.ConstNumber:
		return nil, i.Type
	case *cf.Load:
		return nil, i.Type
	case *cf.Store:
		return []cf.ValueType{i.Type}, cf.Void
	case *cf.Invoke:
		inputs = kinds(i.Method.Proto.Parameters...)
		if i.Kind != cf.InvokeStatic {
			inputs = append([]cf.ValueType{cf.Object}, inputs...)
		}
		return inputs, cf.ValueTypeFor(i.Method.Proto.Return)
	case *cf.InvokeDynamic:
		proto := i.CallSite.MethodProto
		return kinds(proto.Parameters...), cf.ValueTypeFor(proto.Return)
	case *cf.FieldInstruction:
		t := cf.ValueTypeFor(i.Field.Type)
		switch i.Kind {
		case cf.GetField:
			return []cf.ValueType{cf.Object}, t
		case cf.PutField:
			return []cf.ValueType{cf.Object, t}, cf.Void
		case cf.GetStatic:
			return nil, t
		default:
			return []cf.ValueType{t}, cf.Void
		}
	case *cf.CheckCast:
		return []cf.ValueType{cf.Object}, cf.Object
	case *cf.InstanceOf, *cf.ArrayLength:
		return []cf.ValueType{cf.Object}, cf.Int
	case *cf.NewArray:
		return []cf.ValueType{cf.Int}, cf.Object
	case *cf.ArrayLoad:
		return []cf.ValueType{cf.Object, cf.Int}, i.Type
	case *cf.ArrayStore:
		return []cf.ValueType{cf.Object, cf.Int, i.Type}, cf.Void
	case *cf.Arithmetic:
		return []cf.ValueType{i.Type, i.Type}, i.Type
	case *cf.If:
		return []cf.ValueType{i.Type}, cf.Void
	case *cf.IfCmp:
		return []cf.ValueType{i.Type, i.Type}, cf.Void
	case *cf.Return:
		if i.Type == cf.Void {
			return nil, cf.Void
		}
		return []cf.ValueType{i.Type}, cf.Void
	case *cf.Throw:
		return []cf.ValueType{cf.Object}, cf.Void
	}
	diagnostic.Unreachable("unexpected cf instruction %T", insn)
	return nil, cf.Void
}

// createBlocks 为可达的待构建块创建 IR 块，并在最前面放一个只含参数的入口块
func (b *Builder) createBlocks() {
	b.argEntry = b.code.NewBlock()
	for _, p := range b.pending {
		if p.visited {
			p.block = b.code.NewBlock()
			b.blockOf[p.block] = p
		}
	}
	b.argEntry.link(b.pending[0].block)
	for _, p := range b.pending {
		if !p.visited {
			continue
		}
		for _, s := range p.succs {
			p.block.link(s.block)
		}
	}
	b.numVars = b.cfCode.MaxLocals
	for _, p := range b.pending {
		if n := b.cfCode.MaxLocals + len(p.entryStack); n > b.numVars {
			b.numVars = n
		}
	}
}

// ============================================================================
// phi 放置
// ============================================================================

// definedVars 块内被写入的变量：局部变量的 store，以及出口处仍在栈上的槽
func (b *Builder) definedVars(block *BasicBlock) []int {
	var defs []int
	if block == b.argEntry {
		slot := 0
		for _, t := range b.argumentTypes() {
			defs = append(defs, slot)
			slot += t.RequiredRegisters()
		}
		return defs
	}
	p := b.blockOf[block]
	for _, insn := range b.cfCode.Instructions[p.start:p.end] {
		if s, ok := insn.(*cf.Store); ok {
			defs = append(defs, s.Local)
		}
	}
	if len(p.succs) > 0 {
		for k := range p.succs[0].entryStack {
			defs = append(defs, b.cfCode.MaxLocals+k)
		}
	}
	return defs
}

func (b *Builder) insertPhis() {
	frontier := b.dt.DominanceFrontier()
	defBlocks := make(map[int][]*BasicBlock)
	for _, block := range b.dt.ReversePostOrder() {
		for _, v := range b.definedVars(block) {
			if n := len(defBlocks[v]); n == 0 || defBlocks[v][n-1] != block {
				defBlocks[v] = append(defBlocks[v], block)
			}
		}
	}
	for v := 0; v < b.numVars; v++ {
		hasAlready := make(map[*BasicBlock]bool)
		everOnWorklist := make(map[*BasicBlock]bool)
		worklist := append([]*BasicBlock(nil), defBlocks[v]...)
		for _, block := range worklist {
			everOnWorklist[block] = true
		}
		for len(worklist) > 0 {
			n := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			for _, d := range frontier[n] {
				if hasAlready[d] {
					continue
				}
				d.newPhi(b.code.NewValue(nil), v)
				hasAlready[d] = true
				if !everOnWorklist[d] {
					everOnWorklist[d] = true
					worklist = append(worklist, d)
				}
			}
		}
	}
}

// ============================================================================
// 重命名与翻译
// ============================================================================

func (b *Builder) pushDef(v int, def *Value) {
	b.varStack[v] = append(b.varStack[v], def)
}

func (b *Builder) currentDef(v int) *Value {
	stack := b.varStack[v]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

func (b *Builder) argumentTypes() []*graph.Type {
	ref := b.method.Reference()
	var types []*graph.Type
	if !b.method.Definition.IsStatic() {
		types = append(types, b.method.HolderType())
	}
	return append(types, ref.Proto.Parameters...)
}

func (b *Builder) rename(block *BasicBlock) error {
	sizes := make(map[int]int, len(b.varStack))
	for v, stack := range b.varStack {
		sizes[v] = len(stack)
	}

	for _, phi := range block.phis {
		b.pushDef(phi.Local, phi.out)
	}
	var err error
	if block == b.argEntry {
		b.emitArguments(block)
	} else {
		err = b.translate(block)
	}
	if err != nil {
		return err
	}

	for _, succ := range block.succs {
		k := succ.PredecessorIndex(block)
		for _, phi := range succ.phis {
			if def := b.currentDef(phi.Local); def != nil {
				phi.SetOperand(k, def)
			}
		}
	}
	for _, child := range b.dt.Children(block) {
		if err := b.rename(child); err != nil {
			return err
		}
	}

	for v, stack := range b.varStack {
		b.varStack[v] = stack[:sizes[v]]
	}
	return nil
}

func (b *Builder) emitArguments(block *BasicBlock) {
	l := b.code.Lattice()
	slot := 0
	for k, t := range b.argumentTypes() {
		receiver := k == 0 && !b.method.Definition.IsStatic()
		var typ lattice.Element
		if receiver {
			typ = l.ClassType(t, lattice.DefinitelyNotNull)
		} else {
			typ = normalizedElement(l, t, lattice.MaybeNull)
		}
		out := b.code.NewValue(typ)
		insn := newInstruction(IR_ARGUMENT, out)
		insn.Type = t
		insn.Index = k
		insn.Receiver = receiver
		block.append(insn)
		b.pushDef(slot, out)
		slot += t.RequiredRegisters()
	}
	block.append(NewGoto())
}

// translate 把一个块的栈式指令翻译为 IR
func (b *Builder) translate(block *BasicBlock) error {
	p := b.blockOf[block]
	maxLocals := b.cfCode.MaxLocals
	stack := make([]stackEntry, len(p.entryStack))
	for k, kind := range p.entryStack {
		v := b.currentDef(maxLocals + k)
		if v == nil {
			return fmt.Errorf("%w: undefined stack slot %d", ErrUnsupportedCode, k)
		}
		stack[k] = stackEntry{value: v, kind: kind}
	}
	pop := func() *Value {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top.value
	}
	popN := func(n int) []*Value {
		in := make([]*Value, n)
		for k := n - 1; k >= 0; k-- {
			in[k] = pop()
		}
		return in
	}
	emit := func(op Opcode, kind cf.ValueType, in ...*Value) *Instruction {
		var out *Value
		if kind != cf.Void {
			out = b.code.NewValue(nil)
		}
		insn := newInstruction(op, out, in...)
		block.append(insn)
		if out != nil {
			stack = append(stack, stackEntry{value: out, kind: kind})
		}
		return insn
	}

	for _, insn := range b.cfCode.Instructions[p.start:p.end] {
		inputs, output := operandKinds(insn)
		if len(stack) < len(inputs) {
			return fmt.Errorf("%w: stack underflow at %s", ErrUnsupportedCode, insn)
		}
		switch i := insn.(type) {
		case *cf.Label:
		case *cf.ConstNull:
			emit(IR_CONST_NULL, cf.Object)
		case *cf.ConstNumber:
			emitted := emit(IR_CONST_NUMBER, i.Type)
			emitted.Number = i.Value
			emitted.NumType = i.Type
		case *cf.ConstString:
			emit(IR_CONST_STRING, cf.Object).StringValue = i.Value
		case *cf.ConstClass:
			emit(IR_CONST_CLASS, cf.Object).Type = i.Type
		case *cf.Load:
			v := b.currentDef(i.Local)
			if v == nil {
				return fmt.Errorf("%w: read of undefined local %d", ErrUnsupportedCode, i.Local)
			}
			stack = append(stack, stackEntry{value: v, kind: i.Type})
		case *cf.Store:
			b.pushDef(i.Local, pop())
		case *cf.Invoke:
			emitted := emit(b.invokeOpcode(i), output, popN(len(inputs))...)
			emitted.Method = i.Method
			emitted.Itf = i.Itf
		case *cf.InvokeDynamic:
			emit(IR_INVOKE_CUSTOM, output, popN(len(inputs))...).CallSite = i.CallSite
		case *cf.FieldInstruction:
			op := map[cf.FieldKind]Opcode{
				cf.GetField: IR_INSTANCE_GET, cf.PutField: IR_INSTANCE_PUT,
				cf.GetStatic: IR_STATIC_GET, cf.PutStatic: IR_STATIC_PUT,
			}[i.Kind]
			emit(op, output, popN(len(inputs))...).Field = i.Field
		case *cf.CheckCast:
			emit(IR_CHECK_CAST, cf.Object, pop()).Type = i.Type
		case *cf.InstanceOf:
			emit(IR_INSTANCE_OF, cf.Int, pop()).Type = i.Type
		case *cf.New:
			emit(IR_NEW_INSTANCE, cf.Object).Type = i.Type
		case *cf.NewArray:
			emit(IR_NEW_ARRAY, cf.Object, pop()).Type = i.Type
		case *cf.ArrayLength:
			emit(IR_ARRAY_LENGTH, cf.Int, pop())
		case *cf.ArrayLoad:
			emit(IR_ARRAY_GET, i.Type, popN(2)...).NumType = i.Type
		case *cf.ArrayStore:
			emit(IR_ARRAY_PUT, cf.Void, popN(3)...).NumType = i.Type
		case *cf.Arithmetic:
			emitted := emit(IR_BINOP, i.Type, popN(2)...)
			emitted.Arith = i.Op
			emitted.NumType = i.Type
		case *cf.StackInstruction:
			var err error
			if stack, err = applyStackOp(i, stack); err != nil {
				return err
			}
		case *cf.If:
			emitted := emit(IR_IF, cf.Void, pop())
			emitted.Cond = i.Kind
			emitted.NumType = i.Type
		case *cf.IfCmp:
			emitted := emit(IR_IF, cf.Void, popN(2)...)
			emitted.Cond = i.Kind
			emitted.NumType = i.Type
		case *cf.Goto:
			emit(IR_GOTO, cf.Void)
		case *cf.Return:
			emit(IR_RETURN, cf.Void, popN(len(inputs))...)
		case *cf.Throw:
			emit(IR_THROW, cf.Void, pop())
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedCode, insn)
		}
	}
	if exit := block.Exit(); exit == nil || !exit.IsJump() {
		block.append(NewGoto())
	}
	// 出口处仍在栈上的值写入栈槽变量
	for k, entry := range stack {
		b.pushDef(maxLocals+k, entry.value)
	}
	return nil
}

func (b *Builder) invokeOpcode(i *cf.Invoke) Opcode {
	switch i.Kind {
	case cf.InvokeVirtual:
		return IR_INVOKE_VIRTUAL
	case cf.InvokeInterface:
		return IR_INVOKE_INTERFACE
	case cf.InvokeStatic:
		return IR_INVOKE_STATIC
	}
	if i.Method.IsInstanceInitializer() || i.Method.Holder == b.method.HolderType() {
		return IR_INVOKE_DIRECT
	}
	return IR_INVOKE_SUPER
}

func applyStackOp(i *cf.StackInstruction, stack []stackEntry) ([]stackEntry, error) {
	underflow := fmt.Errorf("%w: stack underflow at %s", ErrUnsupportedCode, i)
	n := len(stack)
	switch i.Op {
	case cf.Pop:
		if n < 1 {
			return nil, underflow
		}
		return stack[:n-1], nil
	case cf.Pop2:
		if n >= 1 && stack[n-1].kind.Size() == 2 {
			return stack[:n-1], nil
		}
		if n < 2 {
			return nil, underflow
		}
		return stack[:n-2], nil
	case cf.Dup:
		if n < 1 {
			return nil, underflow
		}
		return append(stack, stack[n-1]), nil
	default:
		if n < 2 {
			return nil, underflow
		}
		stack[n-1], stack[n-2] = stack[n-2], stack[n-1]
		return stack, nil
	}
}

// ============================================================================
// phi 清理
// ============================================================================

// prunePhis 删除在某条路径上未定义的 phi、无用 phi 与平凡 phi
func (b *Builder) prunePhis() error {
	// 未定义：缺少操作数，或操作数是未定义的 phi
	undefined := make(map[*Phi]bool)
	for changed := true; changed; {
		changed = false
		for _, block := range b.code.blocks {
			for _, phi := range block.phis {
				if undefined[phi] {
					continue
				}
				for _, o := range phi.operands {
					if o == nil || (o.phi != nil && undefined[o.phi]) {
						undefined[phi] = true
						changed = true
						break
					}
				}
			}
		}
	}

	// 活跃：被指令使用，或被活跃 phi 使用
	live := make(map[*Phi]bool)
	var worklist []*Phi
	for _, block := range b.code.blocks {
		for _, phi := range block.phis {
			if len(phi.out.users) > 0 {
				live[phi] = true
				worklist = append(worklist, phi)
			}
		}
	}
	for len(worklist) > 0 {
		phi := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if undefined[phi] {
			return fmt.Errorf("%w: local %d is not defined on every path", ErrUnsupportedCode, phi.Local)
		}
		for _, o := range phi.operands {
			if o.phi != nil && !live[o.phi] {
				live[o.phi] = true
				worklist = append(worklist, o.phi)
			}
		}
	}
	for _, block := range b.code.blocks {
		var kept []*Phi
		for _, phi := range block.phis {
			if live[phi] {
				kept = append(kept, phi)
			} else {
				phi.detach()
			}
		}
		block.phis = kept
	}
	RemoveTrivialPhis(b.code)
	return nil
}

// RemoveTrivialPhis 反复删除所有操作数（除自身外）相同的 phi
func RemoveTrivialPhis(code *Code) {
	for changed := true; changed; {
		changed = false
		for _, block := range code.blocks {
			for _, phi := range append([]*Phi(nil), block.phis...) {
				same := phi.TrivialOperand()
				if same == nil {
					continue
				}
				phi.out.ReplaceSelectedUsers(same, nil, func(user *Phi, _ int) bool { return user != phi })
				block.RemovePhi(phi)
				changed = true
			}
		}
	}
}
