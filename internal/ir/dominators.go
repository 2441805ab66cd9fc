// dominators.go - 支配树
//
// 使用 Cooper、Harvey、Kennedy 的迭代算法：
// 按逆后序反复求前驱支配者的交集直到不动点。
//
// 参考文献：
// - "A Simple, Fast Dominance Algorithm" - Keith D. Cooper, Timothy J. Harvey, Ken Kennedy
package ir

// DominatorTree 支配树与逆后序
type DominatorTree struct {
	entry    *BasicBlock
	idom     map[*BasicBlock]*BasicBlock
	order    []*BasicBlock
	index    map[*BasicBlock]int
	children map[*BasicBlock][]*BasicBlock
}

// ComputeDominators 计算支配树；不可达块不在树中
func (c *Code) ComputeDominators() *DominatorTree {
	dt := &DominatorTree{
		entry:    c.EntryBlock(),
		idom:     make(map[*BasicBlock]*BasicBlock),
		index:    make(map[*BasicBlock]int),
		children: make(map[*BasicBlock][]*BasicBlock),
	}
	dt.order = reversePostOrder(dt.entry)
	for k, b := range dt.order {
		dt.index[b] = k
	}

	// 入口块支配自己
	dt.idom[dt.entry] = dt.entry
	changed := true
	for changed {
		changed = false
		for _, b := range dt.order[1:] {
			// 第一个已处理的前驱
			var newIdom *BasicBlock
			for _, pred := range b.preds {
				if dt.idom[pred] != nil {
					newIdom = pred
					break
				}
			}
			if newIdom == nil {
				continue
			}
			for _, pred := range b.preds {
				if pred != newIdom && dt.idom[pred] != nil {
					newIdom = dt.intersect(pred, newIdom)
				}
			}
			if dt.idom[b] != newIdom {
				dt.idom[b] = newIdom
				changed = true
			}
		}
	}

	for _, b := range dt.order[1:] {
		if dom := dt.idom[b]; dom != nil {
			dt.children[dom] = append(dt.children[dom], b)
		}
	}
	return dt
}

// intersect 两个块的最近公共支配者
func (dt *DominatorTree) intersect(b1, b2 *BasicBlock) *BasicBlock {
	finger1, finger2 := b1, b2
	for finger1 != finger2 {
		for dt.index[finger1] > dt.index[finger2] {
			finger1 = dt.idom[finger1]
		}
		for dt.index[finger2] > dt.index[finger1] {
			finger2 = dt.idom[finger2]
		}
	}
	return finger1
}

func reversePostOrder(entry *BasicBlock) []*BasicBlock {
	visited := map[*BasicBlock]bool{}
	var post []*BasicBlock
	type frame struct {
		block *BasicBlock
		next  int
	}
	stack := []frame{{block: entry}}
	visited[entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.block.succs) {
			succ := top.block.succs[top.next]
			top.next++
			if !visited[succ] {
				visited[succ] = true
				stack = append(stack, frame{block: succ})
			}
			continue
		}
		post = append(post, top.block)
		stack = stack[:len(stack)-1]
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// ReversePostOrder 可达块的逆后序
func (dt *DominatorTree) ReversePostOrder() []*BasicBlock { return dt.order }

// ImmediateDominator 直接支配者，入口块返回自身
func (dt *DominatorTree) ImmediateDominator(b *BasicBlock) *BasicBlock { return dt.idom[b] }

// Children 支配树中的子节点
func (dt *DominatorTree) Children(b *BasicBlock) []*BasicBlock { return dt.children[b] }

// IsReachable 块是否可达
func (dt *DominatorTree) IsReachable(b *BasicBlock) bool {
	_, ok := dt.index[b]
	return ok
}

// Dominates a 是否支配 b（自反）
func (dt *DominatorTree) Dominates(a, b *BasicBlock) bool {
	if !dt.IsReachable(a) || !dt.IsReachable(b) {
		return false
	}
	for {
		if b == a {
			return true
		}
		if b == dt.entry {
			return false
		}
		b = dt.idom[b]
	}
}

// StrictlyDominates a 严格支配 b
func (dt *DominatorTree) StrictlyDominates(a, b *BasicBlock) bool {
	return a != b && dt.Dominates(a, b)
}

// InstructionDominates def 是否支配 use：同块内按位置比较
func (dt *DominatorTree) InstructionDominates(def, use *Instruction) bool {
	if def.block == use.block {
		return def.block.IndexOf(def) < use.block.IndexOf(use)
	}
	return dt.Dominates(def.block, use.block)
}

// DominanceFrontier 每个块的支配边界
func (dt *DominatorTree) DominanceFrontier() map[*BasicBlock][]*BasicBlock {
	frontier := make(map[*BasicBlock][]*BasicBlock)
	add := func(b, f *BasicBlock) {
		for _, x := range frontier[b] {
			if x == f {
				return
			}
		}
		frontier[b] = append(frontier[b], f)
	}
	for _, b := range dt.order {
		if len(b.preds) < 2 {
			continue
		}
		for _, pred := range b.preds {
			if !dt.IsReachable(pred) {
				continue
			}
			for runner := pred; runner != dt.idom[b]; runner = dt.idom[runner] {
				add(runner, b)
				if runner == dt.entry {
					break
				}
			}
		}
	}
	return frontier
}
