package graph

// ============================================================================
// 类层次查询
// ============================================================================

// AppInfo 在应用之上提供类层次查询
// withSubtyping 为 false 时表示开放世界：不能依赖子类型信息
type AppInfo struct {
	app           *Application
	withSubtyping bool
}

// NewAppInfo 创建类层次查询
func NewAppInfo(app *Application, withSubtyping bool) *AppInfo {
	return &AppInfo{app: app, withSubtyping: withSubtyping}
}

// App 底层应用
func (ai *AppInfo) App() *Application { return ai.app }

// Factory 类型工厂
func (ai *AppInfo) Factory() *ItemFactory { return ai.app.factory }

// HasSubtyping 是否为封闭世界
func (ai *AppInfo) HasSubtyping() bool { return ai.withSubtyping }

// DefinitionFor 查找类型定义
func (ai *AppInfo) DefinitionFor(t *Type) *Class { return ai.app.DefinitionFor(t) }

// IsInterface 类型是否为已知接口
func (ai *AppInfo) IsInterface(t *Type) bool {
	c := ai.app.DefinitionFor(t)
	return c != nil && c.IsInterface()
}

// IsSubtype sub 是否为 sup 的子类型（含相等）
// 层次中缺失的类截断搜索路径
func (ai *AppInfo) IsSubtype(sub, sup *Type) bool {
	if sub == sup {
		return true
	}
	f := ai.app.factory
	if sup == f.ObjectType {
		return sub.IsReferenceType()
	}
	if sub.IsArrayType() {
		if sup.IsArrayType() {
			se, pe := sub.ElementType(), sup.ElementType()
			return se.IsReferenceType() && pe.IsReferenceType() && ai.IsSubtype(se, pe)
		}
		return sup == f.CloneableType || sup == f.SerializableType
	}
	if !sub.IsClassType() || !sup.IsClassType() {
		return false
	}
	visited := map[*Type]bool{sub: true}
	worklist := []*Type{sub}
	for len(worklist) > 0 {
		t := worklist[0]
		worklist = worklist[1:]
		c := ai.app.DefinitionFor(t)
		if c == nil {
			continue
		}
		for _, s := range c.ImmediateSupertypes() {
			if s == sup {
				return true
			}
			if !visited[s] {
				visited[s] = true
				worklist = append(worklist, s)
			}
		}
	}
	return false
}

// IsStrictSubtypeOf 严格子类型
func (ai *AppInfo) IsStrictSubtypeOf(sub, sup *Type) bool {
	return sub != sup && ai.IsSubtype(sub, sup)
}

// ImplementedInterfaces t 及其所有父类实现的全部接口（传递闭包）
// t 本身是接口时包含 t
func (ai *AppInfo) ImplementedInterfaces(t *Type) TypeSet {
	var result []*Type
	visited := map[*Type]bool{}
	worklist := []*Type{t}
	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		c := ai.app.DefinitionFor(cur)
		if c == nil {
			continue
		}
		if c.IsInterface() {
			result = append(result, cur)
		}
		worklist = append(worklist, c.ImmediateSupertypes()...)
	}
	return NewTypeSet(result...)
}

// SuperClassChain 从 t 开始沿父类链向上，直到 Object 或缺失的类
func (ai *AppInfo) SuperClassChain(t *Type) []*Type {
	var chain []*Type
	seen := map[*Type]bool{}
	for cur := t; cur != nil && !seen[cur]; {
		seen[cur] = true
		chain = append(chain, cur)
		c := ai.app.DefinitionFor(cur)
		if c == nil {
			break
		}
		cur = c.SuperType
	}
	return chain
}

// ComputeLeastUpperBoundOfClasses 最近公共父类；接口或未知类得到 Object
func (ai *AppInfo) ComputeLeastUpperBoundOfClasses(a, b *Type) *Type {
	f := ai.app.factory
	if a == b {
		return a
	}
	if ai.IsInterface(a) || ai.IsInterface(b) {
		return f.ObjectType
	}
	ancestors := map[*Type]bool{}
	for _, t := range ai.SuperClassChain(a) {
		ancestors[t] = true
	}
	for _, t := range ai.SuperClassChain(b) {
		if ancestors[t] {
			return t
		}
	}
	return f.ObjectType
}

// ResolveMethod 在 holder 及其父类型中查找方法定义
func (ai *AppInfo) ResolveMethod(ref *Method) (*Class, *EncodedMethod) {
	visited := map[*Type]bool{}
	worklist := []*Type{ref.Holder}
	for len(worklist) > 0 {
		t := worklist[0]
		worklist = worklist[1:]
		if visited[t] {
			continue
		}
		visited[t] = true
		c := ai.app.DefinitionFor(t)
		if c == nil {
			continue
		}
		if m := c.LookupMethod(ref); m != nil {
			return c, m
		}
		worklist = append(worklist, c.ImmediateSupertypes()...)
	}
	return nil, nil
}
