package graph

import "strings"

// AccessFlags 类、方法、字段的访问标志
type AccessFlags uint16

// 访问标志
const (
	AccPublic     AccessFlags = 0x0001
	AccPrivate    AccessFlags = 0x0002
	AccProtected  AccessFlags = 0x0004
	AccStatic     AccessFlags = 0x0008
	AccFinal      AccessFlags = 0x0010
	AccSuper      AccessFlags = 0x0020
	AccBridge     AccessFlags = 0x0040
	AccVarargs    AccessFlags = 0x0080
	AccNative     AccessFlags = 0x0100
	AccInterface  AccessFlags = 0x0200
	AccAbstract   AccessFlags = 0x0400
	AccSynthetic  AccessFlags = 0x1000
	AccAnnotation AccessFlags = 0x2000
	AccEnum       AccessFlags = 0x4000
)

func (a AccessFlags) Has(flag AccessFlags) bool { return a&flag != 0 }

func (a AccessFlags) IsPublic() bool    { return a.Has(AccPublic) }
func (a AccessFlags) IsPrivate() bool   { return a.Has(AccPrivate) }
func (a AccessFlags) IsProtected() bool { return a.Has(AccProtected) }
func (a AccessFlags) IsStatic() bool    { return a.Has(AccStatic) }
func (a AccessFlags) IsFinal() bool     { return a.Has(AccFinal) }
func (a AccessFlags) IsInterface() bool { return a.Has(AccInterface) }
func (a AccessFlags) IsAbstract() bool  { return a.Has(AccAbstract) }
func (a AccessFlags) IsSynthetic() bool { return a.Has(AccSynthetic) }
func (a AccessFlags) IsBridge() bool    { return a.Has(AccBridge) }

// Set 加上标志
func (a AccessFlags) Set(flag AccessFlags) AccessFlags { return a | flag }

// Unset 去掉标志
func (a AccessFlags) Unset(flag AccessFlags) AccessFlags { return a &^ flag }

var methodFlagNames = []struct {
	flag AccessFlags
	name string
}{
	{AccPublic, "public"}, {AccPrivate, "private"}, {AccProtected, "protected"},
	{AccStatic, "static"}, {AccFinal, "final"}, {AccBridge, "bridge"},
	{AccNative, "native"}, {AccAbstract, "abstract"}, {AccSynthetic, "synthetic"},
}

func (a AccessFlags) String() string {
	var parts []string
	for _, fn := range methodFlagNames {
		if a.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, " ")
}
