// Package androidapi 定义 Android API 级别、计算出的 API 级别以及三值布尔
package androidapi

import "strconv"

// ============================================================================
// API 级别
// ============================================================================

// AndroidApiLevel Android 平台 API 级别
type AndroidApiLevel int

const (
	B       AndroidApiLevel = 1
	B_1_1   AndroidApiLevel = 2
	C       AndroidApiLevel = 3
	D       AndroidApiLevel = 4
	E       AndroidApiLevel = 5
	E_0_1   AndroidApiLevel = 6
	E_MR1   AndroidApiLevel = 7
	F       AndroidApiLevel = 8
	G       AndroidApiLevel = 9
	G_MR1   AndroidApiLevel = 10
	H       AndroidApiLevel = 11
	H_MR1   AndroidApiLevel = 12
	H_MR2   AndroidApiLevel = 13
	I       AndroidApiLevel = 14
	I_MR1   AndroidApiLevel = 15
	J       AndroidApiLevel = 16
	J_MR1   AndroidApiLevel = 17
	J_MR2   AndroidApiLevel = 18
	K       AndroidApiLevel = 19
	K_WATCH AndroidApiLevel = 20
	L       AndroidApiLevel = 21
	L_MR1   AndroidApiLevel = 22
	M       AndroidApiLevel = 23
	N       AndroidApiLevel = 24
	N_MR1   AndroidApiLevel = 25
	O       AndroidApiLevel = 26
	O_MR1   AndroidApiLevel = 27
	P       AndroidApiLevel = 28
	Q       AndroidApiLevel = 29
	R       AndroidApiLevel = 30
	S       AndroidApiLevel = 31
	Sv2     AndroidApiLevel = 32
	T       AndroidApiLevel = 33
	U       AndroidApiLevel = 34

	// Master 尚未发布的开发版本
	Master AndroidApiLevel = 10000
	// Platform 平台内部构建
	Platform AndroidApiLevel = 10001
)

// LatestKnown 已知的最新发布版本
const LatestKnown = U

var levelNames = map[AndroidApiLevel]string{
	B: "B", B_1_1: "B_1_1", C: "C", D: "D", E: "E", E_0_1: "E_0_1", E_MR1: "E_MR1",
	F: "F", G: "G", G_MR1: "G_MR1", H: "H", H_MR1: "H_MR1", H_MR2: "H_MR2",
	I: "I", I_MR1: "I_MR1", J: "J", J_MR1: "J_MR1", J_MR2: "J_MR2", K: "K",
	K_WATCH: "K_WATCH", L: "L", L_MR1: "L_MR1", M: "M", N: "N", N_MR1: "N_MR1",
	O: "O", O_MR1: "O_MR1", P: "P", Q: "Q", R: "R", S: "S", Sv2: "Sv2", T: "T",
	U: "U", Master: "MASTER", Platform: "ANDROID_PLATFORM",
}

// Level 返回数值级别
func (l AndroidApiLevel) Level() int {
	return int(l)
}

func (l AndroidApiLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name + "(" + strconv.Itoa(int(l)) + ")"
	}
	return "API(" + strconv.Itoa(int(l)) + ")"
}

// IsGreaterThan 严格大于
func (l AndroidApiLevel) IsGreaterThan(other AndroidApiLevel) bool {
	return l > other
}

// IsGreaterThanOrEqualTo 大于等于
func (l AndroidApiLevel) IsGreaterThanOrEqualTo(other AndroidApiLevel) bool {
	return l >= other
}

// IsLessThan 严格小于
func (l AndroidApiLevel) IsLessThan(other AndroidApiLevel) bool {
	return l < other
}

// IsPlatform 是否为平台构建
func (l AndroidApiLevel) IsPlatform() bool {
	return l == Platform
}

// Max 返回两者中较大者
func (l AndroidApiLevel) Max(other AndroidApiLevel) AndroidApiLevel {
	if l >= other {
		return l
	}
	return other
}

// FromInt 将整数映射到 API 级别
// 未发布的数值映射到 Master，小于 B 的值映射到 B
func FromInt(level int) AndroidApiLevel {
	switch {
	case level <= 0:
		return B
	case level == int(Platform):
		return Platform
	case level > int(LatestKnown):
		return Master
	default:
		return AndroidApiLevel(level)
	}
}
