package androidapi

import "fmt"

// DexVersion dex 文件格式版本
type DexVersion int

const (
	V35 DexVersion = 35
	V37 DexVersion = 37
	V38 DexVersion = 38
	V39 DexVersion = 39
)

// DexVersionFor 返回给定最低 API 级别可使用的 dex 版本
func DexVersionFor(level AndroidApiLevel) DexVersion {
	switch {
	case level >= P:
		return V39
	case level >= O:
		return V38
	case level >= N:
		return V37
	default:
		return V35
	}
}

// DexVersionFromInt 解析数值版本号
func DexVersionFromInt(v int) (DexVersion, error) {
	switch DexVersion(v) {
	case V35, V37, V38, V39:
		return DexVersion(v), nil
	}
	return 0, fmt.Errorf("unsupported dex version: %d", v)
}

// MinApiLevel 支持该 dex 版本的最低 API 级别
func (v DexVersion) MinApiLevel() AndroidApiLevel {
	switch v {
	case V39:
		return P
	case V38:
		return O
	case V37:
		return N
	default:
		return B
	}
}

// Bytes dex 头部中的版本字节
func (v DexVersion) Bytes() []byte {
	return []byte(fmt.Sprintf("%03d", int(v)))
}

func (v DexVersion) String() string {
	return fmt.Sprintf("V%d", int(v))
}
