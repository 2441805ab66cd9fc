package androidapi

// ============================================================================
// 三值布尔
// ============================================================================

// OptionalBool 三值布尔：真、假、未知
type OptionalBool uint8

const (
	Unknown OptionalBool = iota
	False
	True
)

// OptionalOf 从 bool 构造
func OptionalOf(b bool) OptionalBool {
	if b {
		return True
	}
	return False
}

func (b OptionalBool) IsTrue() bool    { return b == True }
func (b OptionalBool) IsFalse() bool   { return b == False }
func (b OptionalBool) IsUnknown() bool { return b == Unknown }

// IsPossiblyTrue 真或未知
func (b OptionalBool) IsPossiblyTrue() bool { return b != False }

// IsPossiblyFalse 假或未知
func (b OptionalBool) IsPossiblyFalse() bool { return b != True }

// Not 取反，未知保持未知
func (b OptionalBool) Not() OptionalBool {
	switch b {
	case True:
		return False
	case False:
		return True
	default:
		return Unknown
	}
}

func (b OptionalBool) String() string {
	switch b {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// ============================================================================
// 计算出的 API 级别
// ============================================================================

// ComputedApiLevel 已知级别或未知
// 未知表示建模缺口，不是错误；未知只等于自身，其余比较结果一律为未知
type ComputedApiLevel struct {
	level AndroidApiLevel
	known bool
}

// Of 已知级别
func Of(level AndroidApiLevel) ComputedApiLevel {
	return ComputedApiLevel{level: level, known: true}
}

// UnknownLevel 未知级别
func UnknownLevel() ComputedApiLevel {
	return ComputedApiLevel{}
}

func (c ComputedApiLevel) IsKnownApiLevel() bool   { return c.known }
func (c ComputedApiLevel) IsUnknownApiLevel() bool { return !c.known }

// ApiLevel 返回已知级别
func (c ComputedApiLevel) ApiLevel() (AndroidApiLevel, bool) {
	return c.level, c.known
}

// Max 任一方未知则结果未知
func (c ComputedApiLevel) Max(other ComputedApiLevel) ComputedApiLevel {
	if !c.known || !other.known {
		return UnknownLevel()
	}
	return Of(c.level.Max(other.level))
}

// IsGreaterThan c > other
func (c ComputedApiLevel) IsGreaterThan(other ComputedApiLevel) OptionalBool {
	if !c.known || !other.known {
		return Unknown
	}
	return OptionalOf(c.level > other.level)
}

// IsGreaterThanOrEqualTo c >= other
func (c ComputedApiLevel) IsGreaterThanOrEqualTo(other ComputedApiLevel) OptionalBool {
	if !c.known || !other.known {
		return Unknown
	}
	return OptionalOf(c.level >= other.level)
}

// IsLessThanOrEqualTo c <= other
func (c ComputedApiLevel) IsLessThanOrEqualTo(other ComputedApiLevel) OptionalBool {
	return c.IsGreaterThan(other).Not()
}

// IsEqualTo 两个级别相等；两个未知级别相等
func (c ComputedApiLevel) IsEqualTo(other ComputedApiLevel) OptionalBool {
	if !c.known && !other.known {
		return True
	}
	if !c.known || !other.known {
		return Unknown
	}
	return OptionalOf(c.level == other.level)
}

func (c ComputedApiLevel) String() string {
	if !c.known {
		return "UNKNOWN"
	}
	return c.level.String()
}
