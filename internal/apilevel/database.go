// Package apilevel 计算库引用首次出现的 API 级别，判断优化是否安全，
// 并为最低 API 级别上不存在的库类生成抛异常的桩
package apilevel

import (
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/nova/internal/androidapi"
	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// API 数据库
// ============================================================================

// Database 平台 API 数据：引用首次出现的级别
// 构建完成后只读，可并发查询
type Database struct {
	Types   map[string]int `json:"types"`   // Ljava/lang/Object; -> 级别
	Methods map[string]int `json:"methods"` // Lfoo/Bar;->name(I)V -> 级别
	Fields  map[string]int `json:"fields"`  // Lfoo/Bar;->name:I -> 级别
}

// NewDatabase 创建空数据库
func NewDatabase() *Database {
	return &Database{
		Types:   make(map[string]int),
		Methods: make(map[string]int),
		Fields:  make(map[string]int),
	}
}

// LoadDatabase 从 JSON 文件加载
func LoadDatabase(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read api database: %w", err)
	}
	return ParseDatabase(data)
}

// ParseDatabase 解析 JSON 内容
func ParseDatabase(data []byte) (*Database, error) {
	db := NewDatabase()
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("failed to parse api database: %w", err)
	}
	for _, table := range []map[string]int{db.Types, db.Methods, db.Fields} {
		for key, level := range table {
			if level <= 0 {
				return nil, fmt.Errorf("invalid api level %d for %s", level, key)
			}
		}
	}
	return db, nil
}

// Save 以 JSON 保存
func (db *Database) Save(path string) error {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode api database: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write api database: %w", err)
	}
	return nil
}

// AddType 登记类型
func (db *Database) AddType(descriptor string, level androidapi.AndroidApiLevel) *Database {
	db.Types[descriptor] = int(level)
	return db
}

// AddMethod 登记方法
func (db *Database) AddMethod(ref string, level androidapi.AndroidApiLevel) *Database {
	db.Methods[ref] = int(level)
	return db
}

// AddField 登记字段
func (db *Database) AddField(ref string, level androidapi.AndroidApiLevel) *Database {
	db.Fields[ref] = int(level)
	return db
}

// Lookup 查询引用自身的级别（不含持有类型）
func (db *Database) Lookup(ref graph.Reference) (androidapi.AndroidApiLevel, bool) {
	var (
		level int
		ok    bool
	)
	switch r := ref.(type) {
	case *graph.Type:
		level, ok = db.Types[r.Descriptor()]
	case *graph.Method:
		level, ok = db.Methods[r.String()]
	case *graph.Field:
		level, ok = db.Fields[r.String()]
	}
	if !ok {
		return 0, false
	}
	return androidapi.FromInt(level), true
}
