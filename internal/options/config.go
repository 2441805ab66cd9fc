// config.go - 选项文件的读取、保存与查找
package options

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "d8.toml" // 配置文件名
)

// Load 从文件加载选项，未出现的键取默认值
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	opts, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return opts, nil
}

// Parse 解析 TOML 内容
func Parse(data []byte) (*Options, error) {
	opts := Default()
	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Save 保存选项到文件
func (o *Options) Save(path string) error {
	content := generateConfigWithComments(o)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(o *Options) string {
	var sb strings.Builder

	sb.WriteString("# 目标最低 API 级别\n")
	sb.WriteString(fmt.Sprintf("min_api = %d\n\n", o.MinApi))
	sb.WriteString("# 工作者数量（0 表示按 CPU 数）\n")
	sb.WriteString(fmt.Sprintf("threads = %d\n\n", o.Threads))
	sb.WriteString("# 内部一致性检查\n")
	sb.WriteString(fmt.Sprintf("debug_checks = %t\n", o.DebugChecks))
	sb.WriteString(fmt.Sprintf("generate_class_files = %t\n", o.GenerateClassFiles))
	sb.WriteString(fmt.Sprintf("android_platform_build = %t\n\n", o.AndroidPlatformBuild))

	sb.WriteString("[desugaring]\n")
	sb.WriteString(fmt.Sprintf("enabled = %t\n", o.Desugaring.Enabled))
	sb.WriteString(fmt.Sprintf("backports = %t\n\n", o.Desugaring.Backports))
	if len(o.Desugaring.Retarget) > 0 {
		sb.WriteString("# 库成员重定向：方法引用 -> 新的持有类型\n")
		sb.WriteString("[desugaring.retarget]\n")
		writeSortedMap(&sb, o.Desugaring.Retarget)
		sb.WriteString("\n")
	}
	if len(o.Desugaring.RewritePrefix) > 0 {
		sb.WriteString("# 脱糖库包前缀改写\n")
		sb.WriteString("[desugaring.rewrite_prefix]\n")
		writeSortedMap(&sb, o.Desugaring.RewritePrefix)
		sb.WriteString("\n")
	}

	sb.WriteString("[api_modeling]\n")
	sb.WriteString(fmt.Sprintf("enable_library_api_modeling = %t\n", o.ApiModeling.EnableLibraryApiModeling))
	sb.WriteString(fmt.Sprintf("enable_api_caller_identification = %t\n", o.ApiModeling.EnableApiCallerIdentification))
	sb.WriteString(fmt.Sprintf("enable_stubbing_of_classes = %t\n", o.ApiModeling.EnableStubbingOfClasses))
	sb.WriteString("# API 数据库（JSON），为空时使用空数据库\n")
	sb.WriteString(fmt.Sprintf("database = %q\n\n", o.ApiModeling.Database))

	sb.WriteString("[optimize]\n")
	sb.WriteString(fmt.Sprintf("enabled = %t\n", o.Optimize.Enabled))
	sb.WriteString(fmt.Sprintf("inlining = %t\n", o.Optimize.Inlining))
	sb.WriteString(fmt.Sprintf("max_inline_size = %d\n\n", o.Optimize.MaxInlineSize))

	sb.WriteString("[log]\n")
	sb.WriteString("# debug、info、warn、error\n")
	sb.WriteString(fmt.Sprintf("level = %q\n", o.Log.Level))
	sb.WriteString(fmt.Sprintf("development = %t\n", o.Log.Development))

	return sb.String()
}

func writeSortedMap(sb *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%q = %q\n", k, m[k]))
	}
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
