// Package options 定义编译选项、由选项派生的能力开关以及日志构建
package options

import (
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/nova/internal/androidapi"
)

// ============================================================================
// 选项
// ============================================================================

// Options 一次编译的全部选项，只读共享
type Options struct {
	// MinApi 目标最低 API 级别
	MinApi int `toml:"min_api"`

	// Threads 工作者数量，0 表示按 CPU 数
	Threads int `toml:"threads"`

	// DebugChecks 打开内部一致性检查
	DebugChecks bool `toml:"debug_checks"`

	// GenerateClassFiles 输出类文件而不是 dex
	GenerateClassFiles bool `toml:"generate_class_files"`

	// AndroidPlatformBuild 编译平台自身
	AndroidPlatformBuild bool `toml:"android_platform_build"`

	Desugaring  DesugaringOptions  `toml:"desugaring"`
	ApiModeling ApiModelingOptions `toml:"api_modeling"`
	Optimize    OptimizeOptions    `toml:"optimize"`
	Log         LogOptions         `toml:"log"`
}

// DesugaringOptions 脱糖选项
type DesugaringOptions struct {
	Enabled bool `toml:"enabled"`

	// Backports 为缺失的库方法生成替代实现
	Backports bool `toml:"backports"`

	// Retarget 库成员重定向：方法引用 -> 新的持有类型描述符
	Retarget map[string]string `toml:"retarget"`

	// RewritePrefix 脱糖库的包前缀改写，如 "java/time/" -> "j$/time/"
	RewritePrefix map[string]string `toml:"rewrite_prefix"`
}

// ApiModelingOptions API 级别建模选项
type ApiModelingOptions struct {
	EnableLibraryApiModeling      bool   `toml:"enable_library_api_modeling"`
	EnableApiCallerIdentification bool   `toml:"enable_api_caller_identification"`
	EnableStubbingOfClasses       bool   `toml:"enable_stubbing_of_classes"`
	Database                      string `toml:"database"`
}

// OptimizeOptions IR 优化选项
type OptimizeOptions struct {
	Enabled       bool `toml:"enabled"`
	Inlining      bool `toml:"inlining"`
	MaxInlineSize int  `toml:"max_inline_size"`
}

// LogOptions 日志选项
type LogOptions struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default 默认选项
func Default() *Options {
	return &Options{
		MinApi: int(androidapi.B),
		Desugaring: DesugaringOptions{
			Enabled:   true,
			Backports: true,
		},
		ApiModeling: ApiModelingOptions{
			EnableLibraryApiModeling:      true,
			EnableApiCallerIdentification: true,
			EnableStubbingOfClasses:       true,
		},
		Optimize: OptimizeOptions{
			Enabled:       true,
			Inlining:      true,
			MaxInlineSize: 20,
		},
		Log: LogOptions{Level: "info"},
	}
}

// Validate 检查选项取值
func (o *Options) Validate() error {
	if o.MinApi <= 0 {
		return fmt.Errorf("invalid min_api %d: must be positive", o.MinApi)
	}
	if o.Threads < 0 {
		return fmt.Errorf("invalid threads %d: must not be negative", o.Threads)
	}
	if o.Optimize.MaxInlineSize < 0 {
		return fmt.Errorf("invalid max_inline_size %d: must not be negative", o.Optimize.MaxInlineSize)
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(o.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.Log.Level, err)
	}
	for from, to := range o.Desugaring.RewritePrefix {
		if from == "" || to == "" {
			return fmt.Errorf("invalid rewrite prefix %q -> %q", from, to)
		}
	}
	for ref, holder := range o.Desugaring.Retarget {
		if !strings.Contains(ref, "->") || !strings.Contains(ref, "(") {
			return fmt.Errorf("invalid retarget member %q: expected a method reference", ref)
		}
		if !strings.HasPrefix(holder, "L") || !strings.HasSuffix(holder, ";") {
			return fmt.Errorf("invalid retarget holder %q for %s", holder, ref)
		}
	}
	return nil
}

// ============================================================================
// 派生能力
// ============================================================================

// MinApiLevel 最低 API 级别
func (o *Options) MinApiLevel() androidapi.AndroidApiLevel {
	return androidapi.FromInt(o.MinApi)
}

// ComputedMinApiLevel 最低 API 级别（已知）
func (o *Options) ComputedMinApiLevel() androidapi.ComputedApiLevel {
	return androidapi.Of(o.MinApiLevel())
}

// DexVersion 输出的 dex 版本
func (o *Options) DexVersion() androidapi.DexVersion {
	return androidapi.DexVersionFor(o.MinApiLevel())
}

// NumberOfThreads 实际使用的工作者数量
func (o *Options) NumberOfThreads() int {
	if o.Threads > 0 {
		return o.Threads
	}
	return runtime.GOMAXPROCS(0)
}

// IsGeneratingClassFiles 是否输出类文件
func (o *Options) IsGeneratingClassFiles() bool { return o.GenerateClassFiles }

// IsDesugaring 是否开启脱糖
func (o *Options) IsDesugaring() bool { return o.Desugaring.Enabled }

// EnableTryWithResourcesDesugaring API 19 之前没有 Throwable.addSuppressed
func (o *Options) EnableTryWithResourcesDesugaring() bool {
	return o.IsDesugaring() && o.MinApiLevel() < androidapi.K
}

// IsInterfaceMethodDesugaringEnabled API 24 之前不支持默认方法与接口静态方法
func (o *Options) IsInterfaceMethodDesugaringEnabled() bool {
	return o.IsDesugaring() && o.MinApiLevel() < androidapi.N
}

// EnableBackportedMethodRewriting 是否生成替代库方法
func (o *Options) EnableBackportedMethodRewriting() bool {
	return o.IsDesugaring() && o.Desugaring.Backports
}

// EnableBufferCovariantReturnRewriting Buffer 子类的协变返回方法在 API 28 之前不存在
func (o *Options) EnableBufferCovariantReturnRewriting() bool {
	return o.IsDesugaring() && o.MinApiLevel() < androidapi.P
}

// HasRetargeting 是否配置了库成员重定向
func (o *Options) HasRetargeting() bool {
	return o.IsDesugaring() && len(o.Desugaring.Retarget) > 0
}

// HasDesugaredLibrary 是否配置了脱糖库前缀改写
func (o *Options) HasDesugaredLibrary() bool {
	return len(o.Desugaring.RewritePrefix) > 0
}

// RewrittenType 按前缀改写类型描述符，没有匹配时返回空串
func (o *Options) RewrittenType(descriptor string) string {
	if !strings.HasPrefix(descriptor, "L") {
		return ""
	}
	internal := descriptor[1:]
	for from, to := range o.Desugaring.RewritePrefix {
		if strings.HasPrefix(internal, from) {
			return "L" + to + internal[len(from):]
		}
	}
	return ""
}

// IsAndroidPlatformBuildOrMinApiPlatform 平台构建或最低级别为平台
func (o *Options) IsAndroidPlatformBuildOrMinApiPlatform() bool {
	return o.AndroidPlatformBuild || o.MinApiLevel().IsPlatform()
}

// ApiModelingEnabled 是否对库 API 建模
func (o *Options) ApiModelingEnabled() bool {
	return o.ApiModeling.EnableLibraryApiModeling
}

// ApiCallerIdentificationEnabled 是否识别调用者的 API 级别
func (o *Options) ApiCallerIdentificationEnabled() bool {
	return o.ApiModeling.EnableLibraryApiModeling && o.ApiModeling.EnableApiCallerIdentification
}

// StubbingOfClassesEnabled 是否为高级别库类生成桩
func (o *Options) StubbingOfClassesEnabled() bool {
	return o.ApiModeling.EnableLibraryApiModeling && o.ApiModeling.EnableStubbingOfClasses
}

// InliningEnabled 是否内联
func (o *Options) InliningEnabled() bool {
	return o.Optimize.Enabled && o.Optimize.Inlining
}
