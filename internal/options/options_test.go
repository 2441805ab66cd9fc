package options

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/tangzhangming/nova/internal/androidapi"
)

// ============================================================================
// 解析
// ============================================================================

func TestParseKeepsDefaults(t *testing.T) {
	opts, err := Parse([]byte(`
min_api = 21

[desugaring]
enabled = true

[desugaring.rewrite_prefix]
"java/time/" = "j$/time/"
`))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(opts.MinApiLevel(), androidapi.L))
	assert.Check(t, opts.Desugaring.Backports)
	assert.Check(t, opts.ApiModeling.EnableLibraryApiModeling)
	assert.Check(t, is.Equal(opts.Optimize.MaxInlineSize, 20))
	assert.Check(t, is.Equal(opts.RewrittenType("Ljava/time/Instant;"), "Lj$/time/Instant;"))
	assert.Check(t, is.Equal(opts.RewrittenType("Ljava/util/List;"), ""))
}

func TestParseRejectsInvalidValues(t *testing.T) {
	_, err := Parse([]byte("min_api = 0\n"))
	assert.ErrorContains(t, err, "invalid min_api")

	_, err = Parse([]byte("[log]\nlevel = \"loud\"\n"))
	assert.ErrorContains(t, err, "invalid log level")

	_, err = Parse([]byte("[desugaring.retarget]\n\"Ljava/util/Date;toInstant\" = \"LDesugarDate;\"\n"))
	assert.ErrorContains(t, err, "expected a method reference")

	_, err = Parse([]byte("min_api = \"high\"\n"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

// ============================================================================
// 保存与查找
// ============================================================================

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	opts := Default()
	opts.MinApi = 19
	opts.Threads = 3
	opts.Desugaring.Retarget = map[string]string{
		"Ljava/util/Date;->toInstant()Ljava/time/Instant;": "Lj$/time/DesugarDate;",
	}
	opts.Desugaring.RewritePrefix = map[string]string{"java/time/": "j$/time/"}
	opts.Log.Level = "debug"
	assert.NilError(t, opts.Save(path))

	loaded, err := Load(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, loaded, opts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	assert.NilError(t, os.MkdirAll(nested, 0755))
	assert.Check(t, is.Equal(FindConfigFile(nested), ""))

	path := filepath.Join(root, ConfigFileName)
	assert.NilError(t, Default().Save(path))
	found := FindConfigFile(nested)
	want, err := filepath.Abs(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(found, want))
}

// ============================================================================
// 派生能力
// ============================================================================

func TestDesugaringGates(t *testing.T) {
	tests := []struct {
		minApi     androidapi.AndroidApiLevel
		twr        bool
		itf        bool
		buffer     bool
		dexVersion androidapi.DexVersion
	}{
		{androidapi.J, true, true, true, androidapi.V35},
		{androidapi.K, false, true, true, androidapi.V35},
		{androidapi.N, false, false, true, androidapi.V37},
		{androidapi.P, false, false, false, androidapi.V39},
	}
	for _, tt := range tests {
		opts := Default()
		opts.MinApi = int(tt.minApi)
		assert.Check(t, is.Equal(opts.EnableTryWithResourcesDesugaring(), tt.twr), "min api %s", tt.minApi)
		assert.Check(t, is.Equal(opts.IsInterfaceMethodDesugaringEnabled(), tt.itf), "min api %s", tt.minApi)
		assert.Check(t, is.Equal(opts.EnableBufferCovariantReturnRewriting(), tt.buffer), "min api %s", tt.minApi)
		assert.Check(t, is.Equal(opts.DexVersion(), tt.dexVersion), "min api %s", tt.minApi)
	}

	off := Default()
	off.MinApi = int(androidapi.B)
	off.Desugaring.Enabled = false
	assert.Check(t, !off.EnableTryWithResourcesDesugaring())
	assert.Check(t, !off.IsInterfaceMethodDesugaringEnabled())
	assert.Check(t, !off.EnableBackportedMethodRewriting())
}

func TestApiModelingFlags(t *testing.T) {
	opts := Default()
	opts.ApiModeling.EnableLibraryApiModeling = false
	assert.Check(t, !opts.ApiCallerIdentificationEnabled())
	assert.Check(t, !opts.StubbingOfClassesEnabled())

	opts.MinApi = int(androidapi.Platform)
	assert.Check(t, opts.IsAndroidPlatformBuildOrMinApiPlatform())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogOptions{Level: "warn"})
	assert.NilError(t, err)
	assert.Check(t, !logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(LogOptions{Level: "verbose"})
	assert.ErrorContains(t, err, "invalid log level")
}
