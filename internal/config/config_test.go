package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 8, cfg.Eject.MaxHops)
	assert.Equal(t, 30*time.Second, cfg.Eject.Timeout.Std())
	assert.Len(t, cfg.Enumerator.TypeRules, 4)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_OverridesAndKeepsDefaults(t *testing.T) {
	t.Parallel()

	data := []byte(`
[log]
level = "debug"

[eject]
max_hops = 4
timeout = "5s"

[policy]
poll = "500ms"

[[enumerator.type_rules]]
keyword = "gamepad"
type = "hid"
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Eject.MaxHops)
	assert.Equal(t, 5*time.Second, cfg.Eject.Timeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Policy.Poll.Std())
	assert.Equal(t, Default().Policy.DBPath, cfg.Policy.DBPath)
	require.Len(t, cfg.Enumerator.TypeRules, 1)
	assert.Equal(t, "gamepad", cfg.Enumerator.TypeRules[0].Keyword)

	// 未出现的段保留默认值
	assert.Equal(t, Default().Enumerator.BuiltinSignatures, cfg.Enumerator.BuiltinSignatures)
	assert.Equal(t, Default().Eject.RemovalUnitPatterns, cfg.Eject.RemovalUnitPatterns)
	assert.Equal(t, "syscall", cfg.Platform.VolumeDriver)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "bad level", data: "[log]\nlevel = \"loud\"\n"},
		{name: "zero hops", data: "[eject]\nmax_hops = 0\n"},
		{name: "bad driver", data: "[platform]\nvolume_driver = \"magic\"\n"},
		{name: "bad duration", data: "[eject]\ntimeout = \"soon\"\n"},
		{name: "bad rule type", data: "[[enumerator.type_rules]]\nkeyword = \"x\"\ntype = \"printer\"\n"},
		{name: "not toml", data: "[[["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[reactor]\ntick = \"10ms\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, cfg.Reactor.Tick.Std())
}
