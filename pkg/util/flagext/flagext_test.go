package flagext

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigFiles(t *testing.T) {
	var files ConfigFiles

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&files, "config.file", "")
	require.NoError(t, fs.Parse([]string{"-config.file=a.yaml", "-config.file", "b.yaml"}))

	require.Equal(t, ConfigFiles{"a.yaml", "b.yaml"}, files)
	require.Equal(t, "a.yaml,b.yaml", files.String())
}

func TestConfigFiles_Apply(t *testing.T) {
	type config struct {
		Name  string `yaml:"name"`
		Limit int    `yaml:"limit"`
	}
	write := func(name, content string) string {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("later files override earlier ones", func(t *testing.T) {
		files := ConfigFiles{
			write("a.yaml", "name: a\nlimit: 1\n"),
			write("empty.yaml", ""),
			write("b.yaml", "limit: 2\n"),
		}
		var cfg config
		require.NoError(t, files.Apply(&cfg))
		require.Equal(t, config{Name: "a", Limit: 2}, cfg)
	})

	t.Run("unknown field", func(t *testing.T) {
		var cfg config
		err := ConfigFiles{write("bad.yaml", "nmae: a\n")}.Apply(&cfg)
		require.ErrorContains(t, err, "field nmae not found")
	})

	t.Run("missing file", func(t *testing.T) {
		var cfg config
		err := ConfigFiles{filepath.Join(t.TempDir(), "missing.yaml")}.Apply(&cfg)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestByteSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"512", 512},
		{"64KB", 64 << 10},
		{"64MB", 64 << 20},
		{"1GB", 1 << 30},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var bs ByteSize
			require.NoError(t, bs.Set(tc.in))
			require.Equal(t, tc.want, bs.Val())
		})
	}

	var bs ByteSize
	require.Error(t, bs.Set("lots"))
}

func TestByteSize_YAML(t *testing.T) {
	var cfg struct {
		Limit ByteSize `yaml:"limit"`
		Raw   ByteSize `yaml:"raw"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("limit: 2MB\nraw: 1024\n"), &cfg))
	require.Equal(t, ByteSize(2<<20), cfg.Limit)
	require.Equal(t, ByteSize(1024), cfg.Raw)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.Equal(t, "limit: 2MB\nraw: 1KB\n", string(out))
}
