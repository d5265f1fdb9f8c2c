package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/stylize/logutil"
)

// isolate points every config file location at an empty temporary home.
func isolate(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	ReloadConfigFile()
	t.Cleanup(ReloadConfigFile)
	return home
}

func TestHost(t *testing.T) {
	isolate(t)

	cases := map[string]struct {
		value  string
		expect string
		err    error
	}{
		"empty":               {value: "", expect: "http://127.0.0.1:11438"},
		"only address":        {value: "1.2.3.4", expect: "http://1.2.3.4:11438"},
		"only port":           {value: ":1234", expect: "http://:1234"},
		"address and port":    {value: "1.2.3.4:1234", expect: "http://1.2.3.4:1234"},
		"hostname":            {value: "example.com", expect: "http://example.com:11438"},
		"hostname and port":   {value: "example.com:1234", expect: "http://example.com:1234"},
		"zero port":           {value: ":0", expect: "http://:0"},
		"too large port":      {value: ":66000", err: ErrInvalidHostPort},
		"too small port":      {value: ":-1", err: ErrInvalidHostPort},
		"ipv6 localhost":      {value: "[::1]", expect: "http://[::1]:11438"},
		"ipv6 world open":     {value: "[::]", expect: "http://[::]:11438"},
		"ipv6 no brackets":    {value: "::1", expect: "http://[::1]:11438"},
		"ipv6 + port":         {value: "[::1]:1337", expect: "http://[::1]:1337"},
		"extra space":         {value: " 1.2.3.4 ", expect: "http://1.2.3.4:11438"},
		"extra quotes":        {value: "\"1.2.3.4\"", expect: "http://1.2.3.4:11438"},
		"extra space+quotes":  {value: " \" 1.2.3.4 \" ", expect: "http://1.2.3.4:11438"},
		"extra single quotes": {value: "'1.2.3.4'", expect: "http://1.2.3.4:11438"},
		"http":                {value: "http://1.2.3.4", expect: "http://1.2.3.4:80"},
		"https":               {value: "https://1.2.3.4", expect: "https://1.2.3.4:443"},
		"https port":          {value: "https://1.2.3.4:1234", expect: "https://1.2.3.4:1234"},
		"path":                {value: "https://example.com/stylize", expect: "https://example.com:443/stylize"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			u, err := ParseHost(tt.value)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expect, u.String())

			t.Setenv("STYLIZE_HOST", tt.value)
			assert.Equal(t, tt.expect, Host().String())
		})
	}

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv("STYLIZE_HOST", ":66000")
		assert.Equal(t, "http://127.0.0.1:11438", Host().String())
	})
}

func TestOrigins(t *testing.T) {
	isolate(t)

	cases := []struct {
		value  string
		expect []string
	}{
		{"", []string{
			"http://localhost",
			"https://localhost",
			"http://localhost:*",
			"https://localhost:*",
			"http://127.0.0.1",
			"https://127.0.0.1",
			"http://127.0.0.1:*",
			"https://127.0.0.1:*",
			"http://0.0.0.0",
			"https://0.0.0.0",
			"http://0.0.0.0:*",
			"https://0.0.0.0:*",
		}},
		{"http://10.0.0.1", []string{
			"http://10.0.0.1",
			"http://localhost",
			"https://localhost",
			"http://localhost:*",
			"https://localhost:*",
			"http://127.0.0.1",
			"https://127.0.0.1",
			"http://127.0.0.1:*",
			"https://127.0.0.1:*",
			"http://0.0.0.0",
			"https://0.0.0.0",
			"http://0.0.0.0:*",
			"https://0.0.0.0:*",
		}},
	}

	for _, tt := range cases {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("STYLIZE_ORIGINS", tt.value)

			if diff := cmp.Diff(tt.expect, AllowedOrigins()); diff != "" {
				t.Errorf("%s: mismatch (-want +got):\n%s", tt.value, diff)
			}
		})
	}
}

func TestBool(t *testing.T) {
	isolate(t)

	cases := map[string]bool{
		"":          false,
		"true":      true,
		"false":     false,
		"1":         true,
		"0":         false,
		"random":    true,
		"something": true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("STYLIZE_BOOL", k)
			if b := Bool("STYLIZE_BOOL")(); b != v {
				t.Errorf("%s: expected %t, got %t", k, v, b)
			}
		})
	}
}

func TestUint(t *testing.T) {
	isolate(t)

	cases := map[string]uint{
		"0":    2,
		"1":    1,
		"8":    8,
		"-1":   2,
		"0x10": 2,
		"abc":  2,
		"":     2,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("STYLIZE_NUM_THREADS", k)
			assert.Equal(t, v, NumThreads())
		})
	}
}

func TestLogLevel(t *testing.T) {
	isolate(t)

	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"f":     slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"t":     slog.LevelDebug,
		"2":     logutil.LevelTrace,
		"3":     slog.Level(-12),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("STYLIZE_DEBUG", k)
			assert.Equal(t, v, LogLevel())
		})
	}
}

func TestDirectories(t *testing.T) {
	home := isolate(t)

	t.Setenv("STYLIZE_MODELS", "")
	t.Setenv("STYLIZE_STYLES", "")
	assert.Equal(t, filepath.Join(home, ".stylize", "models"), Models())
	assert.Equal(t, filepath.Join(home, ".stylize", "styles"), Styles())

	t.Setenv("STYLIZE_MODELS", "/srv/models")
	t.Setenv("STYLIZE_STYLES", "'/srv/styles'")
	assert.Equal(t, "/srv/models", Models())
	assert.Equal(t, "/srv/styles", Styles())
}

func TestConfigFile(t *testing.T) {
	home := isolate(t)
	for _, k := range []string{"STYLIZE_HOST", "STYLIZE_MODELS", "STYLIZE_NUM_THREADS", "STYLIZE_MAX_QUEUE", "STYLIZE_CACHE_STYLE", "STYLIZE_DEBUG"} {
		t.Setenv(k, "")
	}

	dir := filepath.Join(home, ".stylize")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[server]
host = "0.0.0.0:9000"
max_queue = 4

[models]
path = "/opt/stylize/models"
num_threads = 6
cache_style = true

[logging]
debug = "2"
`), 0o644))

	assert.Equal(t, filepath.Join(dir, "config.toml"), ConfigFile())
	assert.Equal(t, "http://0.0.0.0:9000", Host().String())
	assert.Equal(t, "/opt/stylize/models", Models())
	assert.Equal(t, uint(6), NumThreads())
	assert.Equal(t, uint(4), MaxQueue())
	assert.True(t, CacheStyle())
	assert.Equal(t, logutil.LevelTrace, LogLevel())

	// the environment wins over the file
	t.Setenv("STYLIZE_NUM_THREADS", "3")
	assert.Equal(t, uint(3), NumThreads())
}

func TestConfigFileInvalid(t *testing.T) {
	home := isolate(t)
	t.Setenv("STYLIZE_MODELS", "")

	dir := filepath.Join(home, ".config", "stylize")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[models\npath ="), 0o644))

	assert.Equal(t, "", ConfigFile())
	assert.Equal(t, filepath.Join(home, ".stylize", "models"), Models())
}

func TestExampleConfigParses(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".stylize")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(GenerateExampleConfig()), 0o644))

	assert.NotEmpty(t, ConfigFile())
}
