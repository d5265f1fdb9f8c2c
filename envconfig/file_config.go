package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host     string   `toml:"host"`
		Origins  []string `toml:"origins"`
		MaxQueue int      `toml:"max_queue"`
	} `toml:"server"`

	Models struct {
		Path       string `toml:"path"`
		Styles     string `toml:"styles"`
		NumThreads int    `toml:"num_threads"`
		CacheStyle bool   `toml:"cache_style"`
	} `toml:"models"`

	Logging struct {
		Debug string `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "stylize", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".stylize", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "stylize", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "stylize", "config.toml"),
				filepath.Join(home, ".stylize", "config.toml"),
			)
		}
		paths = append(paths, "/etc/stylize/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadConfigFile discards the cached config file so the next lookup reads
// it again.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// ConfigFile returns the path of the loaded config file, if any.
func ConfigFile() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "STYLIZE_HOST":
		return config.Server.Host
	case "STYLIZE_ORIGINS":
		if len(config.Server.Origins) > 0 {
			return strings.Join(config.Server.Origins, ",")
		}
	case "STYLIZE_MAX_QUEUE":
		if config.Server.MaxQueue > 0 {
			return fmt.Sprintf("%d", config.Server.MaxQueue)
		}
	case "STYLIZE_MODELS":
		return config.Models.Path
	case "STYLIZE_STYLES":
		return config.Models.Styles
	case "STYLIZE_NUM_THREADS":
		if config.Models.NumThreads > 0 {
			return fmt.Sprintf("%d", config.Models.NumThreads)
		}
	case "STYLIZE_CACHE_STYLE":
		if config.Models.CacheStyle {
			return "true"
		}
	case "STYLIZE_DEBUG":
		return config.Logging.Debug
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# Stylize Configuration File
# Environment variables take precedence over values in this file.

[server]
# Network binding address (default: "127.0.0.1:11438")
host = "127.0.0.1:11438"
# Allowed CORS origins
origins = ["http://localhost:3000"]
# Maximum number of queued stylize requests (default: 16)
max_queue = 16

[models]
# Directory holding style_predict and style_transfer
path = "/path/to/models"
# Directory of style images
styles = "/path/to/styles"
# Kernel workers per model (default: 2)
num_threads = 2
# Reuse the style descriptor while the style is unchanged (default: false)
cache_style = false

[logging]
# "1" for debug, "2" for trace
debug = "0"
`
}
