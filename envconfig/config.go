package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultPort = "11438"

var ErrInvalidHostPort = errors.New("invalid port specified in STYLIZE_HOST")

// Host returns the scheme and host the server listens on and clients connect
// to. Host can be configured via the STYLIZE_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11438".
func Host() *url.URL {
	u, err := ParseHost(Var("STYLIZE_HOST"))
	if err != nil {
		slog.Warn("invalid setting, using default", "STYLIZE_HOST", Var("STYLIZE_HOST"), "error", err)
		u, _ = ParseHost("")
	}

	return u
}

// ParseHost parses a STYLIZE_HOST value. The scheme and port are optional.
func ParseHost(s string) (*url.URL, error) {
	port := defaultPort

	s = strings.Trim(strings.TrimSpace(s), "\"' ")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		port = "80"
	case scheme == "https":
		port = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host = "127.0.0.1"
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	} else {
		port = p
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}, nil
}

// AllowedOrigins returns a list of allowed origins. AllowedOrigins can be
// configured via the STYLIZE_ORIGINS environment variable.
func AllowedOrigins() (origins []string) {
	if s := Var("STYLIZE_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

func home(elem ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(append([]string{home, ".stylize"}, elem...)...)
}

// Models returns the path to the models directory. Models directory can be
// configured via the STYLIZE_MODELS environment variable.
// Default is $HOME/.stylize/models
func Models() string {
	if s := Var("STYLIZE_MODELS"); s != "" {
		return s
	}

	return home("models")
}

// Styles returns the path to the style image directory. Default is
// $HOME/.stylize/styles
func Styles() string {
	if s := Var("STYLIZE_STYLES"); s != "" {
		return s
	}

	return home("styles")
}

// LogLevel returns the log level for the application. Values are 0 or
// false INFO (Default), 1 or true DEBUG, 2 TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("STYLIZE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

var (
	// CacheStyle keeps the style descriptor between requests using the same
	// style. CacheStyle can be configured via the STYLIZE_CACHE_STYLE
	// environment variable.
	CacheStyle = Bool("STYLIZE_CACHE_STYLE")
)

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 || n > math.MaxInt32 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// NumThreads sets the number of kernel workers per model.
	NumThreads = Uint("STYLIZE_NUM_THREADS", 2)
	// MaxQueue sets the maximum number of queued requests. MaxQueue can be
	// configured via the STYLIZE_MAX_QUEUE environment variable.
	MaxQueue = Uint("STYLIZE_MAX_QUEUE", 16)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"STYLIZE_DEBUG":       {"STYLIZE_DEBUG", LogLevel(), "Show additional debug information (e.g. STYLIZE_DEBUG=1)"},
		"STYLIZE_HOST":        {"STYLIZE_HOST", Host(), "IP Address for the stylize server (default 127.0.0.1:11438)"},
		"STYLIZE_MODELS":      {"STYLIZE_MODELS", Models(), "The path to the models directory"},
		"STYLIZE_STYLES":      {"STYLIZE_STYLES", Styles(), "The path to the style image directory"},
		"STYLIZE_NUM_THREADS": {"STYLIZE_NUM_THREADS", NumThreads(), "Kernel workers per model (default 2)"},
		"STYLIZE_MAX_QUEUE":   {"STYLIZE_MAX_QUEUE", MaxQueue(), "Maximum number of queued requests (default 16)"},
		"STYLIZE_ORIGINS":     {"STYLIZE_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"STYLIZE_CACHE_STYLE": {"STYLIZE_CACHE_STYLE", CacheStyle(), "Reuse the style descriptor while the style is unchanged"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces. Unset variables fall back to the config file.
func Var(key string) string {
	if s := strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'"); s != "" {
		return s
	}

	return GetConfigValue(key)
}
