// Package config centralizes the environment-driven knobs used across the
// limba toolchain: software root, cache root, source lists and network
// timeouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvSoftwareRoot overrides the directory packages are installed into.
	EnvSoftwareRoot = "LIMBA_SOFTWARE_ROOT"

	// EnvCacheRoot overrides the directory the package cache is stored in.
	EnvCacheRoot = "LIMBA_CACHE_ROOT"

	// EnvSourcesUser overrides the path to the user/distributor-managed
	// source list.
	EnvSourcesUser = "LIMBA_SOURCES_USER"

	// EnvSourcesAuto overrides the path to the automatically managed
	// source list written by `limba update`.
	EnvSourcesAuto = "LIMBA_SOURCES_AUTO"

	// EnvAPITimeout configures the HTTP timeout used for repository and
	// package-archive downloads.
	EnvAPITimeout = "LIMBA_API_TIMEOUT"

	// EnvAllowInsecure is read into Config.AllowInsecure (see
	// GetAllowInsecure). No command passes Config.AllowInsecure on to the
	// installer, so setting it does not change signature verification.
	EnvAllowInsecure = "LIMBA_ALLOW_INSECURE"

	// EnvTrustedKeyDir overrides the directory holding trusted PGP public
	// keys used to verify package signatures.
	EnvTrustedKeyDir = "LIMBA_TRUSTED_KEY_DIR"

	// DefaultSoftwareRoot is where packages are installed when
	// LIMBA_SOFTWARE_ROOT is unset.
	DefaultSoftwareRoot = "/opt/software"

	// DefaultCacheRoot is where downloaded repository metadata and
	// archives are cached when LIMBA_CACHE_ROOT is unset.
	DefaultCacheRoot = "/var/cache/limba"

	// DefaultSourcesUser is the source list a distributor or administrator
	// edits by hand.
	DefaultSourcesUser = "/etc/limba/sources.list"

	// DefaultSourcesAuto is the source list limba itself rewrites after a
	// successful `limba update`.
	DefaultSourcesAuto = "/var/lib/limba/update-sources.list"

	// DefaultAPITimeout is the default timeout for repository requests.
	DefaultAPITimeout = 30 * time.Second

	// DefaultTrustedKeyDir is where trusted PGP public keys are stored
	// when LIMBA_TRUSTED_KEY_DIR is unset.
	DefaultTrustedKeyDir = "/etc/limba/trusted-keys"
)

// GetAPITimeout returns the configured API timeout from the
// LIMBA_API_TIMEOUT environment variable. If not set or invalid, returns
// DefaultAPITimeout (30 seconds). Accepts duration strings like "30s",
// "1m", "2m30s".
func GetAPITimeout() time.Duration {
	envValue := os.Getenv(EnvAPITimeout)
	if envValue == "" {
		return DefaultAPITimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvAPITimeout, envValue, DefaultAPITimeout)
		return DefaultAPITimeout
	}

	if duration < 1*time.Second {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1s\n",
			EnvAPITimeout, duration)
		return 1 * time.Second
	}
	if duration > 10*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 10m\n",
			EnvAPITimeout, duration)
		return 10 * time.Minute
	}

	return duration
}

// GetAllowInsecure reports whether LIMBA_ALLOW_INSECURE is set to a
// truthy value. Accepts "true", "1", "yes", "on" and "false", "0", "no",
// "off" (case-insensitive); any other value prints a warning and yields
// false. Default is false.
func GetAllowInsecure() bool {
	envValue := os.Getenv(EnvAllowInsecure)
	if envValue == "" {
		return false
	}

	switch strings.ToLower(envValue) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default false\n",
			EnvAllowInsecure, envValue)
		return false
	}
}

// ParseByteSize parses a human-readable byte size string into bytes.
// Accepts formats: plain numbers (52428800), KB/K (50K, 50KB), MB/M
// (50M, 50MB), GB/G (1G, 1GB). Case-insensitive. Returns an error for
// invalid formats.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var numStr string
	var suffix string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number: %q", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size suffix: %q", suffix)
	}

	return int64(num * multiplier), nil
}

// Config holds the resolved limba configuration.
type Config struct {
	SoftwareRoot  string // where packages are installed, one directory per package id
	CacheRoot     string // where repository metadata and downloaded archives are cached
	SourcesUser   string // user/distributor managed repository source list
	SourcesAuto   string // source list rewritten by `limba update`
	TrustedKeyDir string // directory of trusted PGP public keys for signature verification
	APITimeout    time.Duration
	AllowInsecure bool
}

// DefaultConfig returns the configuration resolved from environment
// variables, falling back to the standard system paths.
func DefaultConfig() (*Config, error) {
	return &Config{
		SoftwareRoot:  envOrDefault(EnvSoftwareRoot, DefaultSoftwareRoot),
		CacheRoot:     envOrDefault(EnvCacheRoot, DefaultCacheRoot),
		SourcesUser:   envOrDefault(EnvSourcesUser, DefaultSourcesUser),
		SourcesAuto:   envOrDefault(EnvSourcesAuto, DefaultSourcesAuto),
		TrustedKeyDir: envOrDefault(EnvTrustedKeyDir, DefaultTrustedKeyDir),
		APITimeout:    GetAPITimeout(),
		AllowInsecure: GetAllowInsecure(),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnsureDirectories creates the software root, its "runtimes"
// subdirectory and the cache root. It does not create the parents of the source list files: those
// are owned by the distributor / package manager, not limba.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.SoftwareRoot,
		filepath.Join(c.SoftwareRoot, "runtimes"),
		c.CacheRoot,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// PackageDir returns the installation directory for a specific package id
// and version: <software_root>/<id>/<version>.
func (c *Config) PackageDir(id, version string) string {
	return filepath.Join(c.SoftwareRoot, id, version)
}

// RuntimesDir returns the directory runtime definitions are stored under.
func (c *Config) RuntimesDir() string {
	return filepath.Join(c.SoftwareRoot, "runtimes")
}

// RuntimeDir returns the directory a specific runtime's control block is
// stored in.
func (c *Config) RuntimeDir(uuid string) string {
	return filepath.Join(c.RuntimesDir(), uuid)
}
