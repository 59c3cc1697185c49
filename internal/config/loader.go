package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix scopes the environment overlay to vigild's own variables.
	envPrefix = "VIGILD_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VIGILD_INFERENCE_MODEL, VIGILD_SERVER_ADDR, ...)
//  2. YAML config file (~/.config/vigild/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path is used. A missing file is not an error; defaults and the
// environment still apply.
//
// # Security Considerations
//
// File permissions: the configuration file must be 0600 or 0400. Weaker
// permissions are rejected, since the file can carry collector endpoints
// and bridge URLs for a clinical device.
//
// Path validation: only files under ~/.config/vigild/ or /etc/vigild/
// are loaded. Symlinks are resolved before the check.
//
// File size: files over 1MB are rejected.
//
// # Environment Variable Mapping
//
// Variables are matched on the VIGILD_ prefix, lowercased, and split on
// the first underscore after the prefix into group and field:
//
//	VIGILD_INFERENCE_MODEL            -> inference.model
//	VIGILD_INFERENCE_MODEL_TIMEOUT    -> inference.model_timeout
//	VIGILD_TELEMETRY_TLS_SKIP_VERIFY  -> telemetry.tls_skip_verify
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		var err error
		configPath, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor so the checked
		// file is the file that gets read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the path the daemon reads when no -config flag is
// given. The watcher resolves the same path so a daemon started on
// defaults still picks up edits.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "vigild", "config.yaml"), nil
}

// envTransform maps a VIGILD_-prefixed variable to a config key. The
// first underscore after the prefix separates the group from the field;
// later underscores stay part of the field name.
//
//	VIGILD_SERVER_ADDR               -> server.addr
//	VIGILD_LONGITUDINAL_STALE_AFTER  -> longitudinal.stale_after
func envTransform(s string) string {
	trimmed := strings.TrimPrefix(s, envPrefix)
	lower := strings.ToLower(trimmed)
	parts := strings.SplitN(lower, "_", 2)

	if len(parts) == 1 {
		return lower
	}

	return parts[0] + "." + parts[1]
}

// EnsureConfigDir creates the vigild config directory if it doesn't
// exist. Called during startup so new installs have the directory ready.
// The directory is created 0700; it holds clinical policy.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "vigild")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// ExpandHome resolves a leading ~ in a path against the user's home
// directory. Paths without a leading ~ pass through unchanged.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet;
		// validate the absolute path instead.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "vigild"),
		"/etc/vigild",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/vigild/ or /etc/vigild/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size. Takes
// FileInfo from an already-opened descriptor so the check and the read
// cannot diverge.
func validateConfigFileProperties(info os.FileInfo) error {
	// 0600 or 0400 only. Skipped on Windows, which has no comparable
	// permission bits.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
