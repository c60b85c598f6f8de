// Package config resolves the blob paths, stage-2 address override, and
// feature switches the CLI and bootstrap orchestrator consult, layering an
// optional .env-style file under environment variables under explicit CLI
// flags (spec §1 Ambient Stack "Configuration").
//
// Grounded on the teacher's internal/config/config.go .env-file-plus-env-var
// override pattern, generalized from a single device-connection record to
// the XBurst blob/variant/flag set.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds every setting resolvable outside of explicit CLI flags.
type Config struct {
	SplPath       string
	UbootPath     string
	DramInitPath  string
	Stage2Addr    uint32
	Stage2AddrSet bool
	SkipDDR       bool
	Variant       string
	Debug         bool
	Verbose       bool
}

var (
	loaded     *Config
	loadedOnce bool
)

// Load resolves Config once per process, caching the result. Subsequent
// calls return the cached value.
func Load() (*Config, error) {
	if loaded != nil && loadedOnce {
		return loaded, nil
	}

	cfg := &Config{}

	root := findProjectRoot()
	envPath := filepath.Join(root, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	loaded = cfg
	loadedOnce = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		applyKey(cfg, key, value)
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, key := range []string{
		"XBURST_SPL_PATH", "XBURST_UBOOT_PATH", "XBURST_DRAM_INIT_PATH",
		"XBURST_STAGE2_ADDR", "XBURST_SKIP_DDR", "XBURST_VARIANT",
		"XBURST_DEBUG", "XBURST_VERBOSE",
	} {
		if v := os.Getenv(key); v != "" {
			applyKey(cfg, key, v)
		}
	}
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "XBURST_SPL_PATH":
		cfg.SplPath = value
	case "XBURST_UBOOT_PATH":
		cfg.UbootPath = value
	case "XBURST_DRAM_INIT_PATH":
		cfg.DramInitPath = value
	case "XBURST_STAGE2_ADDR":
		if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 32); err == nil {
			cfg.Stage2Addr = uint32(n)
			cfg.Stage2AddrSet = true
		}
	case "XBURST_SKIP_DDR":
		cfg.SkipDDR = parseBool(value)
	case "XBURST_VARIANT":
		cfg.Variant = value
	case "XBURST_DEBUG":
		cfg.Debug = parseBool(value)
	case "XBURST_VERBOSE":
		cfg.Verbose = parseBool(value)
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
