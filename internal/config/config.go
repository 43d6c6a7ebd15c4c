// Package config loads session defaults (timeouts, OTA concurrency,
// serial baud) from an optional .env file in the project root,
// overridden by environment variables, following the same load-then-
// override convention for every setting.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SessionConfig holds session tunables. The protocol engines'
// constructors do not read it; flashctl applies only the OTA fields,
// to its ota.Extractor.
type SessionConfig struct {
	ReadTimeout       time.Duration
	SerialBaud        int
	OTAConnections    int
	OTAMinChunk       int64
	OTAMultiThread    bool
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadTimeout:    10 * time.Second,
		SerialBaud:     115200,
		OTAConnections: 8,
		OTAMinChunk:    512 * 1024,
		OTAMultiThread: true,
	}
}

var (
	sessionConfig *SessionConfig
	configLoaded  bool
)

// LoadSessionConfig loads and caches SessionConfig from .env plus
// environment overrides. Safe to call repeatedly; the first call wins.
func LoadSessionConfig() (*SessionConfig, error) {
	if sessionConfig != nil && configLoaded {
		return sessionConfig, nil
	}

	cfg := defaultSessionConfig()

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), &cfg)
	}

	if v := os.Getenv("FLASHKIT_READ_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ReadTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FLASHKIT_SERIAL_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.SerialBaud = baud
		}
	}
	if v := os.Getenv("FLASHKIT_OTA_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OTAConnections = n
		}
	}
	if v := os.Getenv("FLASHKIT_OTA_MIN_CHUNK"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.OTAMinChunk = n
		}
	}
	if v := os.Getenv("FLASHKIT_OTA_MULTITHREAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OTAMultiThread = b
		}
	}

	sessionConfig = &cfg
	configLoaded = true
	return sessionConfig, nil
}

func parseEnvFile(content string, cfg *SessionConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
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

		switch key {
		case "FLASHKIT_READ_TIMEOUT_MS":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.ReadTimeout = time.Duration(ms) * time.Millisecond
			}
		case "FLASHKIT_SERIAL_BAUD":
			if baud, err := strconv.Atoi(value); err == nil {
				cfg.SerialBaud = baud
			}
		case "FLASHKIT_OTA_CONNECTIONS":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.OTAConnections = n
			}
		case "FLASHKIT_OTA_MIN_CHUNK":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.OTAMinChunk = n
			}
		case "FLASHKIT_OTA_MULTITHREAD":
			if b, err := strconv.ParseBool(value); err == nil {
				cfg.OTAMultiThread = b
			}
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
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
