package fastboot

import (
	"strconv"
	"strings"
)

// Vars is a case-insensitive device-variable map: keys are lowercased
// on insertion (spec §9 "commit to one case convention"), values
// preserve their original case.
type Vars map[string]string

// Set stores value under the lowercased key.
func (v Vars) Set(key, value string) { v[strings.ToLower(key)] = value }

// Get looks up a key case-insensitively.
func (v Vars) Get(key string) (string, bool) {
	val, ok := v[strings.ToLower(key)]
	return val, ok
}

// ParseGetVarLine parses one "getvar:all" INFO line of the form
// "key: value" or "prefix:name: value", optionally prefixed by
// "(bootloader) ". The key is everything before the last occurrence of
// ": ".
func ParseGetVarLine(line string) (key, value string, ok bool) {
	line = strings.TrimPrefix(line, "(bootloader) ")
	idx := strings.LastIndex(line, ": ")
	if idx < 0 {
		return "", "", false
	}
	return line[:idx], line[idx+2:], true
}

// MaxDownloadSize parses the device's "max-download-size" variable,
// which may be hex ("0x..."), decimal, or absent (fallback 512 MiB
// per spec §8 boundary behavior).
func MaxDownloadSize(vars Vars) uint64 {
	const fallback = 512 * 1024 * 1024
	raw, ok := vars.Get("max-download-size")
	if !ok || raw == "" {
		return fallback
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		if n, err := strconv.ParseUint(raw[2:], 16, 64); err == nil {
			return n
		}
		return fallback
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return n
	}
	// Some devices report hex without a 0x prefix.
	if n, err := strconv.ParseUint(raw, 16, 64); err == nil {
		return n
	}
	return fallback
}
