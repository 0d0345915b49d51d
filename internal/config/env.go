// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/log"
)

// lookup returns the env value for key. Unset and empty are both misses so
// that an empty export cannot blank out a default.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") || strings.Contains(k, "password")
}

func logOverride(key, value string) {
	logger := log.WithComponent("config")
	ev := logger.Debug().Str("key", key)
	if sensitive(key) {
		ev.Bool("sensitive", true).Msg("environment override")
		return
	}
	ev.Str("value", value).Msg("environment override")
}

// ParseString reads key from the environment, falling back to def.
func ParseString(key, def string) string {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	logOverride(key, v)
	return v
}

// ParseInt reads an integer from the environment, falling back to def on a
// miss or a value that does not parse.
func ParseInt(key string, def int) int {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", def).
			Msg("invalid integer in environment, using default")
		return def
	}
	logOverride(key, v)
	return i
}

// ParseDuration reads a Go duration ("30s", "5m") from the environment,
// falling back to def on a miss or a value that does not parse.
func ParseDuration(key string, def time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", def).
			Msg("invalid duration in environment, using default")
		return def
	}
	logOverride(key, v)
	return d
}

// ParseBool reads a boolean from the environment. Accepts true/false, 1/0
// and yes/no, case-insensitive; anything else falls back to def.
func ParseBool(key string, def bool) bool {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).
		Str("value", v).
		Bool("default", def).
		Msg("invalid boolean in environment, using default")
	return def
}
