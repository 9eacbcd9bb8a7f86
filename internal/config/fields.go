package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ParseDuration parses a Go duration string for the config key field. Blank
// is zero; negative durations are rejected.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration %s is negative", field, raw)
	}
	return d, nil
}

// DurationOr is ParseDuration with def standing in for blank or zero.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// fingerprint identifies the effective content of a validated config, so a
// rewrite that changes only formatting or comments is not republished.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
