package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "4KB" = 4 * 1024 bytes
//   - "1.5 MB" = 1.5 * 1024^2 bytes
//   - "4096" = 4096 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// Size units, binary based.
const (
	B  ByteSize = 1
	KB ByteSize = 1024 * B
	MB ByteSize = 1024 * KB
	GB ByteSize = 1024 * MB
)

var unitMultipliers = map[string]ByteSize{
	"":      B,
	"b":     B,
	"byte":  B,
	"bytes": B,
	"k":     KB,
	"kb":    KB,
	"kib":   KB,
	"m":     MB,
	"mb":    MB,
	"mib":   MB,
	"g":     GB,
	"gb":    GB,
	"gib":   GB,
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	multiplier, ok := unitMultipliers[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q", matches[2])
	}
	return ByteSize(value * float64(multiplier)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Int returns the size in bytes as an int.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns the largest whole unit representation, falling back to
// bytes.
func (b ByteSize) String() string {
	switch {
	case b != 0 && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b != 0 && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b != 0 && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}
