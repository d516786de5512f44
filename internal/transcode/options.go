// Package transcode runs one audio transcode: demux, decode, filter, encode
// and mux into an in-memory buffer.
package transcode

import (
	"fmt"
	"log/slog"
	"strings"
)

// Policy decides what happens when a single packet or frame fails to read,
// decode or encode.
type Policy string

const (
	// PolicyStrict aborts the run on the first codec failure.
	PolicyStrict Policy = "strict"
	// PolicyLenient drops the failing unit, counts it and continues.
	PolicyLenient Policy = "lenient"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyStrict, PolicyLenient:
		return p, nil
	case "":
		return PolicyLenient, nil
	default:
		return "", fmt.Errorf("unknown error policy %q (want strict or lenient)", s)
	}
}

// BitRatePolicy selects the encoder bitrate.
type BitRatePolicy string

const (
	// BitRateCopy reuses the decoder bitrate when it does not exceed
	// MaxCopyBitRate, otherwise leaves the encoder default.
	BitRateCopy BitRatePolicy = "copy"
	// BitRateFixed uses Options.BitRate.
	BitRateFixed BitRatePolicy = "fixed"
	// BitRateDefault leaves the encoder default.
	BitRateDefault BitRatePolicy = "default"
)

// ParseBitRatePolicy parses a bitrate policy name.
func ParseBitRatePolicy(s string) (BitRatePolicy, error) {
	switch p := BitRatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case BitRateCopy, BitRateFixed, BitRateDefault:
		return p, nil
	case "":
		return BitRateCopy, nil
	default:
		return "", fmt.Errorf("unknown bit rate policy %q (want copy, fixed or default)", s)
	}
}

// Defaults.
const (
	DefaultContainer      = "ogg"
	DefaultCodec          = "vorbis"
	DefaultFilter         = "anull"
	DefaultMaxCopyBitRate = 320000
	DefaultMaxReadErrors  = 8
)

// Options configures a Session.
type Options struct {
	Container   string
	Codec       string
	EncoderName string
	// Filter is an FFmpeg audio filter expression placed before format
	// conversion. Empty means passthrough.
	Filter         string
	Policy         Policy
	BitRatePolicy  BitRatePolicy
	BitRate        int64
	MaxCopyBitRate int64
	// MaxReadErrors is how many demux reads in a row may fail under the
	// lenient policy before the run aborts.
	MaxReadErrors int
	// Metadata is merged over the source container tags.
	Metadata map[string]string
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Container == "" {
		o.Container = DefaultContainer
	}
	if o.Codec == "" && o.EncoderName == "" {
		o.Codec = DefaultCodec
	}
	if strings.TrimSpace(o.Filter) == "" {
		o.Filter = DefaultFilter
	}
	if o.Policy == "" {
		o.Policy = PolicyLenient
	}
	if o.BitRatePolicy == "" {
		o.BitRatePolicy = BitRateCopy
	}
	if o.MaxCopyBitRate == 0 {
		o.MaxCopyBitRate = DefaultMaxCopyBitRate
	}
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = DefaultMaxReadErrors
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
