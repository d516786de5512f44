package transcode

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jmylchreest/tvcast/internal/media"
)

// NegotiateEncoder derives the encoder setup from the decoder parameters and
// the encoder capabilities.
//
// The sample rate follows the decoder, or the nearest supported rate (ties go
// to the higher rate). The channel layout is the supported layout with the
// most channels not exceeding the decoder's; the smallest one when every
// layout is wider, stereo when the codec lists none. The sample format is the
// first advertised one. globalHeader must come from the muxer before the
// encoder is opened.
func NegotiateEncoder(dec media.StreamParameters, info media.CodecInfo, opts Options, globalHeader bool) (media.EncoderConfig, error) {
	opts = opts.withDefaults()

	rate, err := negotiateSampleRate(dec.SampleRate, info.SampleRates)
	if err != nil {
		return media.EncoderConfig{}, err
	}

	format := dec.SampleFormat
	if len(info.SampleFormats) > 0 {
		format = info.SampleFormats[0]
	}
	if format == media.SampleFormatNone {
		return media.EncoderConfig{}, errors.New("no sample format to encode")
	}

	cfg := media.EncoderConfig{
		Codec:         info,
		SampleRate:    rate,
		ChannelLayout: negotiateChannelLayout(dec, info.ChannelLayouts),
		SampleFormat:  format,
		TimeBase:      media.NewRational(1, rate),
		GlobalHeader:  globalHeader,
	}

	switch opts.BitRatePolicy {
	case BitRateFixed:
		if opts.BitRate <= 0 {
			return media.EncoderConfig{}, errors.New("fixed bit rate policy requires a positive bit rate")
		}
		cfg.BitRate = opts.BitRate
	case BitRateCopy:
		if dec.BitRate > 0 && dec.BitRate <= opts.MaxCopyBitRate {
			cfg.BitRate = dec.BitRate
		}
		if dec.MaxBitRate > 0 && dec.MaxBitRate <= opts.MaxCopyBitRate {
			cfg.MaxBitRate = dec.MaxBitRate
		}
	}
	return cfg, nil
}

func negotiateSampleRate(rate int, supported []int) (int, error) {
	if len(supported) == 0 {
		if rate <= 0 {
			return 0, errors.New("decoder reports no sample rate")
		}
		return rate, nil
	}
	if rate <= 0 {
		return supported[0], nil
	}
	if slices.Contains(supported, rate) {
		return rate, nil
	}

	best := supported[0]
	for _, r := range supported[1:] {
		d, bd := absInt(r-rate), absInt(best-rate)
		if d < bd || (d == bd && r > best) {
			best = r
		}
	}
	return best, nil
}

func negotiateChannelLayout(dec media.StreamParameters, supported []media.ChannelLayout) media.ChannelLayout {
	if len(supported) == 0 {
		return media.ChannelLayoutStereo
	}
	channels := dec.Channels()
	if channels == 0 {
		channels = 2
	}

	var best media.ChannelLayout
	for _, l := range supported {
		if l == dec.ChannelLayout {
			return l
		}
		c := l.Channels()
		if c <= channels && c > best.Channels() {
			best = l
		}
	}
	if best != media.ChannelLayoutUnspecified {
		return best
	}

	best = supported[0]
	for _, l := range supported[1:] {
		if l.Channels() < best.Channels() {
			best = l
		}
	}
	return best
}

// BuildFilterChain returns the filter text between the graph's source and
// sink: the user expression, an aformat stage pinning the encoder's format,
// rate and layout, and asetnsamples when the encoder needs fixed-size frames.
func BuildFilterChain(expr string, out media.StreamParameters) string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultFilter
	}

	var opts []string
	if out.SampleFormat != media.SampleFormatNone {
		opts = append(opts, "sample_fmts="+string(out.SampleFormat))
	}
	if out.SampleRate > 0 {
		opts = append(opts, fmt.Sprintf("sample_rates=%d", out.SampleRate))
	}
	if out.ChannelLayout != media.ChannelLayoutUnspecified {
		opts = append(opts, "channel_layouts="+out.ChannelLayout.String())
	}

	chain := expr
	if len(opts) > 0 {
		chain += ",aformat=" + strings.Join(opts, ":")
	}
	if out.FrameSize > 0 {
		chain += fmt.Sprintf(",asetnsamples=n=%d:p=0", out.FrameSize)
	}
	return chain
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
