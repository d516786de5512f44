package media

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MediaType is the kind of data a stream carries.
type MediaType string

// Media types.
const (
	MediaTypeAudio      MediaType = "audio"
	MediaTypeVideo      MediaType = "video"
	MediaTypeSubtitle   MediaType = "subtitle"
	MediaTypeData       MediaType = "data"
	MediaTypeAttachment MediaType = "attachment"
	MediaTypeUnknown    MediaType = "unknown"
)

// SampleFormat is a raw sample layout, named as FFmpeg names it.
type SampleFormat string

// Sample formats.
const (
	SampleFormatNone SampleFormat = ""
	SampleFormatU8   SampleFormat = "u8"
	SampleFormatS16  SampleFormat = "s16"
	SampleFormatS32  SampleFormat = "s32"
	SampleFormatS64  SampleFormat = "s64"
	SampleFormatFlt  SampleFormat = "flt"
	SampleFormatDbl  SampleFormat = "dbl"
	SampleFormatU8P  SampleFormat = "u8p"
	SampleFormatS16P SampleFormat = "s16p"
	SampleFormatS32P SampleFormat = "s32p"
	SampleFormatS64P SampleFormat = "s64p"
	SampleFormatFltP SampleFormat = "fltp"
	SampleFormatDblP SampleFormat = "dblp"
)

// Planar reports whether each channel is stored in its own plane.
func (f SampleFormat) Planar() bool {
	switch f {
	case SampleFormatU8P, SampleFormatS16P, SampleFormatS32P, SampleFormatS64P, SampleFormatFltP, SampleFormatDblP:
		return true
	}
	return false
}

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatU8, SampleFormatU8P:
		return 1
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatS32, SampleFormatS32P, SampleFormatFlt, SampleFormatFltP:
		return 4
	case SampleFormatS64, SampleFormatS64P, SampleFormatDbl, SampleFormatDblP:
		return 8
	}
	return 0
}

// ChannelLayout is a speaker bitmask using FFmpeg's AV_CH_* bit assignment.
type ChannelLayout uint64

// Speaker positions.
const (
	ChannelFrontLeft          ChannelLayout = 0x1
	ChannelFrontRight         ChannelLayout = 0x2
	ChannelFrontCenter        ChannelLayout = 0x4
	ChannelLowFrequency       ChannelLayout = 0x8
	ChannelBackLeft           ChannelLayout = 0x10
	ChannelBackRight          ChannelLayout = 0x20
	ChannelFrontLeftOfCenter  ChannelLayout = 0x40
	ChannelFrontRightOfCenter ChannelLayout = 0x80
	ChannelBackCenter         ChannelLayout = 0x100
	ChannelSideLeft           ChannelLayout = 0x200
	ChannelSideRight          ChannelLayout = 0x400
	ChannelTopCenter          ChannelLayout = 0x800
	ChannelTopFrontLeft       ChannelLayout = 0x1000
	ChannelTopFrontCenter     ChannelLayout = 0x2000
	ChannelTopFrontRight      ChannelLayout = 0x4000
	ChannelTopBackLeft        ChannelLayout = 0x8000
	ChannelTopBackCenter      ChannelLayout = 0x10000
	ChannelTopBackRight       ChannelLayout = 0x20000
	ChannelStereoLeft         ChannelLayout = 0x20000000
	ChannelStereoRight        ChannelLayout = 0x40000000
	ChannelWideLeft           ChannelLayout = 0x80000000
	ChannelWideRight          ChannelLayout = 0x100000000
	ChannelSurroundDirectL    ChannelLayout = 0x200000000
	ChannelSurroundDirectR    ChannelLayout = 0x400000000
	ChannelLowFrequency2      ChannelLayout = 0x800000000
	ChannelTopSideLeft        ChannelLayout = 0x1000000000
	ChannelTopSideRight       ChannelLayout = 0x2000000000
	ChannelBottomFrontCenter  ChannelLayout = 0x4000000000
	ChannelBottomFrontLeft    ChannelLayout = 0x8000000000
	ChannelBottomFrontRight   ChannelLayout = 0x10000000000
)

// Common layouts.
const (
	ChannelLayoutUnspecified ChannelLayout = 0

	ChannelLayoutMono      = ChannelFrontCenter
	ChannelLayoutStereo    = ChannelFrontLeft | ChannelFrontRight
	ChannelLayout2Point1   = ChannelLayoutStereo | ChannelLowFrequency
	ChannelLayoutSurround  = ChannelLayoutStereo | ChannelFrontCenter
	ChannelLayoutQuad      = ChannelLayoutStereo | ChannelBackLeft | ChannelBackRight
	ChannelLayout5Point0   = ChannelLayoutSurround | ChannelSideLeft | ChannelSideRight
	ChannelLayout5Point1   = ChannelLayout5Point0 | ChannelLowFrequency
	ChannelLayout5Point0Bk = ChannelLayoutSurround | ChannelBackLeft | ChannelBackRight
	ChannelLayout5Point1Bk = ChannelLayout5Point0Bk | ChannelLowFrequency
	ChannelLayout6Point1   = ChannelLayout5Point1 | ChannelBackCenter
	ChannelLayout7Point1   = ChannelLayout5Point1 | ChannelBackLeft | ChannelBackRight
)

// namedLayouts lists FFmpeg's standard layouts in FFmpeg's own order, so the
// first name for a mask is the one FFmpeg prints.
var namedLayouts = []struct {
	name string
	mask ChannelLayout
}{
	{"mono", ChannelLayoutMono},
	{"stereo", ChannelLayoutStereo},
	{"2.1", ChannelLayout2Point1},
	{"3.0", ChannelLayoutSurround},
	{"3.0(back)", ChannelLayoutStereo | ChannelBackCenter},
	{"4.0", ChannelLayoutSurround | ChannelBackCenter},
	{"quad", ChannelLayoutQuad},
	{"quad(side)", ChannelLayoutStereo | ChannelSideLeft | ChannelSideRight},
	{"3.1", ChannelLayoutSurround | ChannelLowFrequency},
	{"5.0", ChannelLayout5Point0Bk},
	{"5.0(side)", ChannelLayout5Point0},
	{"4.1", ChannelLayoutSurround | ChannelBackCenter | ChannelLowFrequency},
	{"5.1", ChannelLayout5Point1Bk},
	{"5.1(side)", ChannelLayout5Point1},
	{"6.0", ChannelLayout5Point0 | ChannelBackCenter},
	{"6.0(front)", ChannelLayoutStereo | ChannelSideLeft | ChannelSideRight | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter},
	{"3.1.2", ChannelLayoutSurround | ChannelLowFrequency | ChannelTopFrontLeft | ChannelTopFrontRight},
	{"hexagonal", ChannelLayout5Point0Bk | ChannelBackCenter},
	{"6.1", ChannelLayout6Point1},
	{"6.1(back)", ChannelLayout5Point1Bk | ChannelBackCenter},
	{"6.1(front)", ChannelLayoutStereo | ChannelSideLeft | ChannelSideRight | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter | ChannelLowFrequency},
	{"7.0", ChannelLayout5Point0 | ChannelBackLeft | ChannelBackRight},
	{"7.0(front)", ChannelLayout5Point0 | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter},
	{"7.1", ChannelLayout7Point1},
	{"7.1(wide)", ChannelLayout5Point1Bk | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter},
	{"7.1(wide-side)", ChannelLayout5Point1 | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter},
	{"5.1.2", ChannelLayout5Point1Bk | ChannelTopFrontLeft | ChannelTopFrontRight},
	{"octagonal", ChannelLayout5Point0 | ChannelBackLeft | ChannelBackCenter | ChannelBackRight},
	{"cube", ChannelLayoutQuad | ChannelTopFrontLeft | ChannelTopFrontRight | ChannelTopBackLeft | ChannelTopBackRight},
	{"5.1.4", ChannelLayout5Point1Bk | ChannelTopFrontLeft | ChannelTopFrontRight | ChannelTopBackLeft | ChannelTopBackRight},
	{"7.1.2", ChannelLayout7Point1 | ChannelTopFrontLeft | ChannelTopFrontRight},
	{"7.1.4", ChannelLayout7Point1 | ChannelTopFrontLeft | ChannelTopFrontRight | ChannelTopBackLeft | ChannelTopBackRight},
	{"7.2.3", ChannelLayout7Point1 | ChannelTopFrontLeft | ChannelTopFrontRight | ChannelTopBackCenter | ChannelLowFrequency2},
	{"9.1.4", ChannelLayout7Point1 | ChannelFrontLeftOfCenter | ChannelFrontRightOfCenter | ChannelTopFrontLeft | ChannelTopFrontRight | ChannelTopBackLeft | ChannelTopBackRight},
	{"downmix", ChannelStereoLeft | ChannelStereoRight},
}

// speakerNames are FFmpeg's abbreviations, as printed for layouts without a
// standard name ("FL+FR+LFE").
var speakerNames = map[string]ChannelLayout{
	"FL": ChannelFrontLeft, "FR": ChannelFrontRight, "FC": ChannelFrontCenter,
	"LFE": ChannelLowFrequency, "BL": ChannelBackLeft, "BR": ChannelBackRight,
	"FLC": ChannelFrontLeftOfCenter, "FRC": ChannelFrontRightOfCenter,
	"BC": ChannelBackCenter, "SL": ChannelSideLeft, "SR": ChannelSideRight,
	"TC": ChannelTopCenter, "TFL": ChannelTopFrontLeft, "TFC": ChannelTopFrontCenter,
	"TFR": ChannelTopFrontRight, "TBL": ChannelTopBackLeft, "TBC": ChannelTopBackCenter,
	"TBR": ChannelTopBackRight, "DL": ChannelStereoLeft, "DR": ChannelStereoRight,
	"WL": ChannelWideLeft, "WR": ChannelWideRight, "SDL": ChannelSurroundDirectL,
	"SDR": ChannelSurroundDirectR, "LFE2": ChannelLowFrequency2,
	"TSL": ChannelTopSideLeft, "TSR": ChannelTopSideRight,
	"BFC": ChannelBottomFrontCenter, "BFL": ChannelBottomFrontLeft, "BFR": ChannelBottomFrontRight,
}

// Channels returns the number of speakers in the layout.
func (l ChannelLayout) Channels() int {
	return bits.OnesCount64(uint64(l))
}

// String returns the FFmpeg layout name, or the hex mask FFmpeg also accepts.
func (l ChannelLayout) String() string {
	for _, nl := range namedLayouts {
		if nl.mask == l {
			return nl.name
		}
	}
	return fmt.Sprintf("0x%x", uint64(l))
}

// ParseChannelLayout parses a layout as FFmpeg describes one: a standard
// name ("5.1(side)"), speaker abbreviations joined by '+' ("FL+FR+LFE"), or
// a hex mask ("0x3f"). Unordered layouts ("3 channels") are rejected, since
// they carry no speaker positions.
func ParseChannelLayout(s string) (ChannelLayout, error) {
	s = strings.TrimSpace(s)
	for _, nl := range namedLayouts {
		if nl.name == s {
			return nl.mask, nil
		}
	}
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil || v == 0 {
			return ChannelLayoutUnspecified, fmt.Errorf("invalid channel mask %q", s)
		}
		return ChannelLayout(v), nil
	}

	var l ChannelLayout
	for _, name := range strings.Split(s, "+") {
		speaker, ok := speakerNames[name]
		if !ok || l&speaker != 0 {
			return ChannelLayoutUnspecified, fmt.Errorf("unknown channel layout %q", s)
		}
		l |= speaker
	}
	return l, nil
}

// DefaultChannelLayout returns a layout for a bare channel count, used when
// the source does not say which speakers its channels feed.
func DefaultChannelLayout(channels int) ChannelLayout {
	switch channels {
	case 1:
		return ChannelLayoutMono
	case 2:
		return ChannelLayoutStereo
	case 3:
		return ChannelLayoutSurround
	case 4:
		return ChannelLayoutQuad
	case 5:
		return ChannelLayout5Point0Bk
	case 6:
		return ChannelLayout5Point1Bk
	case 7:
		return ChannelLayout6Point1
	case 8:
		return ChannelLayout7Point1
	}
	if channels <= 0 || channels > 64 {
		return ChannelLayoutUnspecified
	}
	return ChannelLayout(uint64(1)<<uint(channels) - 1)
}

// StreamParameters are the negotiated properties of an opened codec context.
// They never change once the context is open.
type StreamParameters struct {
	CodecName     string
	SampleRate    int
	ChannelLayout ChannelLayout
	SampleFormat  SampleFormat
	TimeBase      Rational
	BitRate       int64
	MaxBitRate    int64
	// FrameSize is the number of samples per channel the encoder requires
	// per frame; zero when any size is accepted.
	FrameSize int
}

// Channels returns the channel count of the layout.
func (p StreamParameters) Channels() int {
	return p.ChannelLayout.Channels()
}

// StreamInfo describes one stream of an opened source.
type StreamInfo struct {
	Index         int
	MediaType     MediaType
	CodecName     string
	TimeBase      Rational
	SampleRate    int
	Channels      int
	ChannelLayout ChannelLayout
	SampleFormat  SampleFormat
	BitRate       int64
}
