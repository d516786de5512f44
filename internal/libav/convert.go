//go:build libav

package libav

import (
	"fmt"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/jmylchreest/tvcast/internal/media"
)

var sampleFormats = []astiav.SampleFormat{
	astiav.SampleFormatU8,
	astiav.SampleFormatS16,
	astiav.SampleFormatS32,
	astiav.SampleFormatS64,
	astiav.SampleFormatFlt,
	astiav.SampleFormatDbl,
	astiav.SampleFormatU8P,
	astiav.SampleFormatS16P,
	astiav.SampleFormatS32P,
	astiav.SampleFormatS64P,
	astiav.SampleFormatFltp,
	astiav.SampleFormatDblp,
}

func toSampleFormat(f astiav.SampleFormat) media.SampleFormat {
	if f == astiav.SampleFormatNone {
		return media.SampleFormatNone
	}
	return media.SampleFormat(f.Name())
}

func fromSampleFormat(f media.SampleFormat) astiav.SampleFormat {
	for _, sf := range sampleFormats {
		if sf.Name() == string(f) {
			return sf
		}
	}
	return astiav.SampleFormatNone
}

// nativeLayouts are the layouts go-astiav exports. They hand a speaker mask
// back to FFmpeg, which the binding has no constructor for.
var nativeLayouts = []astiav.ChannelLayout{
	astiav.ChannelLayoutMono,
	astiav.ChannelLayoutStereo,
	astiav.ChannelLayout2Point1,
	astiav.ChannelLayout21,
	astiav.ChannelLayoutSurround,
	astiav.ChannelLayout3Point1,
	astiav.ChannelLayout4Point0,
	astiav.ChannelLayout4Point1,
	astiav.ChannelLayout22,
	astiav.ChannelLayoutQuad,
	astiav.ChannelLayout5Point0,
	astiav.ChannelLayout5Point1,
	astiav.ChannelLayout5Point0Back,
	astiav.ChannelLayout5Point1Back,
	astiav.ChannelLayout6Point0,
	astiav.ChannelLayout6Point0Front,
	astiav.ChannelLayoutHexagonal,
	astiav.ChannelLayout3Point1Point2,
	astiav.ChannelLayout6Point1,
	astiav.ChannelLayout6Point1Back,
	astiav.ChannelLayout6Point1Front,
	astiav.ChannelLayout7Point0,
	astiav.ChannelLayout7Point0Front,
	astiav.ChannelLayout7Point1,
	astiav.ChannelLayout7Point1Wide,
	astiav.ChannelLayout7Point1WideBack,
	astiav.ChannelLayout5Point1Point2Back,
	astiav.ChannelLayoutOctagonal,
	astiav.ChannelLayoutCube,
	astiav.ChannelLayout5Point1Point4Back,
	astiav.ChannelLayout7Point1Point2,
	astiav.ChannelLayout7Point1Point4Back,
	astiav.ChannelLayoutStereoDownmix,
}

// toChannelLayout reads the speaker mask from FFmpeg's description of l.
// Only unordered layouts ("3 channels") fall back to a default mask for
// their channel count; the filter source accepts unordered frames of the
// same width.
func toChannelLayout(l astiav.ChannelLayout) media.ChannelLayout {
	if m, err := media.ParseChannelLayout(l.String()); err == nil {
		return m
	}
	return media.DefaultChannelLayout(l.Channels())
}

// fromChannelLayout finds a native layout for a speaker mask, trying
// candidates first (a codec's supported layouts).
func fromChannelLayout(l media.ChannelLayout, candidates ...astiav.ChannelLayout) (astiav.ChannelLayout, bool) {
	for _, set := range [][]astiav.ChannelLayout{candidates, nativeLayouts} {
		for _, c := range set {
			if toChannelLayout(c) == l {
				return c, true
			}
		}
	}
	return astiav.ChannelLayout{}, false
}

// channelLayoutOption formats a mask for the channel_layout option of
// FFmpeg filters, which accepts hex masks of any width.
func channelLayoutOption(l media.ChannelLayout) string {
	return fmt.Sprintf("0x%x", uint64(l))
}

// encoderSampleRates lists the rates of encoders that only accept some.
// go-astiav does not expose AVCodec.supported_samplerates; encoders absent
// here take the decoder's rate.
var encoderSampleRates = map[string][]int{
	"opus":       {48000},
	"libopus":    {48000, 24000, 16000, 12000, 8000},
	"ac3":        {48000, 44100, 32000},
	"ac3_fixed":  {48000, 44100, 32000},
	"eac3":       {48000, 44100, 32000},
	"mp2":        {44100, 48000, 32000, 22050, 24000, 16000},
	"mp2fixed":   {44100, 48000, 32000, 22050, 24000, 16000},
	"libmp3lame": {44100, 48000, 32000, 22050, 24000, 16000, 11025, 12000, 8000},
	"libshine":   {44100, 48000, 32000},
}

func toRational(r astiav.Rational) media.Rational {
	return media.NewRational(r.Num(), r.Den())
}

func fromRational(r media.Rational) astiav.Rational {
	return astiav.NewRational(r.Num, r.Den)
}

func toMediaType(t astiav.MediaType) media.MediaType {
	switch t {
	case astiav.MediaTypeAudio:
		return media.MediaTypeAudio
	case astiav.MediaTypeVideo:
		return media.MediaTypeVideo
	case astiav.MediaTypeSubtitle:
		return media.MediaTypeSubtitle
	case astiav.MediaTypeData:
		return media.MediaTypeData
	case astiav.MediaTypeAttachment:
		return media.MediaTypeAttachment
	default:
		return media.MediaTypeUnknown
	}
}

// codecIDs resolves codec names to FFmpeg codec ids for encoder lookup.
var codecIDs = map[string]astiav.CodecID{
	"aac":       astiav.CodecIDAac,
	"ac3":       astiav.CodecIDAc3,
	"flac":      astiav.CodecIDFlac,
	"mp2":       astiav.CodecIDMp2,
	"mp3":       astiav.CodecIDMp3,
	"opus":      astiav.CodecIDOpus,
	"vorbis":    astiav.CodecIDVorbis,
	"pcm_s16le": astiav.CodecIDPcmS16Le,
}

func findEncoder(codec, name string) *astiav.Codec {
	if name != "" {
		return astiav.FindEncoderByName(name)
	}
	codec = strings.ToLower(codec)
	if id, ok := codecIDs[codec]; ok {
		if c := astiav.FindEncoder(id); c != nil {
			return c
		}
	}
	return astiav.FindEncoderByName(codec)
}

// dictionary converts tags into a native dictionary. The caller owns it.
func dictionary(md map[string]string) (*astiav.Dictionary, error) {
	d := astiav.NewDictionary()
	for k, v := range md {
		if err := d.Set(k, v, 0); err != nil {
			d.Free()
			return nil, err
		}
	}
	return d, nil
}

func dictionaryMap(d *astiav.Dictionary) map[string]string {
	md := map[string]string{}
	if d == nil {
		return md
	}
	flags := astiav.NewDictionaryFlags(astiav.DictionaryFlagIgnoreSuffix)
	for e := d.Get("", nil, flags); e != nil; e = d.Get("", e, flags) {
		md[e.Key()] = e.Value()
	}
	return md
}
