package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvcast/internal/media"
)

func decoderParams(rate int, layout media.ChannelLayout, bitRate int64) media.StreamParameters {
	return media.StreamParameters{
		CodecName:     "pcm_s16le",
		SampleRate:    rate,
		ChannelLayout: layout,
		SampleFormat:  media.SampleFormatS16,
		TimeBase:      media.NewRational(1, rate),
		BitRate:       bitRate,
	}
}

func TestNegotiateEncoder_SampleRate(t *testing.T) {
	tests := []struct {
		name      string
		decoder   int
		supported []int
		expected  int
	}{
		{"no preference keeps decoder rate", 44100, nil, 44100},
		{"supported rate kept", 44100, []int{48000, 44100}, 44100},
		{"nearest supported", 22050, []int{8000, 24000, 48000}, 24000},
		{"tie goes higher", 46050, []int{44100, 48000}, 48000},
		{"opus style list", 44100, []int{48000, 24000, 16000, 12000, 8000}, 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NegotiateEncoder(
				decoderParams(tt.decoder, media.ChannelLayoutStereo, 0),
				media.CodecInfo{SampleRates: tt.supported, SampleFormats: []media.SampleFormat{media.SampleFormatFltP}},
				Options{}, false)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.SampleRate)
			assert.Equal(t, media.NewRational(1, tt.expected), cfg.TimeBase)
		})
	}
}

func TestNegotiateEncoder_ChannelLayout(t *testing.T) {
	tests := []struct {
		name      string
		decoder   media.ChannelLayout
		supported []media.ChannelLayout
		expected  media.ChannelLayout
	}{
		{"no preference falls back to stereo", media.ChannelLayoutMono, nil, media.ChannelLayoutStereo},
		{"exact match", media.ChannelLayout5Point1Bk, []media.ChannelLayout{media.ChannelLayoutStereo, media.ChannelLayout5Point1Bk}, media.ChannelLayout5Point1Bk},
		{"mono from list", media.ChannelLayoutMono, []media.ChannelLayout{media.ChannelLayoutMono, media.ChannelLayoutStereo}, media.ChannelLayoutMono},
		{"downmix to widest fitting", media.ChannelLayout5Point1, []media.ChannelLayout{media.ChannelLayoutMono, media.ChannelLayoutStereo, media.ChannelLayout7Point1}, media.ChannelLayoutStereo},
		{"nothing fits picks smallest", media.ChannelLayoutMono, []media.ChannelLayout{media.ChannelLayout5Point1Bk, media.ChannelLayoutStereo}, media.ChannelLayoutStereo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NegotiateEncoder(
				decoderParams(44100, tt.decoder, 0),
				media.CodecInfo{ChannelLayouts: tt.supported},
				Options{}, false)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.ChannelLayout)
		})
	}
}

func TestNegotiateEncoder_SampleFormat(t *testing.T) {
	cfg, err := NegotiateEncoder(decoderParams(44100, media.ChannelLayoutStereo, 0),
		media.CodecInfo{SampleFormats: []media.SampleFormat{media.SampleFormatFltP, media.SampleFormatS16}},
		Options{}, false)
	require.NoError(t, err)
	assert.Equal(t, media.SampleFormatFltP, cfg.SampleFormat)

	cfg, err = NegotiateEncoder(decoderParams(44100, media.ChannelLayoutStereo, 0), media.CodecInfo{}, Options{}, false)
	require.NoError(t, err)
	assert.Equal(t, media.SampleFormatS16, cfg.SampleFormat)
}

func TestNegotiateEncoder_BitRate(t *testing.T) {
	dec := decoderParams(44100, media.ChannelLayoutStereo, 192000)
	dec.MaxBitRate = 256000

	cfg, err := NegotiateEncoder(dec, media.CodecInfo{}, Options{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(192000), cfg.BitRate)
	assert.Equal(t, int64(256000), cfg.MaxBitRate)

	pcm := decoderParams(44100, media.ChannelLayoutStereo, 1411200)
	cfg, err = NegotiateEncoder(pcm, media.CodecInfo{}, Options{}, false)
	require.NoError(t, err)
	assert.Zero(t, cfg.BitRate, "pcm bitrate must not reach the encoder")

	cfg, err = NegotiateEncoder(pcm, media.CodecInfo{}, Options{BitRatePolicy: BitRateFixed, BitRate: 96000}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(96000), cfg.BitRate)

	_, err = NegotiateEncoder(pcm, media.CodecInfo{}, Options{BitRatePolicy: BitRateFixed}, false)
	assert.Error(t, err)

	cfg, err = NegotiateEncoder(dec, media.CodecInfo{}, Options{BitRatePolicy: BitRateDefault}, false)
	require.NoError(t, err)
	assert.Zero(t, cfg.BitRate)
	assert.Zero(t, cfg.MaxBitRate)
}

func TestNegotiateEncoder_GlobalHeader(t *testing.T) {
	cfg, err := NegotiateEncoder(decoderParams(44100, media.ChannelLayoutStereo, 0), media.CodecInfo{}, Options{}, true)
	require.NoError(t, err)
	assert.True(t, cfg.GlobalHeader)
}

func TestNegotiateEncoder_NoSampleRate(t *testing.T) {
	_, err := NegotiateEncoder(decoderParams(0, media.ChannelLayoutStereo, 0), media.CodecInfo{}, Options{}, false)
	assert.Error(t, err)
}

func TestBuildFilterChain(t *testing.T) {
	out := media.StreamParameters{
		SampleRate:    44100,
		ChannelLayout: media.ChannelLayoutStereo,
		SampleFormat:  media.SampleFormatFltP,
	}

	assert.Equal(t, "anull,aformat=sample_fmts=fltp:sample_rates=44100:channel_layouts=stereo",
		BuildFilterChain("", out))
	assert.Equal(t, "volume=0.5,aformat=sample_fmts=fltp:sample_rates=44100:channel_layouts=stereo",
		BuildFilterChain(" volume=0.5 ", out))

	out.FrameSize = 1024
	assert.Equal(t, "anull,aformat=sample_fmts=fltp:sample_rates=44100:channel_layouts=stereo,asetnsamples=n=1024:p=0",
		BuildFilterChain("anull", out))

	assert.Equal(t, "anull", BuildFilterChain("", media.StreamParameters{}))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("STRICT")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLenient, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)

	bp, err := ParseBitRatePolicy("fixed")
	require.NoError(t, err)
	assert.Equal(t, BitRateFixed, bp)

	_, err = ParseBitRatePolicy("vbr")
	assert.Error(t, err)
}
