package media

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestAudioStream(t *testing.T) {
	t.Run("no streams", func(t *testing.T) {
		_, err := BestAudioStream(nil)
		assert.ErrorIs(t, err, ErrNoAudioStream)
	})

	t.Run("video only", func(t *testing.T) {
		_, err := BestAudioStream([]StreamInfo{{Index: 0, MediaType: MediaTypeVideo}})
		assert.ErrorIs(t, err, ErrNoAudioStream)
	})

	t.Run("audio preferred over video", func(t *testing.T) {
		s, err := BestAudioStream([]StreamInfo{
			{Index: 0, MediaType: MediaTypeVideo, BitRate: 5_000_000},
			{Index: 1, MediaType: MediaTypeAudio, Channels: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Index)
	})

	t.Run("more channels wins", func(t *testing.T) {
		s, err := BestAudioStream([]StreamInfo{
			{Index: 0, MediaType: MediaTypeAudio, Channels: 2, BitRate: 320000},
			{Index: 1, MediaType: MediaTypeAudio, Channels: 6},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Index)
	})

	t.Run("channels then bitrate then rate", func(t *testing.T) {
		s, err := BestAudioStream([]StreamInfo{
			{Index: 0, MediaType: MediaTypeAudio, Channels: 2, BitRate: 128000},
			{Index: 1, MediaType: MediaTypeAudio, Channels: 2, BitRate: 320000},
			{Index: 2, MediaType: MediaTypeAudio, Channels: 1, BitRate: 999000},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Index)

		s, err = BestAudioStream([]StreamInfo{
			{Index: 0, MediaType: MediaTypeAudio, Channels: 2, SampleRate: 44100},
			{Index: 1, MediaType: MediaTypeAudio, Channels: 2, SampleRate: 48000},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Index)
	})

	t.Run("full tie picks lowest index", func(t *testing.T) {
		s, err := BestAudioStream([]StreamInfo{
			{Index: 3, MediaType: MediaTypeAudio, Channels: 2},
			{Index: 2, MediaType: MediaTypeAudio, Channels: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Index)
	})
}

func TestChannelLayout(t *testing.T) {
	assert.Equal(t, 1, ChannelLayoutMono.Channels())
	assert.Equal(t, 2, ChannelLayoutStereo.Channels())
	assert.Equal(t, 6, ChannelLayout5Point1.Channels())
	assert.Equal(t, 8, ChannelLayout7Point1.Channels())
	assert.Equal(t, "stereo", ChannelLayoutStereo.String())
	assert.Equal(t, "0x7ff", ChannelLayout(0x7ff).String())

	for n := 1; n <= 8; n++ {
		assert.Equal(t, n, DefaultChannelLayout(n).Channels(), "channels=%d", n)
	}
	assert.Equal(t, ChannelLayoutUnspecified, DefaultChannelLayout(0))
}

func TestParseChannelLayout(t *testing.T) {
	tests := []struct {
		in   string
		want ChannelLayout
	}{
		{"stereo", ChannelLayoutStereo},
		{"5.1(side)", ChannelLayout5Point1},
		{"6.1", 0x70f},
		{"7.1", 0x63f},
		{"7.1(wide)", 0xff},
		{"FL+FR+LFE", ChannelLayout2Point1},
		{"FL+FR+FC+LFE+BL+BR+BC+SL+SR", 0x73f},
		{"0x3f", ChannelLayout5Point1Bk},
		{"0X60000000", ChannelStereoLeft | ChannelStereoRight},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannelLayout(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "3 channels", "FL+FL", "FL+XX", "0x", "0x0", "surround sound"} {
		_, err := ParseChannelLayout(bad)
		assert.Error(t, err, bad)
	}
}

func TestChannelLayout_NamesRoundTrip(t *testing.T) {
	seen := map[ChannelLayout]string{}
	for _, nl := range namedLayouts {
		require.NotContains(t, seen, nl.mask, "%s duplicates %s", nl.name, seen[nl.mask])
		seen[nl.mask] = nl.name

		assert.Equal(t, nl.name, nl.mask.String())
		got, err := ParseChannelLayout(nl.name)
		require.NoError(t, err)
		assert.Equal(t, nl.mask, got)

		// Hex masks parse to the same layout.
		got, err = ParseChannelLayout(fmt.Sprintf("0x%x", uint64(nl.mask)))
		require.NoError(t, err)
		assert.Equal(t, nl.mask, got)
	}
}

func TestSampleFormat(t *testing.T) {
	assert.True(t, SampleFormatFltP.Planar())
	assert.False(t, SampleFormatS16.Planar())
	assert.Equal(t, 2, SampleFormatS16P.BytesPerSample())
	assert.Equal(t, 8, SampleFormatDbl.BytesPerSample())
	assert.Equal(t, 0, SampleFormatNone.BytesPerSample())
}

func TestPacket_Rescale(t *testing.T) {
	p := &Packet{PTS: 44100, DTS: 44100, Duration: 1024, TimeBase: NewRational(1, 44100)}
	p.Rescale(NewRational(1, 1000))
	assert.Equal(t, int64(1000), p.PTS)
	assert.Equal(t, int64(1000), p.DTS)
	assert.Equal(t, int64(23), p.Duration)
	assert.Equal(t, NewRational(1, 1000), p.TimeBase)
}

func TestFrame_Duration(t *testing.T) {
	f := &Frame{PTS: 0, TimeBase: NewRational(1, 1000), Samples: 4410, SampleRate: 44100}
	assert.Equal(t, int64(100), f.Duration())
	f.Rescale(NewRational(1, 44100))
	assert.Equal(t, int64(4410), f.Duration())
}

type releaseCounter struct{ n int }

func (r *releaseCounter) Release() { r.n++ }

func TestRelease_Once(t *testing.T) {
	rc := &releaseCounter{}
	f := &Frame{Payload: rc}
	f.Release()
	f.Release()
	assert.Equal(t, 1, rc.n)

	p := &Packet{Payload: rc}
	p.Release()
	p.Release()
	assert.Equal(t, 2, rc.n)

	var nilFrame *Frame
	nilFrame.Release()
}

func TestKindOf(t *testing.T) {
	err := NewError(KindDecode, "decode", errors.New("corrupt"))
	wrapped := fmt.Errorf("run: %w", err)

	assert.Equal(t, KindDecode, KindOf(wrapped))
	assert.Equal(t, "decode", StageOf(wrapped))
	assert.True(t, IsKind(wrapped, KindDecode))
	assert.Equal(t, "decode: corrupt", err.Error())
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
	assert.Equal(t, KindUnknown, KindOf(errors.New("other")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.NoError(t, NewError(KindMux, "mux", nil))
}

func TestKind_ExitCode(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
	}{
		{KindConfig, 2},
		{KindOpenInput, 10},
		{KindNoAudioStream, 11},
		{KindDecoderInit, 12},
		{KindEncoderInit, 13},
		{KindFilterGraph, 14},
		{KindDecode, 15},
		{KindEncode, 16},
		{KindMux, 17},
		{KindNetwork, 20},
		{KindCanceled, 130},
		{KindUnknown, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.kind.ExitCode())
		})
	}
	assert.True(t, KindFilterGraph.Setup())
	assert.False(t, KindMux.Setup())
}
