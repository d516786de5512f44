package transcode

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/media/mediatest"
)

const (
	fixtureRate    = 44100
	fixtureSamples = 2 * fixtureRate
	fixturePacket  = 4096
	// ceil(88200 / 1024)
	fixtureEncodedFrames = 87
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func monoFixture() *mediatest.File {
	return mediatest.NewAudioFile(fixtureRate, 1, fixtureSamples, fixturePacket, media.Rational{})
}

func newSession(b *mediatest.Backend, opts Options) *Session {
	opts.Logger = testLogger()
	return New(b, opts)
}

func assertMonotonic(t *testing.T, pkts []media.Packet) {
	t.Helper()
	for i := 1; i < len(pkts); i++ {
		assert.GreaterOrEqual(t, pkts[i].PTS, pkts[i-1].PTS, "pts at packet %d", i)
		assert.GreaterOrEqual(t, pkts[i].DTS, pkts[i-1].DTS, "dts at packet %d", i)
	}
}

func assertAllClosed(t *testing.T, b *mediatest.Backend, stages ...string) {
	t.Helper()
	closed := b.Observed().Closed
	for _, s := range stages {
		assert.Contains(t, closed, s)
	}
	assert.Zero(t, b.Payloads.Live(), "unreleased frames or packets")
}

func TestSession_MonoPCMToVorbis(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.NotEmpty(t, res.Data)
	assert.True(t, bytes.HasPrefix(res.Data, []byte("HDR:ogg:")))
	assert.True(t, bytes.HasSuffix(res.Data, []byte("TRL;")))
	assert.Equal(t, OwnershipMoved, res.Ownership)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, fixtureRate, res.Output.SampleRate)
	assert.Equal(t, media.ChannelLayoutStereo, res.Output.ChannelLayout)
	assert.Equal(t, media.SampleFormatFltP, res.Output.SampleFormat)
	assert.InDelta(t, 2*time.Second, res.Duration, float64(time.Second*1024/fixtureRate))

	assert.Equal(t, 22, res.PacketsRead)
	assert.Equal(t, 22, res.FramesDecoded)
	assert.Equal(t, fixtureEncodedFrames, res.FramesEncoded)
	assert.Equal(t, fixtureEncodedFrames, res.PacketsWritten)
	assert.Zero(t, res.Skipped())
	assert.Zero(t, res.TimestampsAdjusted)

	obs := b.Observed()
	assert.Len(t, obs.Written, fixtureEncodedFrames)
	assert.Equal(t, 1, obs.TrailerWrites)
	assertMonotonic(t, obs.Written)
	assertAllClosed(t, b, "source", "decoder", "filter", "encoder", "muxer")
}

func TestSession_FlushDrainsEveryStage(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.DecoderDelay = 3
	b.EncoderDelay = 5
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.Equal(t, 22, res.FramesDecoded)
	assert.Equal(t, fixtureEncodedFrames, res.PacketsWritten)

	// The final packet carries the short remainder frame.
	written := b.Observed().Written
	last := written[len(written)-1]
	assert.Equal(t, int64(fixtureSamples%1024), last.Duration)
	assert.Equal(t, int64(fixtureSamples), last.PTS+last.Duration)
}

func TestSession_RetriesSaturatedFilterGraph(t *testing.T) {
	baseline := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	_, err := newSession(baseline, Options{}).Run(context.Background(), "in.wav")
	require.NoError(t, err)
	require.Zero(t, baseline.Observed().FilterSaturations)

	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.FilterCapacity = 4
	b.FilterPullBatch = 1
	res, err := newSession(b, Options{Policy: PolicyStrict}).Run(context.Background(), "in.wav")
	require.NoError(t, err)

	obs := b.Observed()
	assert.Positive(t, obs.FilterSaturations)
	assert.Equal(t, 22, res.FramesDecoded)
	assert.Equal(t, fixtureEncodedFrames, res.FramesEncoded)
	assert.Equal(t, fixtureEncodedFrames, res.PacketsWritten)

	// Backpressure changes when frames are encoded, never which.
	want := baseline.Observed().Written
	require.Len(t, obs.Written, len(want))
	for i := range want {
		assert.Equal(t, want[i].PTS, obs.Written[i].PTS, "packet %d", i)
		assert.Equal(t, want[i].Duration, obs.Written[i].Duration, "packet %d", i)
	}
	assertMonotonic(t, obs.Written)
	assertAllClosed(t, b, "source", "decoder", "filter", "encoder", "muxer")
}

func TestSession_NothingFollowsFlush(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.DecoderDelay = 2
	b.EncoderDelay = 4
	b.FilterPullBatch = 1

	res, err := newSession(b, Options{Policy: PolicyStrict}).Run(context.Background(), "in.wav")
	require.NoError(t, err)

	obs := b.Observed()
	assert.Empty(t, obs.TerminalCalls, "stage input after its flush")
	assert.Equal(t, 1, obs.TrailerWrites)
	assert.Equal(t, res.PacketsWritten, obs.WrittenAtTrailer)
	assert.Len(t, obs.Written, obs.WrittenAtTrailer, "packets written after the trailer")
	assert.True(t, bytes.HasSuffix(res.Data, []byte("TRL;")))
}

func TestSession_ReadFailurePolicy(t *testing.T) {
	t.Run("lenient skips", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailRead = map[int]bool{2: true, 10: true, 11: true}
		res, err := newSession(b, Options{Policy: PolicyLenient}).Run(context.Background(), "in.wav")
		require.NoError(t, err)

		assert.Equal(t, 3, res.SkippedRead)
		assert.Equal(t, 3, res.Skipped())
		assert.Equal(t, 22, res.PacketsRead)
		assert.Equal(t, fixtureEncodedFrames, res.PacketsWritten)
	})

	t.Run("lenient gives up on a run of failures", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailRead = map[int]bool{}
		for i := 5; i < 5+DefaultMaxReadErrors+1; i++ {
			b.FailRead[i] = true
		}
		res, err := newSession(b, Options{Policy: PolicyLenient}).Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, media.IsKind(err, media.KindDecode))
		assert.Equal(t, "read packet", media.StageOf(err))
		assert.ErrorIs(t, err, mediatest.ErrInjectedRead)
		assert.Zero(t, b.Observed().TrailerWrites)
		assertAllClosed(t, b, "source", "decoder", "filter", "encoder", "muxer")
	})

	t.Run("bound is configurable", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailRead = map[int]bool{0: true, 1: true}
		_, err := newSession(b, Options{Policy: PolicyLenient, MaxReadErrors: 1}).Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.ErrorIs(t, err, mediatest.ErrInjectedRead)
	})

	t.Run("strict aborts", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailRead = map[int]bool{4: true}
		res, err := newSession(b, Options{Policy: PolicyStrict}).Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, media.IsKind(err, media.KindDecode))
		assert.ErrorIs(t, err, mediatest.ErrInjectedRead)
	})
}

func TestSession_FilterChainAndEncoderSetup(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	s := newSession(b, Options{Filter: "volume=0.8"})

	_, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	obs := b.Observed()
	assert.Equal(t, "volume=0.8,aformat=sample_fmts=fltp:sample_rates=44100:channel_layouts=stereo,asetnsamples=n=1024:p=0",
		obs.FilterConfig.Chain)
	assert.Equal(t, fixtureRate, obs.FilterConfig.Input.SampleRate)
	assert.Equal(t, media.ChannelLayoutMono, obs.FilterConfig.Input.ChannelLayout)
	assert.Equal(t, 1024, obs.FilterConfig.Output.FrameSize)
	assert.Zero(t, obs.EncoderConfig.BitRate, "pcm bitrate exceeds the copy ceiling")
	assert.False(t, obs.EncoderConfig.GlobalHeader)
}

func TestSession_VariableFrameSizeSkipsRegrouping(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.Encoder.VariableFrameSize = true
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.NotContains(t, b.Observed().FilterConfig.Chain, "asetnsamples")
	assert.Equal(t, 22, res.PacketsWritten)
}

func TestSession_RescalesAcrossThreeClocks(t *testing.T) {
	f := mediatest.NewAudioFile(fixtureRate, 1, fixtureSamples, fixturePacket, media.NewRational(1, 1000))
	f.DecoderTimeBase = media.NewRational(1, fixtureRate)
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.mka": f})
	b.MuxTimeBase = media.NewRational(1, 1000)
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.mka")
	require.NoError(t, err)

	assert.Equal(t, media.NewRational(1, 1000), res.OutputTimeBase)
	assert.InDelta(t, 2*time.Second, res.Duration, float64(time.Second*1024/fixtureRate))

	written := b.Observed().Written
	require.Len(t, written, fixtureEncodedFrames)
	for _, p := range written {
		assert.Equal(t, media.NewRational(1, 1000), p.TimeBase)
		assert.Equal(t, 0, p.StreamIndex)
	}
	assertMonotonic(t, written)
}

func TestSession_GlobalHeaderNegotiatedBeforeOpen(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.GlobalHeader = true
	s := newSession(b, Options{Container: "mp4"})

	_, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)
	assert.True(t, b.Observed().EncoderConfig.GlobalHeader)
}

func TestSession_EnforcesMonotonicTimestamps(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	b.ReorderOutput = true
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.Positive(t, res.TimestampsAdjusted)
	assertMonotonic(t, b.Observed().Written)
}

func TestSession_SkipsOtherStreams(t *testing.T) {
	f := monoFixture().AddVideoStream(30)
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.mkv": f})
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "in.mkv")
	require.NoError(t, err)

	assert.Equal(t, 22, res.PacketsRead)
	assert.Equal(t, fixtureEncodedFrames, res.PacketsWritten)
	assert.Equal(t, 1, b.DecodersCreated())
	assert.Zero(t, b.Payloads.Live())
}

func TestSession_Metadata(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	s := newSession(b, Options{Metadata: map[string]string{"artist": "tvcast"}})

	_, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "fixture", "artist": "tvcast"}, b.Observed().Metadata)
}

func TestSession_MissingInput(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{})
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "missing.wav")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, media.IsKind(err, media.KindOpenInput))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, b.DecodersCreated())
	assert.False(t, b.Observed().HeaderWritten)
}

func TestSession_NoAudioStream(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"video.mp4": mediatest.NewVideoFile(10)})
	s := newSession(b, Options{})

	res, err := s.Run(context.Background(), "video.mp4")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, media.IsKind(err, media.KindNoAudioStream))
	assert.ErrorIs(t, err, media.ErrNoAudioStream)
	assert.Zero(t, b.DecodersCreated())
	assertAllClosed(t, b, "source")
}

func TestSession_SetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *mediatest.Backend, o *Options)
		kind   media.Kind
	}{
		{
			name:   "unknown encoder",
			mutate: func(_ *mediatest.Backend, o *Options) { o.Codec = "nope" },
			kind:   media.KindEncoderInit,
		},
		{
			name:   "encoder open fails",
			mutate: func(b *mediatest.Backend, _ *Options) { b.FailEncoder = errors.New("invalid argument") },
			kind:   media.KindEncoderInit,
		},
		{
			name:   "filter graph fails",
			mutate: func(b *mediatest.Backend, _ *Options) { b.FailFilter = errors.New("no such filter") },
			kind:   media.KindFilterGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
			opts := Options{}
			tt.mutate(b, &opts)
			s := newSession(b, opts)

			res, err := s.Run(context.Background(), "in.wav")
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.kind, media.KindOf(err))
			assert.True(t, media.KindOf(err).Setup())
			assert.False(t, b.Observed().HeaderWritten, "no output before setup completes")
			assertAllClosed(t, b, "source", "decoder", "muxer")
		})
	}
}

func TestSession_DecodeFailurePolicy(t *testing.T) {
	t.Run("lenient skips", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailDecode = map[int]bool{3: true}
		s := newSession(b, Options{Policy: PolicyLenient})

		res, err := s.Run(context.Background(), "in.wav")
		require.NoError(t, err)
		assert.Equal(t, 1, res.SkippedDecode)
		assert.Equal(t, 21, res.FramesDecoded)
		assert.Less(t, res.PacketsWritten, fixtureEncodedFrames)
		assert.Zero(t, b.Payloads.Live())
	})

	t.Run("strict aborts", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailDecode = map[int]bool{3: true}
		s := newSession(b, Options{Policy: PolicyStrict})

		res, err := s.Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, media.IsKind(err, media.KindDecode))
		assert.ErrorIs(t, err, mediatest.ErrInjectedDecode)
		assert.Zero(t, b.Observed().TrailerWrites)
		assertAllClosed(t, b, "source", "decoder", "filter", "encoder", "muxer")
	})
}

func TestSession_EncodeFailurePolicy(t *testing.T) {
	t.Run("lenient skips", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailEncode = map[int]bool{5: true}
		s := newSession(b, Options{})

		res, err := s.Run(context.Background(), "in.wav")
		require.NoError(t, err)
		assert.Equal(t, 1, res.SkippedEncode)
		assert.Equal(t, fixtureEncodedFrames-1, res.PacketsWritten)
	})

	t.Run("strict aborts", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailEncode = map[int]bool{5: true}
		s := newSession(b, Options{Policy: PolicyStrict})

		_, err := s.Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Equal(t, media.KindEncode, media.KindOf(err))
		assert.Zero(t, b.Payloads.Live())
	})
}

func TestSession_MuxFailuresAlwaysAbort(t *testing.T) {
	t.Run("packet write", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailWriteAt = 3
		s := newSession(b, Options{Policy: PolicyLenient})

		_, err := s.Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Equal(t, media.KindMux, media.KindOf(err))
		assert.Equal(t, "write packet", media.StageOf(err))
		assert.Zero(t, b.Payloads.Live())
	})

	t.Run("trailer after flush", func(t *testing.T) {
		b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
		b.FailTrailer = true
		s := newSession(b, Options{Policy: PolicyLenient})

		_, err := s.Run(context.Background(), "in.wav")
		require.Error(t, err)
		assert.Equal(t, media.KindMux, media.KindOf(err))
		assert.Equal(t, "write trailer", media.StageOf(err))
		assert.Len(t, b.Observed().Written, fixtureEncodedFrames, "every flush ran before the trailer")
	})
}

func TestSession_Canceled(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	s := newSession(b, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx, "in.wav")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, media.KindCanceled, media.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_Reusable(t *testing.T) {
	b := mediatest.NewBackend(map[string]*mediatest.File{"in.wav": monoFixture()})
	s := newSession(b, Options{})

	first, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)
	second, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestResult_BitRate(t *testing.T) {
	r := &Result{Data: make([]byte, 16000), Duration: 2 * time.Second}
	assert.Equal(t, int64(64000), r.BitRate())
	assert.Zero(t, (&Result{Data: []byte{1}}).BitRate())
}
