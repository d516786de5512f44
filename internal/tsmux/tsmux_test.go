package tsmux

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/media/mediatest"
	"github.com/jmylchreest/tvcast/internal/transcode"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubEncoder only describes a stream; it is never fed.
type stubEncoder struct {
	params    media.StreamParameters
	extraData []byte
}

func (e *stubEncoder) Params() media.StreamParameters        { return e.params }
func (e *stubEncoder) Info() media.CodecInfo                 { return media.CodecInfo{Codec: e.params.CodecName} }
func (e *stubEncoder) ExtraData() []byte                     { return e.extraData }
func (e *stubEncoder) SendFrame(*media.Frame) error          { return nil }
func (e *stubEncoder) ReceivePacket() (*media.Packet, error) { return nil, media.ErrAgain }
func (e *stubEncoder) Flush() error                          { return nil }
func (e *stubEncoder) Close() error                          { return nil }

func aacEncoder(t *testing.T) *stubEncoder {
	t.Helper()
	asc := &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
	extra, err := asc.Marshal()
	require.NoError(t, err)
	return &stubEncoder{
		params: media.StreamParameters{
			CodecName:     "aac",
			SampleRate:    48000,
			ChannelLayout: media.ChannelLayoutStereo,
			TimeBase:      media.NewRational(1, 48000),
			FrameSize:     1024,
		},
		extraData: extra,
	}
}

// pesPacket is one demuxed audio PES.
type pesPacket struct {
	pts  int64
	data []byte
}

func demuxAudio(t *testing.T, data []byte) (streamType astits.StreamType, pes []pesPacket) {
	t.Helper()
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		require.NoError(t, err)

		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				if es.ElementaryPID == audioPID {
					streamType = es.StreamType
				}
			}
		}
		if d.PES != nil && d.PID == audioPID {
			require.NotNil(t, d.PES.Header.OptionalHeader)
			require.NotNil(t, d.PES.Header.OptionalHeader.PTS)
			pes = append(pes, pesPacket{pts: d.PES.Header.OptionalHeader.PTS.Base, data: d.PES.Data})
		}
	}
	return streamType, pes
}

func TestMuxer_AAC(t *testing.T) {
	var out bytes.Buffer
	m := New(&out, Config{Logger: testLogger()})
	require.True(t, m.RequiresGlobalHeader())

	idx, err := m.AddStream(aacEncoder(t))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	_, err = m.StreamTimeBase(0)
	assert.Error(t, err, "time base is only final after the header")

	m.SetMetadata(map[string]string{"title": "ignored"})
	require.NoError(t, m.WriteHeader())

	tb, err := m.StreamTimeBase(0)
	require.NoError(t, err)
	assert.Equal(t, media.NewRational(1, 90000), tb)

	// 1024 samples at 48 kHz is 1920 ticks of the 90 kHz clock.
	const frames = 20
	for i := range frames {
		pts := int64(i) * 1920
		require.NoError(t, m.WritePacket(&media.Packet{
			StreamIndex: 0,
			PTS:         pts,
			DTS:         pts,
			TimeBase:    tb,
			Data:        bytes.Repeat([]byte{byte(i + 1)}, 64),
		}))
	}
	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())

	assert.Zero(t, out.Len()%188, "output is whole transport packets")

	st, pes := demuxAudio(t, out.Bytes())
	assert.Equal(t, astits.StreamTypeAACAudio, st)
	require.Len(t, pes, frames)
	for i := 1; i < len(pes); i++ {
		assert.Greater(t, pes[i].pts, pes[i-1].pts, "pes %d", i)
		assert.Equal(t, int64(1920), pes[i].pts-pes[i-1].pts)
	}
}

func TestMuxer_AACFromParameters(t *testing.T) {
	enc := aacEncoder(t)
	enc.extraData = nil

	var out bytes.Buffer
	m := New(&out, Config{Logger: testLogger()})
	_, err := m.AddStream(enc)
	require.NoError(t, err)

	codec, ok := m.track.Codec.(*mpegts.CodecMPEG4Audio)
	require.True(t, ok)
	assert.Equal(t, 48000, codec.Config.SampleRate)
	assert.Equal(t, 2, codec.Config.ChannelCount)
}

func TestMuxer_Rejects(t *testing.T) {
	t.Run("unsupported codec", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(&stubEncoder{params: media.StreamParameters{CodecName: "vorbis"}})
		assert.Error(t, err)
	})

	t.Run("invalid aac config", func(t *testing.T) {
		enc := aacEncoder(t)
		enc.extraData = []byte{0xff}
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(enc)
		assert.Error(t, err)
	})

	t.Run("second stream", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(aacEncoder(t))
		require.NoError(t, err)
		_, err = m.AddStream(aacEncoder(t))
		assert.Error(t, err)
	})

	t.Run("header without stream", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		assert.Error(t, m.WriteHeader())
	})

	t.Run("packet before header", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(aacEncoder(t))
		require.NoError(t, err)
		assert.Error(t, m.WritePacket(&media.Packet{PTS: 0, TimeBase: TimeBase, Data: []byte{1}}))
	})

	t.Run("packet in wrong time base", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(aacEncoder(t))
		require.NoError(t, err)
		require.NoError(t, m.WriteHeader())
		assert.Error(t, m.WritePacket(&media.Packet{PTS: 0, TimeBase: media.NewRational(1, 48000), Data: []byte{1}}))
		assert.Error(t, m.WritePacket(&media.Packet{PTS: media.NoPTS, TimeBase: TimeBase, Data: []byte{1}}))
	})

	t.Run("packet after trailer", func(t *testing.T) {
		m := New(&bytes.Buffer{}, Config{})
		_, err := m.AddStream(aacEncoder(t))
		require.NoError(t, err)
		require.NoError(t, m.WriteHeader())
		require.NoError(t, m.WriteTrailer())
		assert.Error(t, m.WritePacket(&media.Packet{PTS: 0, TimeBase: TimeBase, Data: []byte{1}}))
	})
}

func TestBackend_OpenMuxer(t *testing.T) {
	b := NewBackend(mediatest.NewBackend(nil), testLogger())
	assert.Equal(t, "fake+mediacommon", b.Name())

	_, err := b.OpenMuxer(&bytes.Buffer{}, "ogg")
	assert.Error(t, err)

	m, err := b.OpenMuxer(&bytes.Buffer{}, Container)
	require.NoError(t, err)
	assert.IsType(t, &Muxer{}, m)
}

func TestBackend_TranscodeSession(t *testing.T) {
	fake := mediatest.NewBackend(map[string]*mediatest.File{
		"in.wav": mediatest.NewAudioFile(48000, 2, 96000, 4096, media.Rational{}),
	})
	fake.Encoder = media.CodecInfo{
		Name:          "fake_opus",
		Codec:         "opus",
		SampleFormats: []media.SampleFormat{media.SampleFormatFlt},
		SampleRates:   []int{48000},
	}
	fake.FrameSize = 960
	fake.ReorderOutput = true

	s := transcode.New(NewBackend(fake, testLogger()), transcode.Options{
		Container: Container,
		Codec:     "opus",
		Policy:    transcode.PolicyStrict,
		Logger:    testLogger(),
	})
	res, err := s.Run(context.Background(), "in.wav")
	require.NoError(t, err)

	assert.Equal(t, TimeBase, res.OutputTimeBase)
	assert.True(t, fake.Observed().EncoderConfig.GlobalHeader)

	_, pes := demuxAudio(t, res.Data)
	require.Len(t, pes, res.PacketsWritten)
	for i := 1; i < len(pes); i++ {
		assert.GreaterOrEqual(t, pes[i].pts, pes[i-1].pts, "pes %d", i)
	}
	assert.Positive(t, res.TimestampsAdjusted)
}
