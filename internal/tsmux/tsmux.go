// Package tsmux writes the transcoded audio stream as MPEG-TS using mediacommon.
package tsmux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/tvcast/internal/media"
)

// Container is the container name served by this muxer.
const Container = "mpegts"

// PID of the audio elementary stream.
const audioPID = 0x0101

// TimeBase is the MPEG-TS clock every packet is written in.
var TimeBase = media.NewRational(1, 90000)

// Config configures a Muxer.
type Config struct {
	Logger *slog.Logger
}

// Muxer implements media.Muxer for a single audio track.
type Muxer struct {
	w      io.Writer
	logger *slog.Logger

	writer *mpegts.Writer
	track  *mpegts.Track
	codec  string

	header  bool
	trailer bool
	written int
}

// New creates a muxer writing MPEG-TS packets to w.
func New(w io.Writer, config Config) *Muxer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Muxer{
		w:      w,
		logger: config.Logger.With(slog.String("component", "tsmux")),
	}
}

// RequiresGlobalHeader is always true: AAC tracks are described by the
// encoder's AudioSpecificConfig.
func (m *Muxer) RequiresGlobalHeader() bool { return true }

// AddStream declares the audio track. Only one stream is supported.
func (m *Muxer) AddStream(enc media.Encoder) (int, error) {
	if m.header {
		return 0, errors.New("stream added after header")
	}
	if m.track != nil {
		return 0, errors.New("mpegts muxer supports a single audio stream")
	}

	params := enc.Params()
	codec, err := createAudioCodec(params, enc.ExtraData())
	if err != nil {
		return 0, err
	}
	m.track = &mpegts.Track{
		PID:   audioPID,
		Codec: codec,
	}
	m.codec = params.CodecName
	return 0, nil
}

// createAudioCodec maps encoder parameters onto a mediacommon codec.
func createAudioCodec(params media.StreamParameters, extraData []byte) (mpegts.Codec, error) {
	channels := params.ChannelLayout.Channels()
	switch params.CodecName {
	case "aac":
		config, err := aacConfig(params, extraData)
		if err != nil {
			return nil, err
		}
		return &mpegts.CodecMPEG4Audio{Config: *config}, nil
	case "mp2", "mp3":
		return &mpegts.CodecMPEG1Audio{}, nil
	case "opus":
		return &mpegts.CodecOpus{ChannelCount: channels}, nil
	case "ac3":
		return &mpegts.CodecAC3{SampleRate: params.SampleRate, ChannelCount: channels}, nil
	default:
		return nil, fmt.Errorf("codec %q cannot be carried in mpegts", params.CodecName)
	}
}

// aacConfig parses the encoder global header, or derives an AAC-LC config
// from the stream parameters when the encoder produced none.
func aacConfig(params media.StreamParameters, extraData []byte) (*mpeg4audio.AudioSpecificConfig, error) {
	if len(extraData) == 0 {
		return &mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   params.SampleRate,
			ChannelCount: params.ChannelLayout.Channels(),
		}, nil
	}
	config := &mpeg4audio.AudioSpecificConfig{}
	if err := config.Unmarshal(extraData); err != nil {
		return nil, fmt.Errorf("parsing AAC config: %w", err)
	}
	return config, nil
}

// SetMetadata is accepted and dropped: MPEG-TS carries no container tags.
func (m *Muxer) SetMetadata(md map[string]string) {
	if len(md) > 0 {
		m.logger.Debug("mpegts output drops container metadata", slog.Int("tags", len(md)))
	}
}

// WriteHeader initializes the mediacommon writer.
func (m *Muxer) WriteHeader() error {
	if m.track == nil {
		return errors.New("no streams declared")
	}
	m.writer = &mpegts.Writer{
		W:      m.w,
		Tracks: []*mpegts.Track{m.track},
	}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.header = true
	m.logger.Debug("MPEG-TS muxer initialized", slog.String("audio_codec", m.codec))
	return nil
}

// StreamTimeBase is always the 90 kHz MPEG-TS clock.
func (m *Muxer) StreamTimeBase(index int) (media.Rational, error) {
	if !m.header {
		return media.Rational{}, errors.New("header not written")
	}
	if index != 0 {
		return media.Rational{}, fmt.Errorf("stream %d out of range", index)
	}
	return TimeBase, nil
}

// WritePacket writes one encoded access unit as a PES packet.
func (m *Muxer) WritePacket(pkt *media.Packet) error {
	if !m.header || m.trailer {
		return errors.New("packet written outside header and trailer")
	}
	if pkt.StreamIndex != 0 {
		return fmt.Errorf("packet for undeclared stream %d", pkt.StreamIndex)
	}
	if pkt.TimeBase != TimeBase {
		return fmt.Errorf("packet time base %s, mpegts expects %s", pkt.TimeBase, TimeBase)
	}
	if pkt.PTS == media.NoPTS {
		return errors.New("packet without pts")
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	if err := m.writeAudioByCodecType(pkt.PTS, pkt.Data); err != nil {
		return err
	}
	m.written++
	return nil
}

// writeAudioByCodecType dispatches audio writes based on the track's codec type.
func (m *Muxer) writeAudioByCodecType(pts int64, data []byte) error {
	switch m.track.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		return m.writer.WriteMPEG4Audio(m.track, pts, aacAccessUnits(data))
	case *mpegts.CodecAC3:
		return m.writer.WriteAC3(m.track, pts, data)
	case *mpegts.CodecMPEG1Audio:
		return m.writer.WriteMPEG1Audio(m.track, pts, [][]byte{data})
	case *mpegts.CodecOpus:
		return m.writer.WriteOpus(m.track, pts, [][]byte{data})
	default:
		return fmt.Errorf("unsupported track codec %T", m.track.Codec)
	}
}

// aacAccessUnits strips ADTS framing when present; mediacommon expects raw
// access units.
func aacAccessUnits(data []byte) [][]byte {
	if len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0 {
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(data); err == nil {
			aus := make([][]byte, 0, len(pkts))
			for _, p := range pkts {
				aus = append(aus, p.AU)
			}
			return aus
		}
	}
	return [][]byte{data}
}

// WriteTrailer ends the stream. MPEG-TS has no trailer; packets after this
// are rejected.
func (m *Muxer) WriteTrailer() error {
	if !m.header {
		return errors.New("trailer written before header")
	}
	m.trailer = true
	m.logger.Debug("MPEG-TS muxer finished", slog.Int("packets", m.written))
	return nil
}

// Close releases nothing; the writer owns no native resources.
func (m *Muxer) Close() error { return nil }

// Backend wraps another backend and serves MPEG-TS output with Muxer.
type Backend struct {
	media.Backend
	logger *slog.Logger
}

// NewBackend wraps inner so that OpenMuxer produces mediacommon muxers.
func NewBackend(inner media.Backend, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{Backend: inner, logger: logger}
}

// Name implements media.Backend.
func (b *Backend) Name() string { return b.Backend.Name() + "+mediacommon" }

// OpenMuxer implements media.Backend.
func (b *Backend) OpenMuxer(w io.Writer, container string) (media.Muxer, error) {
	if container != Container {
		return nil, fmt.Errorf("mediacommon muxer only writes %s, not %q", Container, container)
	}
	return New(w, Config{Logger: b.logger}), nil
}
