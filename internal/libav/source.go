//go:build libav

package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/jmylchreest/tvcast/internal/media"
)

type source struct {
	b       *Backend
	fc      *astiav.FormatContext
	closer  *astikit.Closer
	streams []media.StreamInfo
}

// OpenSource implements media.Backend.
func (b *Backend) OpenSource(ctx context.Context, path string) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := astikit.NewCloser()
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("input format context is nil")
	}
	c.Add(fc.Free)

	if err := fc.OpenInput(path, nil, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	c.Add(fc.CloseInput)

	if err := fc.FindStreamInfo(nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("finding stream info: %w", err)
	}

	s := &source{b: b, fc: fc, closer: c}
	for _, st := range fc.Streams() {
		cp := st.CodecParameters()
		info := media.StreamInfo{
			Index:     st.Index(),
			MediaType: toMediaType(cp.MediaType()),
			CodecName: cp.CodecID().Name(),
			TimeBase:  toRational(st.TimeBase()),
			BitRate:   cp.BitRate(),
		}
		if info.MediaType == media.MediaTypeAudio {
			info.SampleRate = cp.SampleRate()
			info.Channels = cp.ChannelLayout().Channels()
			info.ChannelLayout = toChannelLayout(cp.ChannelLayout())
			info.SampleFormat = toSampleFormat(cp.SampleFormat())
		}
		s.streams = append(s.streams, info)
	}

	b.logger.Debug("opened input",
		slog.String("path", path),
		slog.Int("streams", len(s.streams)))
	return s, nil
}

func (s *source) Streams() []media.StreamInfo {
	return append([]media.StreamInfo(nil), s.streams...)
}

func (s *source) BestAudioStream() (media.StreamInfo, error) {
	return media.BestAudioStream(s.streams)
}

func (s *source) Metadata() map[string]string {
	return dictionaryMap(s.fc.Metadata())
}

func (s *source) NewDecoder(index int) (media.Decoder, error) {
	if index < 0 || index >= len(s.streams) {
		return nil, fmt.Errorf("stream %d out of range", index)
	}
	st := s.fc.Streams()[index]
	cp := st.CodecParameters()

	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("no decoder for codec %s", cp.CodecID().Name())
	}

	c := astikit.NewCloser()
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("decoder codec context is nil")
	}
	c.Add(cc.Free)

	if err := cp.ToCodecContext(cc); err != nil {
		c.Close()
		return nil, fmt.Errorf("updating decoder context: %w", err)
	}
	if err := cc.Open(codec, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("opening decoder %s: %w", codec.Name(), err)
	}
	cc.SetTimeBase(st.TimeBase())

	bitRate := cc.BitRate()
	if bitRate == 0 {
		bitRate = cp.BitRate()
	}
	return &decoder{
		cc:     cc,
		closer: c,
		next:   media.NoPTS,
		params: media.StreamParameters{
			CodecName:     codec.Name(),
			SampleRate:    cc.SampleRate(),
			ChannelLayout: toChannelLayout(cc.ChannelLayout()),
			SampleFormat:  toSampleFormat(cc.SampleFormat()),
			TimeBase:      toRational(st.TimeBase()),
			BitRate:       bitRate,
		},
	}, nil
}

func (s *source) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := astiav.AllocPacket()
	if p == nil {
		return nil, errors.New("allocating packet failed")
	}
	if err := s.fc.ReadFrame(p); err != nil {
		p.Free()
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame: %w", err)
	}

	var tb media.Rational
	if i := p.StreamIndex(); i >= 0 && i < len(s.streams) {
		tb = s.streams[i].TimeBase
	}
	return &media.Packet{
		StreamIndex: p.StreamIndex(),
		PTS:         p.Pts(),
		DTS:         p.Dts(),
		Duration:    p.Duration(),
		TimeBase:    tb,
		Data:        p.Data(),
		Payload:     &packetPayload{p: p},
	}, nil
}

func (s *source) Close() error {
	return s.closer.Close()
}

type decoder struct {
	cc      *astiav.CodecContext
	closer  *astikit.Closer
	params  media.StreamParameters
	next    int64
	flushed bool
}

func (d *decoder) Params() media.StreamParameters { return d.params }

func (d *decoder) SendPacket(pkt *media.Packet) error {
	if d.flushed {
		return media.ErrTerminal
	}
	p, release, err := nativePacket(pkt)
	if err != nil {
		return err
	}
	defer release()
	return stageError(d.cc.SendPacket(p))
}

func (d *decoder) ReceiveFrame() (*media.Frame, error) {
	f := astiav.AllocFrame()
	if f == nil {
		return nil, errors.New("allocating frame failed")
	}
	if err := d.cc.ReceiveFrame(f); err != nil {
		f.Free()
		return nil, stageError(err)
	}

	// Some demuxers leave audio timestamps unset; continue from the last frame.
	pts := f.Pts()
	if pts == media.NoPTS {
		pts = max(d.next, 0)
		f.SetPts(pts)
	}
	if f.SampleRate() > 0 {
		d.next = pts + media.Rescale(int64(f.NbSamples()), media.NewRational(1, f.SampleRate()), d.params.TimeBase)
	}

	return &media.Frame{
		PTS:           pts,
		TimeBase:      d.params.TimeBase,
		Samples:       f.NbSamples(),
		SampleRate:    f.SampleRate(),
		SampleFormat:  toSampleFormat(f.SampleFormat()),
		ChannelLayout: toChannelLayout(f.ChannelLayout()),
		Payload:       &framePayload{f: f},
	}, nil
}

func (d *decoder) Flush() error {
	if d.flushed {
		return nil
	}
	d.flushed = true
	return stageError(d.cc.SendPacket(nil))
}

func (d *decoder) Close() error {
	return d.closer.Close()
}
