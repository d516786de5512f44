//go:build libav

package libav

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/jmylchreest/tvcast/internal/media"
)

type encoder struct {
	cc      *astiav.CodecContext
	closer  *astikit.Closer
	info    media.CodecInfo
	params  media.StreamParameters
	flushed bool
}

// OpenEncoder implements media.Backend.
func (b *Backend) OpenEncoder(cfg media.EncoderConfig) (media.Encoder, error) {
	codec := astiav.FindEncoderByName(cfg.Codec.Name)
	if codec == nil {
		codec = findEncoder(cfg.Codec.Codec, "")
	}
	if codec == nil {
		return nil, fmt.Errorf("encoder %q not found", cfg.Codec.Name)
	}

	c := astikit.NewCloser()
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("encoder codec context is nil")
	}
	c.Add(cc.Free)

	layout, ok := fromChannelLayout(cfg.ChannelLayout, codec.ChannelLayouts()...)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("channel layout %s has no native equivalent", cfg.ChannelLayout)
	}

	cc.SetSampleRate(cfg.SampleRate)
	cc.SetChannelLayout(layout)
	cc.SetSampleFormat(fromSampleFormat(cfg.SampleFormat))
	cc.SetTimeBase(fromRational(cfg.TimeBase))
	if cfg.BitRate > 0 {
		cc.SetBitRate(cfg.BitRate)
	}
	if cfg.MaxBitRate > 0 {
		cc.SetRateControlMaxRate(cfg.MaxBitRate)
	}
	if cfg.GlobalHeader {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	cc.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	if err := cc.Open(codec, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("opening encoder %s: %w", codec.Name(), err)
	}

	params := media.StreamParameters{
		CodecName:     codec.ID().Name(),
		SampleRate:    cc.SampleRate(),
		ChannelLayout: toChannelLayout(cc.ChannelLayout()),
		SampleFormat:  toSampleFormat(cc.SampleFormat()),
		TimeBase:      toRational(cc.TimeBase()),
		BitRate:       cc.BitRate(),
		MaxBitRate:    cfg.MaxBitRate,
		FrameSize:     cc.FrameSize(),
	}
	info := cfg.Codec
	info.VariableFrameSize = params.FrameSize == 0
	return &encoder{cc: cc, closer: c, info: info, params: params}, nil
}

func (e *encoder) Params() media.StreamParameters { return e.params }

func (e *encoder) Info() media.CodecInfo { return e.info }

func (e *encoder) ExtraData() []byte { return e.cc.ExtraData() }

func (e *encoder) SendFrame(f *media.Frame) error {
	if e.flushed {
		return media.ErrTerminal
	}
	nf, err := nativeFrame(f)
	if err != nil {
		return err
	}
	return stageError(e.cc.SendFrame(nf))
}

func (e *encoder) ReceivePacket() (*media.Packet, error) {
	p := astiav.AllocPacket()
	if p == nil {
		return nil, errors.New("allocating packet failed")
	}
	if err := e.cc.ReceivePacket(p); err != nil {
		p.Free()
		return nil, stageError(err)
	}
	return &media.Packet{
		PTS:      p.Pts(),
		DTS:      p.Dts(),
		Duration: p.Duration(),
		TimeBase: e.params.TimeBase,
		Data:     p.Data(),
		Payload:  &packetPayload{p: p},
	}, nil
}

func (e *encoder) Flush() error {
	if e.flushed {
		return nil
	}
	e.flushed = true
	return stageError(e.cc.SendFrame(nil))
}

func (e *encoder) Close() error {
	return e.closer.Close()
}
