//go:build libav

// Package libav implements media.Backend on top of the FFmpeg libraries
// through go-astiav. It is only compiled with the libav build tag.
package libav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/jmylchreest/tvcast/internal/media"
)

// Available reports whether the FFmpeg backend is compiled in.
const Available = true

// ioBufferSize is the size of the muxer's custom IO buffer.
const ioBufferSize = 4096

var logOnce sync.Once

// Backend is the FFmpeg backend.
type Backend struct {
	logger *slog.Logger
}

// New creates the FFmpeg backend. FFmpeg's own log output is routed into
// logger at the matching level.
func New(logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "libav"))

	logOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelWarning)
		astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, _, msg string) {
			attrs := []any{}
			if c != nil {
				if cl := c.Class(); cl != nil {
					attrs = append(attrs, slog.String("class", cl.String()))
				}
			}
			logger.Log(context.Background(), logLevel(l), strings.TrimSpace(msg), attrs...)
		})
	})
	return &Backend{logger: logger}, nil
}

func logLevel(l astiav.LogLevel) slog.Level {
	switch {
	case l <= astiav.LogLevelError:
		return slog.LevelError
	case l <= astiav.LogLevelWarning:
		return slog.LevelWarn
	case l <= astiav.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Name implements media.Backend.
func (b *Backend) Name() string { return "libav" }

// FindEncoder implements media.Backend.
func (b *Backend) FindEncoder(codec, name string) (media.CodecInfo, error) {
	c := findEncoder(codec, name)
	if c == nil {
		if name != "" {
			return media.CodecInfo{}, fmt.Errorf("encoder %q not found", name)
		}
		return media.CodecInfo{}, fmt.Errorf("no encoder for codec %q", codec)
	}

	// Whether the encoder takes frames of any size is only known once it is
	// open, from its frame size; see OpenEncoder.
	info := media.CodecInfo{
		Name:        c.Name(),
		Codec:       c.ID().Name(),
		SampleRates: slices.Clone(encoderSampleRates[c.Name()]),
	}
	for _, sf := range c.SampleFormats() {
		info.SampleFormats = append(info.SampleFormats, toSampleFormat(sf))
	}
	for _, l := range c.ChannelLayouts() {
		info.ChannelLayouts = append(info.ChannelLayouts, toChannelLayout(l))
	}
	return info, nil
}

// framePayload owns a native frame.
type framePayload struct {
	f *astiav.Frame
}

func (p *framePayload) Release() {
	if p.f != nil {
		p.f.Free()
		p.f = nil
	}
}

// packetPayload owns a native packet.
type packetPayload struct {
	p *astiav.Packet
}

func (p *packetPayload) Release() {
	if p.p != nil {
		p.p.Free()
		p.p = nil
	}
}

var errForeignPayload = errors.New("frame or packet was not produced by the libav backend")

func nativeFrame(f *media.Frame) (*astiav.Frame, error) {
	p, ok := f.Payload.(*framePayload)
	if !ok || p.f == nil {
		return nil, errForeignPayload
	}
	p.f.SetPts(f.PTS)
	return p.f, nil
}

// nativePacket returns the packet's native storage with the media timestamps
// applied. Packets produced elsewhere are copied into a fresh native packet.
func nativePacket(pkt *media.Packet) (*astiav.Packet, func(), error) {
	if p, ok := pkt.Payload.(*packetPayload); ok && p.p != nil {
		applyPacket(p.p, pkt)
		return p.p, func() {}, nil
	}
	np := astiav.AllocPacket()
	if np == nil {
		return nil, nil, errors.New("allocating packet failed")
	}
	if err := np.FromData(pkt.Data); err != nil {
		np.Free()
		return nil, nil, fmt.Errorf("copying packet data: %w", err)
	}
	applyPacket(np, pkt)
	return np, np.Free, nil
}

func applyPacket(p *astiav.Packet, pkt *media.Packet) {
	p.SetPts(pkt.PTS)
	p.SetDts(pkt.DTS)
	p.SetDuration(pkt.Duration)
	p.SetStreamIndex(pkt.StreamIndex)
}

func stageError(err error) error {
	switch {
	case errors.Is(err, astiav.ErrEagain):
		return media.ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return io.EOF
	default:
		return err
	}
}
