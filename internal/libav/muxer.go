//go:build libav

package libav

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/jmylchreest/tvcast/internal/media"
)

type muxer struct {
	fc     *astiav.FormatContext
	closer *astikit.Closer
	header bool
}

// OpenMuxer implements media.Backend. Serialized bytes go synchronously to w
// through a write-only custom IO context.
func (b *Backend) OpenMuxer(w io.Writer, container string) (media.Muxer, error) {
	c := astikit.NewCloser()
	fc, err := astiav.AllocOutputFormatContext(nil, container, "")
	if err != nil {
		return nil, fmt.Errorf("allocating %s output context: %w", container, err)
	}
	if fc == nil {
		return nil, fmt.Errorf("unknown container format %q", container)
	}
	c.Add(fc.Free)

	ioc, err := astiav.AllocIOContext(ioBufferSize, true, nil, nil, func(p []byte) (int, error) {
		return w.Write(p)
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("allocating io context: %w", err)
	}
	c.Add(ioc.Free)
	fc.SetPb(ioc)

	return &muxer{fc: fc, closer: c}, nil
}

func (m *muxer) RequiresGlobalHeader() bool {
	return m.fc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)
}

func (m *muxer) AddStream(enc media.Encoder) (int, error) {
	e, ok := enc.(*encoder)
	if !ok {
		return 0, errors.New("encoder was not opened by the libav backend")
	}
	if m.header {
		return 0, errors.New("stream added after header")
	}
	s := m.fc.NewStream(nil)
	if s == nil {
		return 0, errors.New("output stream is nil")
	}
	if err := s.CodecParameters().FromCodecContext(e.cc); err != nil {
		return 0, fmt.Errorf("updating codec parameters: %w", err)
	}
	s.SetTimeBase(e.cc.TimeBase())
	return s.Index(), nil
}

func (m *muxer) SetMetadata(md map[string]string) {
	if len(md) == 0 {
		return
	}
	d, err := dictionary(md)
	if err != nil {
		return
	}
	m.fc.SetMetadata(d)
}

func (m *muxer) WriteHeader() error {
	if err := m.fc.WriteHeader(nil); err != nil {
		return err
	}
	m.header = true
	return nil
}

func (m *muxer) StreamTimeBase(index int) (media.Rational, error) {
	if !m.header {
		return media.Rational{}, errors.New("header not written")
	}
	streams := m.fc.Streams()
	if index < 0 || index >= len(streams) {
		return media.Rational{}, fmt.Errorf("stream %d out of range", index)
	}
	return toRational(streams[index].TimeBase()), nil
}

func (m *muxer) WritePacket(pkt *media.Packet) error {
	p, release, err := nativePacket(pkt)
	if err != nil {
		return err
	}
	defer release()
	return m.fc.WriteInterleavedFrame(p)
}

func (m *muxer) WriteTrailer() error {
	return m.fc.WriteTrailer()
}

func (m *muxer) Close() error {
	return m.closer.Close()
}
