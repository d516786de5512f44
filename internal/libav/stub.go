//go:build !libav

package libav

import (
	"context"
	"io"
	"log/slog"

	"github.com/jmylchreest/tvcast/internal/media"
)

// Available reports whether the FFmpeg backend is compiled in.
const Available = false

// Backend stands in for the FFmpeg backend in builds without the libav tag.
// Every operation fails with media.ErrUnavailable.
type Backend struct{}

// New returns the stub backend.
func New(_ *slog.Logger) (*Backend, error) {
	return &Backend{}, nil
}

// Name implements media.Backend.
func (b *Backend) Name() string { return "libav (unavailable)" }

// OpenSource implements media.Backend.
func (b *Backend) OpenSource(_ context.Context, _ string) (media.Source, error) {
	return nil, media.ErrUnavailable
}

// FindEncoder implements media.Backend.
func (b *Backend) FindEncoder(_, _ string) (media.CodecInfo, error) {
	return media.CodecInfo{}, media.ErrUnavailable
}

// OpenEncoder implements media.Backend.
func (b *Backend) OpenEncoder(_ media.EncoderConfig) (media.Encoder, error) {
	return nil, media.ErrUnavailable
}

// NewFilterGraph implements media.Backend.
func (b *Backend) NewFilterGraph(_ media.FilterConfig) (media.FilterGraph, error) {
	return nil, media.ErrUnavailable
}

// OpenMuxer implements media.Backend.
func (b *Backend) OpenMuxer(_ io.Writer, _ string) (media.Muxer, error) {
	return nil, media.ErrUnavailable
}
