//go:build libav

package libav

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/jmylchreest/tvcast/internal/media"
)

type filterGraph struct {
	g       *astiav.FilterGraph
	closer  *astikit.Closer
	src     *astiav.BuffersrcFilterContext
	sink    *astiav.BuffersinkFilterContext
	out     media.StreamParameters
	flushed bool
}

// NewFilterGraph implements media.Backend. The graph is parsed, linked and
// configured before it is returned, and the negotiated sink format is checked
// against the encoder's.
func (b *Backend) NewFilterGraph(cfg media.FilterConfig) (media.FilterGraph, error) {
	c := astikit.NewCloser()
	fg := &filterGraph{closer: c, out: cfg.Output}
	if err := fg.build(cfg); err != nil {
		c.Close()
		return nil, err
	}
	return fg, nil
}

func (fg *filterGraph) build(cfg media.FilterConfig) error {
	if fg.g = astiav.AllocFilterGraph(); fg.g == nil {
		return errors.New("filter graph is nil")
	}
	fg.closer.Add(fg.g.Free)

	buffersrc := astiav.FindFilterByName("abuffer")
	buffersink := astiav.FindFilterByName("abuffersink")
	if buffersrc == nil || buffersink == nil {
		return errors.New("abuffer filters are unavailable")
	}

	var err error
	if fg.src, err = fg.g.NewBuffersrcFilterContext(buffersrc, "in"); err != nil {
		return fmt.Errorf("creating buffersrc: %w", err)
	}
	if err := initSource(fg.src, cfg.Input); err != nil {
		return fmt.Errorf("initializing buffersrc: %w", err)
	}
	if fg.sink, err = fg.g.NewBuffersinkFilterContext(buffersink, "out"); err != nil {
		return fmt.Errorf("creating buffersink: %w", err)
	}

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(fg.src.FilterContext())
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(fg.sink.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	if err := fg.g.Parse(cfg.Chain, inputs, outputs); err != nil {
		return fmt.Errorf("parsing %q: %w", cfg.Chain, err)
	}
	if err := fg.g.Configure(); err != nil {
		return fmt.Errorf("configuring %q: %w", cfg.Chain, err)
	}

	out := cfg.Output
	if rate := fg.sink.SampleRate(); out.SampleRate > 0 && rate != out.SampleRate {
		return fmt.Errorf("graph produces %d Hz, encoder expects %d Hz", rate, out.SampleRate)
	}
	if format := toSampleFormat(fg.sink.SampleFormat()); out.SampleFormat != media.SampleFormatNone && format != out.SampleFormat {
		return fmt.Errorf("graph produces %s, encoder expects %s", format, out.SampleFormat)
	}
	return nil
}

// initSource declares the decoder's format on the graph source. The layout
// goes in as the full speaker mask so wide sources keep every channel.
func initSource(src *astiav.BuffersrcFilterContext, in media.StreamParameters) error {
	if in.ChannelLayout == media.ChannelLayoutUnspecified {
		return errors.New("decoder reports no channel layout")
	}

	p := astiav.AllocBuffersrcFilterContextParameters()
	defer p.Free()
	p.SetSampleFormat(fromSampleFormat(in.SampleFormat))
	p.SetSampleRate(in.SampleRate)
	p.SetTimeBase(fromRational(in.TimeBase))
	if err := src.SetParameters(p); err != nil {
		return err
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	if err := opts.Set("channel_layout", channelLayoutOption(in.ChannelLayout), astiav.NewDictionaryFlags()); err != nil {
		return err
	}
	return src.Initialize(opts)
}

func (fg *filterGraph) Push(f *media.Frame) error {
	if fg.flushed {
		return media.ErrTerminal
	}
	nf, err := nativeFrame(f)
	if err != nil {
		return err
	}
	if err := fg.src.AddFrame(nf, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return media.ErrSaturated
		}
		return fmt.Errorf("adding frame: %w", err)
	}
	return nil
}

func (fg *filterGraph) Pull() (*media.Frame, error) {
	f := astiav.AllocFrame()
	if f == nil {
		return nil, errors.New("allocating frame failed")
	}
	if err := fg.sink.GetFrame(f, astiav.NewBuffersinkFlags()); err != nil {
		f.Free()
		return nil, stageError(err)
	}
	return &media.Frame{
		PTS:           f.Pts(),
		TimeBase:      toRational(fg.sink.TimeBase()),
		Samples:       f.NbSamples(),
		SampleRate:    f.SampleRate(),
		SampleFormat:  toSampleFormat(f.SampleFormat()),
		ChannelLayout: toChannelLayout(f.ChannelLayout()),
		Payload:       &framePayload{f: f},
	}, nil
}

func (fg *filterGraph) FlushSource() error {
	if fg.flushed {
		return media.ErrTerminal
	}
	fg.flushed = true
	if err := fg.src.AddFrame(nil, astiav.NewBuffersrcFlags()); err != nil {
		return fmt.Errorf("closing buffersrc: %w", err)
	}
	return nil
}

func (fg *filterGraph) Close() error {
	return fg.closer.Close()
}
