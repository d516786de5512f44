package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"

	"github.com/jmylchreest/tvcast/internal/buffer"
	"github.com/jmylchreest/tvcast/internal/media"
)

// Ownership records how the finished buffer left the session.
type Ownership string

const (
	// OwnershipMoved means the buffer was taken without a copy.
	OwnershipMoved Ownership = "moved"
	// OwnershipCopied means other handles were alive and the bytes were copied.
	OwnershipCopied Ownership = "copied"
)

// Result describes a finished transcode.
type Result struct {
	RunID     string
	Data      []byte
	Ownership Ownership

	Input          media.StreamInfo
	Output         media.StreamParameters
	OutputTimeBase media.Rational
	Container      string

	PacketsRead        int
	FramesDecoded      int
	FramesEncoded      int
	PacketsWritten     int
	SkippedRead        int
	SkippedDecode      int
	SkippedEncode      int
	TimestampsAdjusted int

	// Duration is the playback length of the muxed output.
	Duration time.Duration
	Elapsed  time.Duration
}

// Skipped returns the number of units dropped under the lenient policy.
func (r *Result) Skipped() int {
	return r.SkippedRead + r.SkippedDecode + r.SkippedEncode
}

// BitRate returns the average output bitrate in bits per second, or zero
// when the duration is unknown.
func (r *Result) BitRate() int64 {
	if r.Duration <= 0 {
		return 0
	}
	return int64(float64(len(r.Data)*8) / r.Duration.Seconds())
}

// Session transcodes audio files with one backend and one set of options.
// A Session holds no per-run state and may be reused.
type Session struct {
	backend media.Backend
	opts    Options
	logger  *slog.Logger
}

// New creates a Session.
func New(backend media.Backend, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "transcode"), slog.String("backend", backend.Name())),
	}
}

// Options returns the effective options.
func (s *Session) Options() Options {
	return s.opts
}

// Run transcodes the best audio stream of the file at path into an in-memory
// container. Every codec context is closed before Run returns.
func (s *Session) Run(ctx context.Context, path string) (*Result, error) {
	runID := uuid.NewString()
	logger := s.logger.With(slog.String("transcode_id", runID), slog.String("input", path))
	start := time.Now()

	closer := astikit.NewCloser()
	defer closer.Close()

	r := &run{
		s:       s,
		ctx:     ctx,
		logger:  logger,
		lastPTS: media.NoPTS,
		lastDTS: media.NoPTS,
		first:   media.NoPTS,
		end:     media.NoPTS,
		res:     &Result{RunID: runID, Container: s.opts.Container},
	}

	sink := buffer.New()
	defer sink.Release()

	if err := r.setup(path, sink, closer); err != nil {
		logger.Error("transcode setup failed",
			slog.String("kind", string(media.KindOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}

	if err := r.loop(); err != nil {
		logger.Error("transcode failed",
			slog.String("kind", string(media.KindOf(err))),
			slog.Int("packets_written", r.res.PacketsWritten),
			slog.String("error", err.Error()))
		return nil, err
	}

	if err := r.flush(); err != nil {
		logger.Error("transcode flush failed",
			slog.String("kind", string(media.KindOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}

	// Stages hold the muxer's buffer handle until they are closed.
	if err := closer.Close(); err != nil {
		logger.Warn("closing transcode stages", slog.String("error", err.Error()))
	}
	sink.Finalize()

	res := r.res
	if data, ok := sink.TryTakeExclusive(); ok {
		res.Data = data
		res.Ownership = OwnershipMoved
	} else {
		res.Data = sink.CloneContents()
		res.Ownership = OwnershipCopied
	}
	if r.first != media.NoPTS && r.end != media.NoPTS {
		res.Duration = time.Duration(media.Rescale(r.end-r.first, r.outTB, media.NewRational(1, int(time.Second))))
	}
	res.Elapsed = time.Since(start)

	logger.Info("transcode complete",
		slog.String("container", res.Container),
		slog.String("codec", res.Output.CodecName),
		slog.Int("sample_rate", res.Output.SampleRate),
		slog.String("channel_layout", res.Output.ChannelLayout.String()),
		slog.Int("bytes", len(res.Data)),
		slog.String("ownership", string(res.Ownership)),
		slog.Int("packets_written", res.PacketsWritten),
		slog.Int("skipped", res.Skipped()),
		slog.Duration("duration", res.Duration),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// run is the state of one Session.Run.
type run struct {
	s      *Session
	ctx    context.Context
	logger *slog.Logger

	src   media.Source
	dec   media.Decoder
	graph media.FilterGraph
	enc   media.Encoder
	mux   media.Muxer

	streamIndex int
	outIndex    int
	decTB       media.Rational
	encTB       media.Rational
	outTB       media.Rational

	lastPTS int64
	lastDTS int64
	first   int64
	end     int64

	// readErrors counts consecutive failed reads.
	readErrors int

	res *Result
}

func (r *run) setup(path string, sink *buffer.Handle, closer *astikit.Closer) error {
	opts := r.s.opts

	src, err := r.s.backend.OpenSource(r.ctx, path)
	if err != nil {
		if r.ctx.Err() != nil {
			return media.NewError(media.KindCanceled, "open input", err)
		}
		return media.NewError(media.KindOpenInput, "open input", err)
	}
	r.src = src
	closer.Add(r.closeFunc("source", src.Close))

	stream, err := src.BestAudioStream()
	if err != nil {
		return media.NewError(media.KindNoAudioStream, "select stream", err)
	}
	r.streamIndex = stream.Index
	r.res.Input = stream
	r.logger.Debug("selected audio stream",
		slog.Int("stream_index", stream.Index),
		slog.String("codec", stream.CodecName),
		slog.Int("sample_rate", stream.SampleRate),
		slog.Int("channels", stream.Channels),
		slog.String("time_base", stream.TimeBase.String()))

	dec, err := src.NewDecoder(stream.Index)
	if err != nil {
		return media.NewError(media.KindDecoderInit, "open decoder", err)
	}
	r.dec = dec
	r.decTB = dec.Params().TimeBase
	closer.Add(r.closeFunc("decoder", dec.Close))

	muxSink := sink.Clone()
	closer.Add(muxSink.Release)
	mux, err := r.s.backend.OpenMuxer(muxSink, opts.Container)
	if err != nil {
		return media.NewError(media.KindMux, "open muxer", err)
	}
	r.mux = mux
	closer.Add(r.closeFunc("muxer", mux.Close))

	info, err := r.s.backend.FindEncoder(opts.Codec, opts.EncoderName)
	if err != nil {
		return media.NewError(media.KindEncoderInit, "find encoder", err)
	}
	cfg, err := NegotiateEncoder(dec.Params(), info, opts, mux.RequiresGlobalHeader())
	if err != nil {
		return media.NewError(media.KindEncoderInit, "negotiate encoder", err)
	}
	enc, err := r.s.backend.OpenEncoder(cfg)
	if err != nil {
		return media.NewError(media.KindEncoderInit, "open encoder", err)
	}
	r.enc = enc
	r.encTB = enc.Params().TimeBase
	r.res.Output = enc.Params()
	closer.Add(r.closeFunc("encoder", enc.Close))

	r.outIndex, err = mux.AddStream(enc)
	if err != nil {
		return media.NewError(media.KindMux, "declare stream", err)
	}

	chain := BuildFilterChain(opts.Filter, enc.Params())
	graph, err := r.s.backend.NewFilterGraph(media.FilterConfig{
		Chain:  chain,
		Input:  dec.Params(),
		Output: enc.Params(),
	})
	if err != nil {
		return media.NewError(media.KindFilterGraph, "build filter graph", err)
	}
	r.graph = graph
	closer.Add(r.closeFunc("filter", graph.Close))

	md := maps.Clone(src.Metadata())
	if md == nil {
		md = make(map[string]string, len(opts.Metadata))
	}
	maps.Copy(md, opts.Metadata)
	mux.SetMetadata(md)

	if err := mux.WriteHeader(); err != nil {
		return media.NewError(media.KindMux, "write header", err)
	}
	r.outTB, err = mux.StreamTimeBase(r.outIndex)
	if err != nil {
		return media.NewError(media.KindMux, "write header", err)
	}
	r.res.OutputTimeBase = r.outTB

	r.logger.Info("transcode started",
		slog.String("container", opts.Container),
		slog.String("encoder", info.Name),
		slog.String("filter", chain),
		slog.String("policy", string(opts.Policy)),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("sample_format", string(cfg.SampleFormat)),
		slog.String("channel_layout", cfg.ChannelLayout.String()),
		slog.Int64("bit_rate", cfg.BitRate),
		slog.Bool("global_header", cfg.GlobalHeader),
		slog.String("output_time_base", r.outTB.String()))
	return nil
}

func (r *run) closeFunc(name string, fn func() error) astikit.CloseFunc {
	return func() {
		if err := fn(); err != nil {
			r.logger.Warn("close failed", slog.String("stage", name), slog.String("error", err.Error()))
		}
	}
}

func (r *run) loop() error {
	for {
		if err := r.ctx.Err(); err != nil {
			return media.NewError(media.KindCanceled, "read packet", err)
		}
		pkt, err := r.src.ReadPacket(r.ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if r.ctx.Err() != nil {
				return media.NewError(media.KindCanceled, "read packet", err)
			}
			if err := r.readFailure(err); err != nil {
				return err
			}
			continue
		}
		r.readErrors = 0
		if pkt.StreamIndex != r.streamIndex {
			pkt.Release()
			continue
		}
		r.res.PacketsRead++
		if err := r.decodePacket(pkt); err != nil {
			return err
		}
	}
}

// flush drains every stage in pipeline order and writes the trailer.
func (r *run) flush() error {
	if err := r.dec.Flush(); err != nil {
		if err := r.codecFailure(media.KindDecode, "flush decoder", err); err != nil {
			return err
		}
	}
	if err := r.drainDecoder(); err != nil {
		return err
	}

	if err := r.graph.FlushSource(); err != nil {
		return media.NewError(media.KindFilterGraph, "flush filter graph", err)
	}
	if err := r.drainGraph(); err != nil {
		return err
	}

	if err := r.enc.Flush(); err != nil {
		if err := r.codecFailure(media.KindEncode, "flush encoder", err); err != nil {
			return err
		}
	}
	if err := r.drainEncoder(); err != nil {
		return err
	}

	if err := r.mux.WriteTrailer(); err != nil {
		return media.NewError(media.KindMux, "write trailer", err)
	}
	return nil
}

// readFailure applies the error policy to a demux read error. Lenient runs
// skip the read until MaxReadErrors reads in a row have failed.
func (r *run) readFailure(err error) error {
	r.readErrors++
	if r.s.opts.Policy == PolicyStrict || r.readErrors > r.s.opts.MaxReadErrors {
		return media.NewError(media.KindDecode, "read packet", err)
	}
	r.res.SkippedRead++
	r.logger.Warn("skipping unreadable packet",
		slog.Int("consecutive", r.readErrors),
		slog.String("error", err.Error()))
	return nil
}

// codecFailure applies the error policy to a decode or encode failure.
func (r *run) codecFailure(kind media.Kind, stage string, err error) error {
	if r.s.opts.Policy == PolicyStrict {
		return media.NewError(kind, stage, err)
	}
	switch kind {
	case media.KindDecode:
		r.res.SkippedDecode++
	case media.KindEncode:
		r.res.SkippedEncode++
	}
	r.logger.Warn("skipping unit after codec failure",
		slog.String("stage", stage),
		slog.String("error", err.Error()))
	return nil
}

func (r *run) decodePacket(pkt *media.Packet) error {
	pkt.Rescale(r.decTB)
	err := r.dec.SendPacket(pkt)
	pkt.Release()
	if err != nil {
		if err := r.codecFailure(media.KindDecode, "decode", err); err != nil {
			return err
		}
	}
	return r.drainDecoder()
}

func (r *run) drainDecoder() error {
	for {
		f, err := r.dec.ReceiveFrame()
		if errors.Is(err, media.ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return r.codecFailure(media.KindDecode, "decode", err)
		}
		r.res.FramesDecoded++
		if err := r.filterFrame(f); err != nil {
			return err
		}
	}
}

func (r *run) filterFrame(f *media.Frame) error {
	defer f.Release()
	for {
		err := r.graph.Push(f)
		if err == nil {
			break
		}
		if !errors.Is(err, media.ErrSaturated) {
			return media.NewError(media.KindFilterGraph, "filter", err)
		}
		n, err := r.pullGraph()
		if err != nil {
			return err
		}
		if n == 0 {
			return media.NewError(media.KindFilterGraph, "filter", media.ErrSaturated)
		}
	}
	return r.drainGraph()
}

func (r *run) drainGraph() error {
	_, err := r.pullGraph()
	return err
}

// pullGraph encodes every frame the graph has ready and reports how many
// there were.
func (r *run) pullGraph() (int, error) {
	n := 0
	for {
		f, err := r.graph.Pull()
		if errors.Is(err, media.ErrAgain) || errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, media.NewError(media.KindFilterGraph, "filter", err)
		}
		n++
		if err := r.encodeFrame(f); err != nil {
			return n, err
		}
	}
}

func (r *run) encodeFrame(f *media.Frame) error {
	f.Rescale(r.encTB)
	err := r.enc.SendFrame(f)
	f.Release()
	if err != nil {
		if err := r.codecFailure(media.KindEncode, "encode", err); err != nil {
			return err
		}
	} else {
		r.res.FramesEncoded++
	}
	return r.drainEncoder()
}

func (r *run) drainEncoder() error {
	for {
		pkt, err := r.enc.ReceivePacket()
		if errors.Is(err, media.ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return r.codecFailure(media.KindEncode, "encode", err)
		}
		if err := r.writePacket(pkt); err != nil {
			return err
		}
	}
}

func (r *run) writePacket(pkt *media.Packet) error {
	defer pkt.Release()

	pkt.StreamIndex = r.outIndex
	pkt.Rescale(r.outTB)
	r.enforceMonotonic(pkt)

	if err := r.mux.WritePacket(pkt); err != nil {
		return media.NewError(media.KindMux, "write packet", err)
	}
	r.res.PacketsWritten++

	if pkt.PTS != media.NoPTS {
		if r.first == media.NoPTS {
			r.first = pkt.PTS
		}
		if end := pkt.PTS + max(pkt.Duration, 0); r.end == media.NoPTS || end > r.end {
			r.end = end
		}
	}
	return nil
}

// enforceMonotonic keeps PTS and DTS non-decreasing on the output stream and
// PTS no earlier than DTS.
func (r *run) enforceMonotonic(pkt *media.Packet) {
	adjusted := false
	if pkt.DTS != media.NoPTS && r.lastDTS != media.NoPTS && pkt.DTS < r.lastDTS {
		pkt.DTS = r.lastDTS
		adjusted = true
	}
	if pkt.PTS != media.NoPTS && r.lastPTS != media.NoPTS && pkt.PTS < r.lastPTS {
		pkt.PTS = r.lastPTS
		adjusted = true
	}
	if pkt.PTS != media.NoPTS && pkt.DTS != media.NoPTS && pkt.PTS < pkt.DTS {
		pkt.PTS = pkt.DTS
		adjusted = true
	}
	if adjusted {
		r.res.TimestampsAdjusted++
		r.logger.Debug("adjusted non-monotonic timestamps",
			slog.Int64("pts", pkt.PTS),
			slog.Int64("dts", pkt.DTS),
			slog.String("time_base", pkt.TimeBase.String()))
	}
	if pkt.PTS != media.NoPTS {
		r.lastPTS = pkt.PTS
	}
	if pkt.DTS != media.NoPTS {
		r.lastDTS = pkt.DTS
	}
}

// String describes the run for diagnostics.
func (r *Result) String() string {
	return fmt.Sprintf("%s %d Hz %s, %d bytes, %s", r.Output.CodecName, r.Output.SampleRate,
		r.Output.ChannelLayout, len(r.Data), r.Duration)
}
