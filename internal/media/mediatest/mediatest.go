// Package mediatest provides an in-memory media.Backend for exercising the
// transcode pipeline without a codec library.
//
// The fake stages model the buffering of real codecs: the decoder holds one
// packet back, the filter regroups samples into the encoder frame size and
// the encoder keeps a lookahead, so nothing reaches the output unless the
// caller drives the flush sequence. Every stage checks the time base of what
// it receives.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/tvcast/internal/media"
)

// Errors injected by the fake stages.
var (
	ErrInjectedRead   = errors.New("injected read failure")
	ErrInjectedDecode = errors.New("injected decode failure")
	ErrInjectedEncode = errors.New("injected encode failure")
	ErrInjectedWrite  = errors.New("injected write failure")
)

// File is an in-memory container.
type File struct {
	Streams  []media.StreamInfo
	Packets  []media.Packet
	Metadata map[string]string
	// DecoderTimeBase overrides the time base the decoder reports. It
	// defaults to the stream time base.
	DecoderTimeBase media.Rational
}

// NewAudioFile creates a single-stream s16 PCM file of totalSamples samples
// per channel, cut into packets of packetSamples. Packet timestamps use tb,
// or 1/sampleRate when tb is zero.
func NewAudioFile(sampleRate, channels, totalSamples, packetSamples int, tb media.Rational) *File {
	if !tb.Valid() {
		tb = media.NewRational(1, sampleRate)
	}
	f := &File{
		Streams: []media.StreamInfo{{
			Index:         0,
			MediaType:     media.MediaTypeAudio,
			CodecName:     "pcm_s16le",
			TimeBase:      tb,
			SampleRate:    sampleRate,
			Channels:      channels,
			ChannelLayout: media.DefaultChannelLayout(channels),
			SampleFormat:  media.SampleFormatS16,
			BitRate:       int64(sampleRate * channels * 16),
		}},
		Metadata: map[string]string{"title": "fixture"},
	}

	sampleTB := media.NewRational(1, sampleRate)
	for pos := 0; pos < totalSamples; pos += packetSamples {
		n := min(packetSamples, totalSamples-pos)
		pts := media.Rescale(int64(pos), sampleTB, tb)
		f.Packets = append(f.Packets, media.Packet{
			StreamIndex: 0,
			PTS:         pts,
			DTS:         pts,
			Duration:    media.Rescale(int64(n), sampleTB, tb),
			TimeBase:    tb,
			Data:        make([]byte, n*channels*2),
		})
	}
	return f
}

// NewVideoFile creates a file with a single video stream.
func NewVideoFile(packets int) *File {
	f := &File{}
	f.AddVideoStream(packets)
	return f
}

// AddVideoStream appends a video stream whose packets are interleaved with
// the existing ones.
func (f *File) AddVideoStream(packets int) *File {
	tb := media.NewRational(1, 90000)
	idx := len(f.Streams)
	f.Streams = append(f.Streams, media.StreamInfo{
		Index:     idx,
		MediaType: media.MediaTypeVideo,
		CodecName: "h264",
		TimeBase:  tb,
		BitRate:   2_000_000,
	})

	merged := make([]media.Packet, 0, len(f.Packets)+packets)
	for i := 0; i < max(packets, len(f.Packets)); i++ {
		if i < len(f.Packets) {
			merged = append(merged, f.Packets[i])
		}
		if i < packets {
			merged = append(merged, media.Packet{
				StreamIndex: idx,
				PTS:         int64(i) * 3000,
				DTS:         int64(i) * 3000,
				Duration:    3000,
				TimeBase:    tb,
				Data:        []byte{0, 0, 0, 1, 0x65},
			})
		}
	}
	f.Packets = merged
	return f
}

// Tracker counts payloads that have been handed out but not released.
type Tracker struct {
	live atomic.Int64
}

// Live returns the number of unreleased payloads.
func (t *Tracker) Live() int64 {
	return t.live.Load()
}

func (t *Tracker) payload() media.Payload {
	t.live.Add(1)
	return &payload{t: t}
}

type payload struct {
	t    *Tracker
	once sync.Once
}

func (p *payload) Release() {
	p.once.Do(func() { p.t.live.Add(-1) })
}

// Backend is a configurable fake media.Backend.
type Backend struct {
	Files map[string]*File

	// Encoder is returned by FindEncoder. FrameSize is the frame size the
	// opened encoder requires when the codec lacks variable frame size.
	Encoder   media.CodecInfo
	FrameSize int
	// EncoderDelay is the number of frames the encoder holds back.
	EncoderDelay int
	// DecoderDelay is the number of packets the decoder holds back.
	DecoderDelay int

	// GlobalHeader is what the muxer reports from RequiresGlobalHeader.
	GlobalHeader bool
	// MuxTimeBase is the output stream time base chosen when the header is
	// written. It defaults to the encoder time base.
	MuxTimeBase media.Rational

	// Injected failures, keyed by the zero-based call sequence. A failed
	// read does not consume the packet.
	FailRead      map[int]bool
	FailDecode    map[int]bool
	FailEncode    map[int]bool
	FailWriteAt   int
	FailTrailer   bool
	FailFilter    error
	FailEncoder   error
	ReorderOutput bool

	// FilterCapacity is how many output frames the filter holds before Push
	// reports media.ErrSaturated. It defaults to 4.
	FilterCapacity int
	// FilterPullBatch limits how many frames Pull releases after each Push,
	// accepted or not, so output piles up until the graph saturates. Zero
	// releases everything.
	FilterPullBatch int

	Payloads Tracker

	mu       sync.Mutex
	decoders int
	last     Observed
}

// Observed is what the fake stages recorded during a run.
type Observed struct {
	EncoderConfig media.EncoderConfig
	FilterConfig  media.FilterConfig
	Metadata      map[string]string
	Written       []media.Packet
	Closed        []string
	HeaderWritten bool
	TrailerWrites int
	// WrittenAtTrailer is len(Written) when the trailer was written.
	WrittenAtTrailer int
	// FilterSaturations counts pushes rejected with media.ErrSaturated.
	FilterSaturations int
	// TerminalCalls names input calls made to a stage after its flush.
	TerminalCalls []string
}

// NewBackend creates a fake backend serving the given files. The encoder
// defaults to a fixed 1024-sample frame codec accepting fltp.
func NewBackend(files map[string]*File) *Backend {
	return &Backend{
		Files: files,
		Encoder: media.CodecInfo{
			Name:          "fake_vorbis",
			Codec:         "vorbis",
			SampleFormats: []media.SampleFormat{media.SampleFormatFltP},
		},
		FrameSize:    1024,
		EncoderDelay: 2,
		DecoderDelay: 1,
		FailWriteAt:  -1,
	}
}

// DecodersCreated returns how many decoders were constructed.
func (b *Backend) DecodersCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decoders
}

// Observed returns a snapshot of what the stages recorded.
func (b *Backend) Observed() Observed {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.last
	o.Written = append([]media.Packet(nil), b.last.Written...)
	o.Closed = append([]string(nil), b.last.Closed...)
	o.TerminalCalls = append([]string(nil), b.last.TerminalCalls...)
	return o
}

func (b *Backend) closed(name string) {
	b.mu.Lock()
	b.last.Closed = append(b.last.Closed, name)
	b.mu.Unlock()
}

func (b *Backend) terminal(call string) error {
	b.mu.Lock()
	b.last.TerminalCalls = append(b.last.TerminalCalls, call)
	b.mu.Unlock()
	return media.ErrTerminal
}

// Name implements media.Backend.
func (b *Backend) Name() string { return "fake" }

// OpenSource implements media.Backend.
func (b *Backend) OpenSource(ctx context.Context, path string) (media.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, ok := b.Files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return &source{b: b, f: f}, nil
}

// FindEncoder implements media.Backend.
func (b *Backend) FindEncoder(codec, name string) (media.CodecInfo, error) {
	if name != "" && name != b.Encoder.Name {
		return media.CodecInfo{}, fmt.Errorf("encoder %q not found", name)
	}
	if name == "" && codec != b.Encoder.Codec {
		return media.CodecInfo{}, fmt.Errorf("no encoder for codec %q", codec)
	}
	return b.Encoder, nil
}

// OpenEncoder implements media.Backend.
func (b *Backend) OpenEncoder(cfg media.EncoderConfig) (media.Encoder, error) {
	if b.FailEncoder != nil {
		return nil, b.FailEncoder
	}
	if cfg.SampleRate <= 0 || !cfg.TimeBase.Valid() {
		return nil, fmt.Errorf("invalid encoder parameters rate=%d tb=%s", cfg.SampleRate, cfg.TimeBase)
	}
	b.mu.Lock()
	b.last.EncoderConfig = cfg
	b.mu.Unlock()

	params := media.StreamParameters{
		CodecName:     cfg.Codec.Codec,
		SampleRate:    cfg.SampleRate,
		ChannelLayout: cfg.ChannelLayout,
		SampleFormat:  cfg.SampleFormat,
		TimeBase:      cfg.TimeBase,
		BitRate:       cfg.BitRate,
		MaxBitRate:    cfg.MaxBitRate,
	}
	if !cfg.Codec.VariableFrameSize {
		params.FrameSize = b.FrameSize
	}
	return &encoder{b: b, cfg: cfg, params: params}, nil
}

// NewFilterGraph implements media.Backend.
func (b *Backend) NewFilterGraph(cfg media.FilterConfig) (media.FilterGraph, error) {
	if b.FailFilter != nil {
		return nil, b.FailFilter
	}
	if cfg.Chain == "" {
		return nil, errors.New("empty filter chain")
	}
	if !cfg.Input.TimeBase.Valid() || cfg.Output.SampleRate <= 0 {
		return nil, errors.New("unconfigured filter endpoints")
	}
	b.mu.Lock()
	b.last.FilterConfig = cfg
	b.mu.Unlock()
	return &filter{b: b, cfg: cfg, next: media.NoPTS}, nil
}

// OpenMuxer implements media.Backend.
func (b *Backend) OpenMuxer(w io.Writer, container string) (media.Muxer, error) {
	if container == "" {
		return nil, errors.New("no container format")
	}
	return &muxer{b: b, w: w, container: container}, nil
}

type source struct {
	b     *Backend
	f     *File
	pos   int
	reads int
}

func (s *source) Streams() []media.StreamInfo {
	return append([]media.StreamInfo(nil), s.f.Streams...)
}

func (s *source) BestAudioStream() (media.StreamInfo, error) {
	return media.BestAudioStream(s.f.Streams)
}

func (s *source) Metadata() map[string]string {
	return s.f.Metadata
}

func (s *source) NewDecoder(index int) (media.Decoder, error) {
	if index < 0 || index >= len(s.f.Streams) {
		return nil, fmt.Errorf("stream %d out of range", index)
	}
	st := s.f.Streams[index]
	if st.MediaType != media.MediaTypeAudio {
		return nil, fmt.Errorf("stream %d is not audio", index)
	}
	s.b.mu.Lock()
	s.b.decoders++
	s.b.mu.Unlock()

	tb := st.TimeBase
	if s.f.DecoderTimeBase.Valid() {
		tb = s.f.DecoderTimeBase
	}
	return &decoder{
		b: s.b,
		params: media.StreamParameters{
			CodecName:     st.CodecName,
			SampleRate:    st.SampleRate,
			ChannelLayout: st.ChannelLayout,
			SampleFormat:  st.SampleFormat,
			TimeBase:      tb,
			BitRate:       st.BitRate,
		},
	}, nil
}

func (s *source) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq := s.reads
	s.reads++
	if s.b.FailRead[seq] {
		return nil, ErrInjectedRead
	}
	if s.pos >= len(s.f.Packets) {
		return nil, io.EOF
	}
	p := s.f.Packets[s.pos]
	s.pos++
	p.Data = append([]byte(nil), p.Data...)
	p.Payload = s.b.Payloads.payload()
	return &p, nil
}

func (s *source) Close() error {
	s.b.closed("source")
	return nil
}

type decoder struct {
	b       *Backend
	params  media.StreamParameters
	queue   []*media.Frame
	sent    int
	flushed bool
}

func (d *decoder) Params() media.StreamParameters { return d.params }

func (d *decoder) SendPacket(pkt *media.Packet) error {
	if d.flushed {
		return d.b.terminal("decoder.SendPacket")
	}
	seq := d.sent
	d.sent++
	if d.b.FailDecode[seq] {
		return ErrInjectedDecode
	}
	if pkt.TimeBase != d.params.TimeBase {
		return fmt.Errorf("packet time base %s, decoder expects %s", pkt.TimeBase, d.params.TimeBase)
	}
	d.queue = append(d.queue, &media.Frame{
		PTS:           pkt.PTS,
		TimeBase:      d.params.TimeBase,
		Samples:       len(pkt.Data) / (d.params.Channels() * 2),
		SampleRate:    d.params.SampleRate,
		SampleFormat:  d.params.SampleFormat,
		ChannelLayout: d.params.ChannelLayout,
		Payload:       d.b.Payloads.payload(),
	})
	return nil
}

func (d *decoder) ReceiveFrame() (*media.Frame, error) {
	if len(d.queue) > d.b.DecoderDelay || (d.flushed && len(d.queue) > 0) {
		f := d.queue[0]
		d.queue = d.queue[1:]
		return f, nil
	}
	if d.flushed {
		return nil, io.EOF
	}
	return nil, media.ErrAgain
}

func (d *decoder) Flush() error {
	d.flushed = true
	return nil
}

func (d *decoder) Close() error {
	for _, f := range d.queue {
		f.Release()
	}
	d.queue = nil
	d.b.closed("decoder")
	return nil
}

// filter converts frames to the output rate and regroups them into
// Output.FrameSize samples, holding the remainder until more input or the
// flush arrives.
type filter struct {
	b       *Backend
	cfg     media.FilterConfig
	ready   []*media.Frame
	pending int
	next    int64
	credit  int
	flushed bool
}

const defaultFilterCapacity = 4

func (g *filter) outTimeBase() media.Rational {
	return media.NewRational(1, g.cfg.Output.SampleRate)
}

func (g *filter) Push(f *media.Frame) error {
	if g.flushed {
		return g.b.terminal("filter.Push")
	}
	capacity := g.b.FilterCapacity
	if capacity <= 0 {
		capacity = defaultFilterCapacity
	}
	g.credit = g.b.FilterPullBatch
	if len(g.ready) >= capacity {
		g.b.mu.Lock()
		g.b.last.FilterSaturations++
		g.b.mu.Unlock()
		return media.ErrSaturated
	}
	if f.TimeBase != g.cfg.Input.TimeBase {
		return fmt.Errorf("frame time base %s, filter source expects %s", f.TimeBase, g.cfg.Input.TimeBase)
	}
	tb := g.outTimeBase()
	if g.next == media.NoPTS {
		g.next = media.Rescale(f.PTS, f.TimeBase, tb)
	}
	g.pending += int(media.Rescale(int64(f.Samples), media.NewRational(1, f.SampleRate), tb))

	size := g.cfg.Output.FrameSize
	if size <= 0 {
		g.emit(g.pending)
		return nil
	}
	for g.pending >= size {
		g.emit(size)
	}
	return nil
}

func (g *filter) emit(n int) {
	if n <= 0 {
		return
	}
	g.ready = append(g.ready, &media.Frame{
		PTS:           g.next,
		TimeBase:      g.outTimeBase(),
		Samples:       n,
		SampleRate:    g.cfg.Output.SampleRate,
		SampleFormat:  g.cfg.Output.SampleFormat,
		ChannelLayout: g.cfg.Output.ChannelLayout,
		Payload:       g.b.Payloads.payload(),
	})
	g.next += int64(n)
	g.pending -= n
}

func (g *filter) Pull() (*media.Frame, error) {
	if len(g.ready) > 0 && (g.flushed || g.b.FilterPullBatch <= 0 || g.credit > 0) {
		g.credit--
		f := g.ready[0]
		g.ready = g.ready[1:]
		return f, nil
	}
	if g.flushed {
		return nil, io.EOF
	}
	return nil, media.ErrAgain
}

func (g *filter) FlushSource() error {
	if g.flushed {
		return g.b.terminal("filter.FlushSource")
	}
	g.flushed = true
	g.emit(g.pending)
	return nil
}

func (g *filter) Close() error {
	for _, f := range g.ready {
		f.Release()
	}
	g.ready = nil
	g.b.closed("filter")
	return nil
}

type encoder struct {
	b       *Backend
	cfg     media.EncoderConfig
	params  media.StreamParameters
	queue   []*media.Packet
	sent    int
	flushed bool
}

func (e *encoder) Params() media.StreamParameters { return e.params }

func (e *encoder) Info() media.CodecInfo { return e.cfg.Codec }

func (e *encoder) ExtraData() []byte {
	if e.cfg.GlobalHeader {
		return []byte("fake-global-header")
	}
	return nil
}

func (e *encoder) SendFrame(f *media.Frame) error {
	if e.flushed {
		return e.b.terminal("encoder.SendFrame")
	}
	seq := e.sent
	e.sent++
	if e.b.FailEncode[seq] {
		return ErrInjectedEncode
	}
	if f.TimeBase != e.params.TimeBase {
		return fmt.Errorf("frame time base %s, encoder expects %s", f.TimeBase, e.params.TimeBase)
	}
	if f.SampleRate != e.params.SampleRate || f.SampleFormat != e.params.SampleFormat {
		return fmt.Errorf("frame %d Hz %s, encoder expects %d Hz %s",
			f.SampleRate, f.SampleFormat, e.params.SampleRate, e.params.SampleFormat)
	}
	if e.params.FrameSize > 0 && f.Samples > e.params.FrameSize {
		return fmt.Errorf("frame of %d samples exceeds frame size %d", f.Samples, e.params.FrameSize)
	}

	pts := f.PTS
	if e.b.ReorderOutput && seq%3 == 2 {
		pts -= 2 * int64(e.params.FrameSize)
	}
	e.queue = append(e.queue, &media.Packet{
		StreamIndex: -1,
		PTS:         pts,
		DTS:         pts,
		Duration:    media.Rescale(int64(f.Samples), media.NewRational(1, f.SampleRate), e.params.TimeBase),
		TimeBase:    e.params.TimeBase,
		Data:        []byte(fmt.Sprintf("pkt%05d:%d;", seq, f.Samples)),
		Payload:     e.b.Payloads.payload(),
	})
	return nil
}

func (e *encoder) ReceivePacket() (*media.Packet, error) {
	if len(e.queue) > e.b.EncoderDelay || (e.flushed && len(e.queue) > 0) {
		p := e.queue[0]
		e.queue = e.queue[1:]
		return p, nil
	}
	if e.flushed {
		return nil, io.EOF
	}
	return nil, media.ErrAgain
}

func (e *encoder) Flush() error {
	e.flushed = true
	return nil
}

func (e *encoder) Close() error {
	for _, p := range e.queue {
		p.Release()
	}
	e.queue = nil
	e.b.closed("encoder")
	return nil
}

type muxer struct {
	b         *Backend
	w         io.Writer
	container string
	streams   []media.StreamParameters
	tb        media.Rational
	header    bool
	trailer   bool
	writes    int
}

func (m *muxer) RequiresGlobalHeader() bool { return m.b.GlobalHeader }

func (m *muxer) AddStream(enc media.Encoder) (int, error) {
	if m.header {
		return 0, errors.New("stream added after header")
	}
	if m.b.GlobalHeader && len(enc.ExtraData()) == 0 {
		return 0, errors.New("container requires a global header")
	}
	m.streams = append(m.streams, enc.Params())
	return len(m.streams) - 1, nil
}

func (m *muxer) SetMetadata(md map[string]string) {
	cp := make(map[string]string, len(md))
	for k, v := range md {
		cp[k] = v
	}
	m.b.mu.Lock()
	m.b.last.Metadata = cp
	m.b.mu.Unlock()
}

func (m *muxer) WriteHeader() error {
	if len(m.streams) == 0 {
		return errors.New("no streams declared")
	}
	m.tb = m.streams[0].TimeBase
	if m.b.MuxTimeBase.Valid() {
		m.tb = m.b.MuxTimeBase
	}
	if _, err := fmt.Fprintf(m.w, "HDR:%s:%s;", m.container, m.tb); err != nil {
		return err
	}
	m.header = true
	m.b.mu.Lock()
	m.b.last.HeaderWritten = true
	m.b.mu.Unlock()
	return nil
}

func (m *muxer) StreamTimeBase(index int) (media.Rational, error) {
	if !m.header {
		return media.Rational{}, errors.New("header not written")
	}
	if index < 0 || index >= len(m.streams) {
		return media.Rational{}, fmt.Errorf("stream %d out of range", index)
	}
	return m.tb, nil
}

func (m *muxer) WritePacket(pkt *media.Packet) error {
	if m.trailer {
		return m.b.terminal("muxer.WritePacket")
	}
	if !m.header {
		return errors.New("packet written before header")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.streams) {
		return fmt.Errorf("packet for undeclared stream %d", pkt.StreamIndex)
	}
	if pkt.TimeBase != m.tb {
		return fmt.Errorf("packet time base %s, stream expects %s", pkt.TimeBase, m.tb)
	}
	seq := m.writes
	m.writes++
	if seq == m.b.FailWriteAt {
		return ErrInjectedWrite
	}
	if _, err := m.w.Write(pkt.Data); err != nil {
		return err
	}
	rec := *pkt
	rec.Payload = nil
	m.b.mu.Lock()
	m.b.last.Written = append(m.b.last.Written, rec)
	m.b.mu.Unlock()
	return nil
}

func (m *muxer) WriteTrailer() error {
	m.b.mu.Lock()
	m.b.last.TrailerWrites++
	m.b.mu.Unlock()
	if m.b.FailTrailer {
		return ErrInjectedWrite
	}
	if !m.header {
		return errors.New("trailer without header")
	}
	m.trailer = true
	m.b.mu.Lock()
	m.b.last.WrittenAtTrailer = len(m.b.last.Written)
	m.b.mu.Unlock()
	_, err := io.WriteString(m.w, "TRL;")
	return err
}

func (m *muxer) Close() error {
	m.b.closed("muxer")
	return nil
}
