package media

import (
	"context"
	"io"
)

// Backend creates the stateful codec objects of one transcode run. Every
// library specific detail stays behind this boundary so the orchestration
// can run against fakes.
//
// Frames and packets handed to a stage stay owned by the caller, who
// releases them once the call returns. Frames and packets returned by a
// stage belong to the caller.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// OpenSource opens a container file for demuxing.
	OpenSource(ctx context.Context, path string) (Source, error)

	// FindEncoder looks up an encoder by codec name, or by explicit encoder
	// name when name is not empty, and reports its capabilities.
	FindEncoder(codec, name string) (CodecInfo, error)

	// OpenEncoder opens an encoder with negotiated parameters.
	OpenEncoder(cfg EncoderConfig) (Encoder, error)

	// NewFilterGraph builds and validates a filter graph.
	NewFilterGraph(cfg FilterConfig) (FilterGraph, error)

	// OpenMuxer creates a muxer serializing into w.
	OpenMuxer(w io.Writer, container string) (Muxer, error)
}

// Source is an opened container. Packets are read once, in file order.
type Source interface {
	Streams() []StreamInfo
	BestAudioStream() (StreamInfo, error)
	Metadata() map[string]string
	NewDecoder(index int) (Decoder, error)
	// ReadPacket returns the next packet of any stream, io.EOF at the end.
	ReadPacket(ctx context.Context) (*Packet, error)
	Close() error
}

// Decoder turns packets of one stream into frames.
//
// ReceiveFrame returns ErrAgain when more input is needed and io.EOF once the
// decoder has been flushed and drained.
type Decoder interface {
	Params() StreamParameters
	SendPacket(pkt *Packet) error
	ReceiveFrame() (*Frame, error)
	Flush() error
	Close() error
}

// FilterGraph adapts decoded frames to what the encoder accepts.
//
// Push fails with ErrSaturated while frames are waiting to be pulled. Pull
// returns ErrAgain when nothing is ready and io.EOF once the graph has been
// flushed and drained.
type FilterGraph interface {
	Push(f *Frame) error
	Pull() (*Frame, error)
	FlushSource() error
	Close() error
}

// Encoder turns frames into packets. It mirrors Decoder.
type Encoder interface {
	Params() StreamParameters
	Info() CodecInfo
	// ExtraData returns the codec global header, if any.
	ExtraData() []byte
	SendFrame(f *Frame) error
	ReceivePacket() (*Packet, error)
	Flush() error
	Close() error
}

// Muxer serializes encoded packets into a container.
type Muxer interface {
	// RequiresGlobalHeader reports whether encoders must emit a global
	// header. It must be consulted before the encoder is opened.
	RequiresGlobalHeader() bool
	AddStream(enc Encoder) (int, error)
	SetMetadata(md map[string]string)
	WriteHeader() error
	// StreamTimeBase is the time base the container settled on for a
	// stream; it is only final once the header has been written.
	StreamTimeBase(index int) (Rational, error)
	// WritePacket writes a packet already expressed in StreamTimeBase.
	WritePacket(pkt *Packet) error
	WriteTrailer() error
	Close() error
}

// CodecInfo lists what an encoder supports. Empty lists mean the codec
// declares no preference.
type CodecInfo struct {
	Name              string
	Codec             string
	SampleFormats     []SampleFormat
	ChannelLayouts    []ChannelLayout
	SampleRates       []int
	// VariableFrameSize is set when the encoder takes frames of any size.
	// Some backends only know once the encoder is open; Encoder.Info then
	// carries the final value.
	VariableFrameSize bool
}

// EncoderConfig is the negotiated encoder setup.
type EncoderConfig struct {
	Codec         CodecInfo
	SampleRate    int
	ChannelLayout ChannelLayout
	SampleFormat  SampleFormat
	TimeBase      Rational
	BitRate       int64
	MaxBitRate    int64
	GlobalHeader  bool
}

// FilterConfig describes a graph between the decoder and the encoder. Chain
// is the filter text placed between the "in" source and the "out" sink.
type FilterConfig struct {
	Chain  string
	Input  StreamParameters
	Output StreamParameters
}
