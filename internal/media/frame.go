package media

// Payload is backend-owned storage attached to a frame or packet. Whoever
// holds the frame or packet last must release it.
type Payload interface {
	Release()
}

// Frame is a block of raw audio samples. PTS is expressed in TimeBase.
type Frame struct {
	PTS           int64
	TimeBase      Rational
	Samples       int
	SampleRate    int
	SampleFormat  SampleFormat
	ChannelLayout ChannelLayout
	Payload       Payload
}

// Rescale moves the frame's timestamp into tb.
func (f *Frame) Rescale(tb Rational) {
	f.PTS = Rescale(f.PTS, f.TimeBase, tb)
	f.TimeBase = tb
}

// Duration returns the playback length of the frame in its own time base.
func (f *Frame) Duration() int64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return Rescale(int64(f.Samples), NewRational(1, f.SampleRate), f.TimeBase)
}

// Release frees the payload. It is safe to call more than once.
func (f *Frame) Release() {
	if f == nil || f.Payload == nil {
		return
	}
	f.Payload.Release()
	f.Payload = nil
}

// Packet is a unit of compressed data belonging to one stream.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    Rational
	Data        []byte
	Payload     Payload
}

// Rescale moves every timestamp of the packet into tb.
func (p *Packet) Rescale(tb Rational) {
	p.PTS = Rescale(p.PTS, p.TimeBase, tb)
	p.DTS = Rescale(p.DTS, p.TimeBase, tb)
	if p.Duration > 0 {
		p.Duration = Rescale(p.Duration, p.TimeBase, tb)
	}
	p.TimeBase = tb
}

// Release frees the payload. It is safe to call more than once.
func (p *Packet) Release() {
	if p == nil || p.Payload == nil {
		return
	}
	p.Payload.Release()
	p.Payload = nil
}
