package publish

import (
	"context"
	"math"
	"time"

	"github.com/asticode/go-astikit"
)

// DefaultFallbackBitRate is used to pace buffers whose duration is unknown.
const DefaultFallbackBitRate = 128000

// Clock abstracts time so pacing can be tested without real delays.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	return astikit.Sleep(ctx, d)
}

// Pacer throttles chunk delivery.
type Pacer interface {
	// Begin starts pacing a buffer of total bytes that plays for d. A zero
	// d means the duration is unknown.
	Begin(total int, d time.Duration)
	// Sync blocks until the first sent bytes are due for playback and
	// returns how long it waited.
	Sync(ctx context.Context, sent int) (time.Duration, error)
}

// RealtimePacer keeps delivery at playback speed, so the server never holds
// more than a chunk ahead of its listeners.
type RealtimePacer struct {
	Clock Clock
	// FallbackBitRate in bits per second applies when the duration is unknown.
	FallbackBitRate int64

	start       time.Time
	bytesPerSec float64
}

// NewRealtimePacer creates a pacer on clock. A nil clock means the wall clock.
func NewRealtimePacer(clock Clock, fallbackBitRate int64) *RealtimePacer {
	if clock == nil {
		clock = RealClock{}
	}
	if fallbackBitRate <= 0 {
		fallbackBitRate = DefaultFallbackBitRate
	}
	return &RealtimePacer{Clock: clock, FallbackBitRate: fallbackBitRate}
}

// Begin implements Pacer.
func (p *RealtimePacer) Begin(total int, d time.Duration) {
	p.start = p.Clock.Now()
	if d > 0 && total > 0 {
		p.bytesPerSec = float64(total) / d.Seconds()
		return
	}
	p.bytesPerSec = float64(p.FallbackBitRate) / 8
}

// ByteRate returns the pacing rate in bytes per second.
func (p *RealtimePacer) ByteRate() float64 { return p.bytesPerSec }

// Sync implements Pacer.
func (p *RealtimePacer) Sync(ctx context.Context, sent int) (time.Duration, error) {
	if p.bytesPerSec <= 0 {
		return 0, nil
	}
	due := p.start.Add(time.Duration(math.Round(float64(sent) / p.bytesPerSec * float64(time.Second))))
	wait := due.Sub(p.Clock.Now())
	if wait <= 0 {
		return 0, nil
	}
	if err := p.Clock.Sleep(ctx, wait); err != nil {
		return 0, err
	}
	return wait, nil
}

// NoPacer sends as fast as the connection accepts.
type NoPacer struct{}

// Begin implements Pacer.
func (NoPacer) Begin(int, time.Duration) {}

// Sync implements Pacer.
func (NoPacer) Sync(ctx context.Context, _ int) (time.Duration, error) {
	return 0, ctx.Err()
}
