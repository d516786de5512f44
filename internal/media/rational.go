// Package media defines the backend-neutral audio data model used by the
// transcode pipeline: time bases, stream parameters, frames, packets and the
// narrow interfaces every codec backend implements.
package media

import (
	"fmt"
	"math"
	"math/bits"
)

// NoPTS marks an unset timestamp. It is never rescaled.
const NoPTS int64 = math.MinInt64

// Rational is a time base: one timestamp unit lasts Num/Den seconds.
type Rational struct {
	Num int
	Den int
}

// NewRational creates a Rational.
func NewRational(num, den int) Rational {
	return Rational{Num: num, Den: den}
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float64 returns the value of r in seconds.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// String returns "num/den".
func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts t from time base from to time base to, preserving real
// time. Results are rounded half to even. NoPTS and invalid time bases leave
// t untouched, and rescaling into the same base is the identity.
func Rescale(t int64, from, to Rational) int64 {
	if t == NoPTS || from == to || !from.Valid() || !to.Valid() {
		return t
	}
	return mulDivRound(t, int64(from.Num)*int64(to.Den), int64(from.Den)*int64(to.Num))
}

// mulDivRound computes a*b/c with a 128-bit intermediate. b and c must be
// positive. Results outside the int64 range saturate.
func mulDivRound(a, b, c int64) int64 {
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-(a + 1)) + 1
	}

	hi, lo := bits.Mul64(ua, uint64(b))
	if hi >= uint64(c) {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, uint64(c))

	switch twice := r << 1; {
	case twice > uint64(c):
		q++
	case twice == uint64(c) && q&1 == 1:
		q++
	}

	if q > math.MaxInt64 {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}
