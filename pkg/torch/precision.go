package torch

import (
	"fmt"
	"math"
)

// Autocast is a scoped reduced-precision policy for the forward pass. The
// model applies it to activation buffers as they are produced; parameters and
// gradients always stay float32. A disabled autocast leaves buffers untouched.
type Autocast interface {
	// Cast rounds the buffer in place to the reduced precision, if any.
	Cast(x []float32)
	// Enabled reports whether casting is active.
	Enabled() bool
	// Dtype names the precision used, for logging.
	Dtype() string
}

// NewAutocast selects the autocast implementation for a dtype name. float32
// gives the no-op context; bfloat16 and float16 give rounding contexts.
func NewAutocast(dtype string) (Autocast, error) {
	switch dtype {
	case "float32":
		return nopCast{}, nil
	case "bfloat16":
		return roundCast{round: RoundBFloat16, name: dtype}, nil
	case "float16":
		return roundCast{round: RoundFloat16, name: dtype}, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

type nopCast struct{}

func (nopCast) Cast([]float32) {}
func (nopCast) Enabled() bool  { return false }
func (nopCast) Dtype() string  { return "float32" }

type roundCast struct {
	round func(float32) float32
	name  string
}

func (c roundCast) Cast(x []float32) {
	for i, v := range x {
		x[i] = c.round(v)
	}
}

func (c roundCast) Enabled() bool { return true }
func (c roundCast) Dtype() string { return c.name }

// RoundBFloat16 rounds x to the nearest bfloat16-representable value
// (round-to-nearest-even on the high 16 bits of the float32 encoding).
func RoundBFloat16(x float32) float32 {
	bits := math.Float32bits(x)
	bits += 0x7fff + (bits >> 16 & 1)
	return math.Float32frombits(bits &^ 0xffff)
}

// RoundFloat16 rounds x through IEEE half precision and back. Values beyond
// the half range saturate to infinity; subnormal halves quantize on the
// 2^-24 grid.
func RoundFloat16(x float32) float32 {
	f := float64(x)
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return x
	}
	if f >= 65520 {
		return float32(math.Inf(1))
	}
	if f <= -65520 {
		return float32(math.Inf(-1))
	}
	exp := math.Floor(math.Log2(math.Abs(f)))
	if exp < -14 {
		exp = -14 // subnormals share the smallest normal quantum
	}
	quantum := math.Pow(2, exp-10)
	return float32(math.RoundToEven(f/quantum) * quantum)
}
