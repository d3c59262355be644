package train

import (
	"fmt"
	"math"
)

// CosineSchedule is the warmup + cosine decay learning-rate policy. It is a
// pure function of the global step; the only state the loop carries is the
// step counter itself.
type CosineSchedule struct {
	// BaseLR is the peak learning rate reached at the end of warmup.
	BaseLR float64
	// WarmupIters is the length of the linear ramp from zero.
	WarmupIters int
}

// MinLR is the decay floor, a tenth of the peak.
func (s CosineSchedule) MinLR() float64 {
	return s.BaseLR / 10
}

// LR returns the learning rate for global step it out of total scheduled
// steps. Warmup ramps linearly to BaseLR; past total the rate pins to the
// floor; in between it follows a half cosine from BaseLR down to the floor.
func (s CosineSchedule) LR(it, total int) float64 {
	if it < s.WarmupIters {
		return s.BaseLR * float64(it) / float64(s.WarmupIters)
	}
	if it > total {
		return s.MinLR()
	}
	ratio := float64(it-s.WarmupIters) / float64(total-s.WarmupIters)
	if ratio < 0 || ratio > 1 {
		panic(fmt.Sprintf("decay ratio %g out of range", ratio))
	}
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*ratio))
	return s.MinLR() + coeff*(s.BaseLR-s.MinLR())
}
