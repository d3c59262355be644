package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineScheduleNoWarmup(t *testing.T) {
	s := CosineSchedule{BaseLR: 2e-4, WarmupIters: 0}
	total := 1000

	assert.InDelta(t, 2e-4, s.LR(0, total), 1e-12, "step 0 starts at the peak when warmup is zero")
	assert.InDelta(t, 2e-5, s.LR(total, total), 1e-12, "end of schedule hits the floor")
	assert.InDelta(t, 2e-5, s.LR(2*total, total), 1e-12, "past the schedule the rate stays pinned")
}

func TestCosineScheduleWarmupRamp(t *testing.T) {
	s := CosineSchedule{BaseLR: 1e-3, WarmupIters: 100}
	total := 1000

	assert.Zero(t, s.LR(0, total))
	assert.InDelta(t, 5e-4, s.LR(50, total), 1e-12)
	assert.InDelta(t, 1e-3, s.LR(100, total), 1e-12, "warmup boundary reaches the peak exactly")

	for it := 1; it < 100; it++ {
		assert.Greater(t, s.LR(it, total), s.LR(it-1, total), "warmup is strictly increasing")
	}
}

func TestCosineScheduleDecayIsMonotoneAndBounded(t *testing.T) {
	s := CosineSchedule{BaseLR: 3e-4, WarmupIters: 10}
	total := 500

	prev := s.LR(s.WarmupIters, total)
	for it := s.WarmupIters + 1; it <= total; it++ {
		lr := s.LR(it, total)
		assert.LessOrEqual(t, lr, prev, "decay never increases")
		assert.GreaterOrEqual(t, lr, s.MinLR()-1e-15)
		assert.LessOrEqual(t, lr, s.BaseLR+1e-15)
		prev = lr
	}
	// midpoint of the cosine sits halfway between peak and floor
	mid := s.WarmupIters + (total-s.WarmupIters)/2
	want := s.MinLR() + 0.5*(s.BaseLR-s.MinLR())
	assert.InDelta(t, want, s.LR(mid, total), 1e-12)
}

func TestCosineScheduleMinLR(t *testing.T) {
	s := CosineSchedule{BaseLR: 2e-4}
	assert.InDelta(t, 2e-5, s.MinLR(), 1e-15)
}
