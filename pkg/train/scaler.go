package train

import "github.com/tinyllm/sft/pkg/torch"

// GradScaler implements dynamic loss scaling for reduced-precision training.
// The loss gradient is seeded at Scale times its true value; before the
// optimizer runs, Unscale divides the accumulated gradients back down and
// checks them. A non-finite gradient skips the step and halves the scale; a
// growth interval of clean steps doubles it again. Disabled, the scaler is a
// fixed scale of one that never skips.
type GradScaler struct {
	enabled        bool
	scale          float32
	growthFactor   float32
	backoffFactor  float32
	growthInterval int
	goodSteps      int
}

// NewGradScaler returns a scaler with the usual dynamic-scaling defaults.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Scale returns the current loss scale.
func (g *GradScaler) Scale() float32 {
	if !g.enabled {
		return 1.0
	}
	return g.scale
}

// Unscale divides grads by the current scale in place and reports whether
// they are finite. It must run exactly once per optimizer step, before
// clipping. A disabled scaler reports finite without scanning; skipping
// steps is exclusive to mixed-precision runs.
func (g *GradScaler) Unscale(grads []float32) (finite bool) {
	if !g.enabled {
		return true
	}
	inv := 1.0 / g.scale
	for i := range grads {
		grads[i] *= inv
	}
	return !torch.HasNonFinite(grads)
}

// Update adjusts the scale after an optimizer-step attempt.
func (g *GradScaler) Update(finite bool) {
	if !g.enabled {
		return
	}
	if !finite {
		g.scale *= g.backoffFactor
		g.goodSteps = 0
		return
	}
	g.goodSteps++
	if g.goodSteps >= g.growthInterval {
		g.scale *= g.growthFactor
		g.goodSteps = 0
	}
}
