package model

import "github.com/tinyllm/sft/pkg/torch"

// AdamW implements the AdamW optimizer over a flat parameter slice. Moment
// estimates are allocated on the first step and never persisted.
type AdamW struct {
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32

	firstMoment  []float32
	secondMoment []float32
}

// NewAdamW returns an AdamW with the usual defaults.
func NewAdamW(weightDecay float32) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
	}
}

// Step applies one bias-corrected update to params from grads. step counts
// optimizer steps starting at 1.
func (o *AdamW) Step(params, grads []float32, lr float32, step int) {
	if o.firstMoment == nil {
		o.firstMoment = make([]float32, len(params))
		o.secondMoment = make([]float32, len(params))
	}
	c1 := 1.0 - torch.Pow(o.Beta1, float32(step))
	c2 := 1.0 - torch.Pow(o.Beta2, float32(step))
	for i, grad := range grads {
		m := o.Beta1*o.firstMoment[i] + (1.0-o.Beta1)*grad
		v := o.Beta2*o.secondMoment[i] + (1.0-o.Beta2)*grad*grad
		o.firstMoment[i] = m
		o.secondMoment[i] = v
		mHat := m / c1
		vHat := v / c2
		params[i] -= lr * (mHat/(torch.Sqrt(vHat)+o.Eps) + o.WeightDecay*params[i])
	}
}
