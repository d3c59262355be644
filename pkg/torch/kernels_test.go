package torch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatmulForwardMatchesNaive(t *testing.T) {
	B, T, C, OC := 2, 3, 4, 5
	inp := ramp(B*T*C, 0.01)
	weight := ramp(OC*C, -0.02)
	bias := ramp(OC, 0.1)

	out := make([]float32, B*T*OC)
	MatmulForward(out, inp, weight, bias, B, T, C, OC)

	for bt := 0; bt < B*T; bt++ {
		for o := 0; o < OC; o++ {
			want := bias[o]
			for i := 0; i < C; i++ {
				want += inp[bt*C+i] * weight[o*C+i]
			}
			assert.InDelta(t, want, out[bt*OC+o], 1e-4)
		}
	}
}

func TestMatmulBackwardAccumulates(t *testing.T) {
	B, T, C, OC := 1, 2, 3, 2
	inp := ramp(B*T*C, 0.1)
	weight := ramp(OC*C, 0.05)
	dout := ramp(B*T*OC, 0.2)

	dinp := make([]float32, B*T*C)
	dweight := make([]float32, OC*C)
	dbias := make([]float32, OC)
	MatmulBackward(dinp, dweight, dbias, dout, inp, weight, B, T, C, OC)
	// run twice: gradients must accumulate, not overwrite
	first := append([]float32(nil), dinp...)
	MatmulBackward(dinp, dweight, dbias, dout, inp, weight, B, T, C, OC)
	for i := range dinp {
		assert.InDelta(t, 2*first[i], dinp[i], 1e-5)
	}

	for bt := 0; bt < B*T; bt++ {
		for i := 0; i < C; i++ {
			var want float32
			for o := 0; o < OC; o++ {
				want += weight[o*C+i] * dout[bt*OC+o]
			}
			assert.InDelta(t, 2*want, dinp[bt*C+i], 1e-5)
		}
	}
	for o := 0; o < OC; o++ {
		var want float32
		for bt := 0; bt < B*T; bt++ {
			want += dout[bt*OC+o]
		}
		assert.InDelta(t, 2*want, dbias[o], 1e-5)
	}
}

func TestLayernormForwardNormalizes(t *testing.T) {
	B, T, C := 1, 2, 8
	inp := ramp(B*T*C, 0.7)
	weight := ones(C)
	bias := make([]float32, C)
	out := make([]float32, B*T*C)
	mean := make([]float32, B*T)
	rstd := make([]float32, B*T)

	LayernormForward(out, mean, rstd, inp, weight, bias, B, T, C)

	for bt := 0; bt < B*T; bt++ {
		var m, v float32
		for i := 0; i < C; i++ {
			m += out[bt*C+i]
		}
		m /= float32(C)
		assert.InDelta(t, 0.0, m, 1e-5)
		for i := 0; i < C; i++ {
			d := out[bt*C+i] - m
			v += d * d
		}
		v /= float32(C)
		assert.InDelta(t, 1.0, v, 1e-3)
	}
}

func TestGeluForwardKnownValues(t *testing.T) {
	inp := []float32{0, 1, -1, 3}
	out := make([]float32, len(inp))
	GeluForward(out, inp, len(inp))
	assert.InDelta(t, 0.0, out[0], 1e-6)
	assert.InDelta(t, 0.8412, out[1], 1e-3)
	assert.InDelta(t, -0.1588, out[2], 1e-3)
	assert.InDelta(t, 2.9964, out[3], 1e-3)
}

func TestSoftmaxForwardRowsSumToOne(t *testing.T) {
	B, T, V := 1, 3, 7
	logits := ramp(B*T*V, 0.3)
	probs := make([]float32, B*T*V)
	SoftmaxForward(probs, logits, B, T, V)
	for bt := 0; bt < B*T; bt++ {
		var sum float32
		for i := 0; i < V; i++ {
			require.GreaterOrEqual(t, probs[bt*V+i], float32(0))
			sum += probs[bt*V+i]
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestCrossEntropyForwardPicksTarget(t *testing.T) {
	B, T, V := 1, 2, 4
	probs := []float32{
		0.1, 0.2, 0.3, 0.4,
		0.25, 0.25, 0.25, 0.25,
	}
	targets := []int32{3, 0}
	losses := make([]float32, B*T)
	CrossEntropyForward(losses, probs, targets, B, T, V)
	assert.InDelta(t, -math.Log(0.4), float64(losses[0]), 1e-5)
	assert.InDelta(t, -math.Log(0.25), float64(losses[1]), 1e-5)
}

func TestAttentionForwardIsCausal(t *testing.T) {
	B, T, C, NH := 1, 4, 4, 2
	inp := ramp(B*T*3*C, 0.05)
	out := make([]float32, B*T*C)
	preatt := make([]float32, B*NH*T*T)
	att := make([]float32, B*NH*T*T)
	AttentionForward(out, preatt, att, inp, B, T, C, NH)

	for h := 0; h < NH; h++ {
		for t1 := 0; t1 < T; t1++ {
			var sum float32
			for t2 := 0; t2 < T; t2++ {
				a := att[h*T*T+t1*T+t2]
				if t2 > t1 {
					assert.Zero(t, a, "future position must be masked")
				}
				sum += a
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	grads := []float32{3, 4} // norm 5
	norm := ClipGradNorm(grads, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-6)
	assert.InDelta(t, 0.6, grads[0], 1e-6)
	assert.InDelta(t, 0.8, grads[1], 1e-6)

	grads = []float32{0.3, 0.4}
	norm = ClipGradNorm(grads, 1.0)
	assert.InDelta(t, 0.5, norm, 1e-6)
	assert.InDelta(t, 0.3, grads[0], 1e-6) // under the ceiling, untouched
}

func TestResidualRoundTrip(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{10, 20}
	out := make([]float32, 2)
	ResidualForward(out, a, b, 2)
	assert.Equal(t, []float32{11, 22}, out)

	da := make([]float32, 2)
	db := make([]float32, 2)
	ResidualBackward(da, db, out, 2)
	assert.Equal(t, out, da)
	assert.Equal(t, out, db)
}

func TestHasNonFinite(t *testing.T) {
	assert.False(t, HasNonFinite([]float32{1, -2, 0}))
	assert.True(t, HasNonFinite([]float32{1, float32(math.NaN())}))
	assert.True(t, HasNonFinite([]float32{float32(math.Inf(-1))}))
}

func ramp(n int, step float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = step * float32(i%13-6)
	}
	return out
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
