package torch

import (
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var geluScale = Sqrt(2.0 / 3.14159265358979)

// EncoderForward sums the token embedding and the position embedding for every
// position of the batch.
//
//	out (B,T,C) = wte[inp] + wpe
func EncoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := out[(b*T+t)*C : (b*T+t+1)*C]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for i := range dst {
				dst[i] = tok[i] + pos[i]
			}
		}
	}
}

// EncoderBackward scatters the encoder output gradient back into the token and
// position embedding gradients.
func EncoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			src := dout[(b*T+t)*C : (b*T+t+1)*C]
			dtok := dwte[int(inp[b*T+t])*C:]
			dpos := dwpe[t*C:]
			for i, d := range src {
				dtok[i] += d
				dpos[i] += d
			}
		}
	}
}

// LayernormForward normalizes each (b,t) vector to zero mean and unit variance
// and applies the learned scale and shift. mean and rstd are stored per
// position for the backward pass.
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	const eps = 1e-5
	for bt := 0; bt < B*T; bt++ {
		x := inp[bt*C : (bt+1)*C]
		var m float32
		for _, v := range x {
			m += v
		}
		m /= float32(C)
		var v float32
		for _, xv := range x {
			d := xv - m
			v += d * d
		}
		v /= float32(C)
		s := 1.0 / Sqrt(v+eps)
		o := out[bt*C : (bt+1)*C]
		for i, xv := range x {
			o[i] = s*(xv-m)*weight[i] + bias[i]
		}
		mean[bt] = m
		rstd[bt] = s
	}
}

// LayernormBackward accumulates the input, weight and bias gradients of a
// layernorm from the stored mean and reciprocal standard deviation.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for bt := 0; bt < B*T; bt++ {
		do := dout[bt*C : (bt+1)*C]
		x := inp[bt*C : (bt+1)*C]
		dx := dinp[bt*C : (bt+1)*C]
		m, s := mean[bt], rstd[bt]

		var dnormMean, dnormNormMean float32
		for i := 0; i < C; i++ {
			norm := (x[i] - m) * s
			dnorm := weight[i] * do[i]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for i := 0; i < C; i++ {
			norm := (x[i] - m) * s
			dnorm := weight[i] * do[i]
			dbias[i] += do[i]
			dweight[i] += norm * do[i]
			dx[i] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// MatmulForward computes out = inp x weight^T + bias over the flattened batch.
// inp is (B*T,C), weight is (OC,C), out is (B*T,OC). The contraction runs on
// gonum's BLAS sgemm.
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	m := B * T
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: C, Stride: C, Data: inp[:m*C]},
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight[:OC*C]},
		0,
		blas32.General{Rows: m, Cols: OC, Stride: OC, Data: out[:m*OC]},
	)
	if bias == nil {
		return
	}
	for r := 0; r < m; r++ {
		row := out[r*OC : (r+1)*OC]
		for i, bv := range bias[:OC] {
			row[i] += bv
		}
	}
}

// MatmulBackward accumulates the three gradients of MatmulForward:
// dinp += dout x weight, dweight += dout^T x inp, dbias += column sums of dout.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	m := B * T
	doutG := blas32.General{Rows: m, Cols: OC, Stride: OC, Data: dout[:m*OC]}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		doutG,
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight[:OC*C]},
		1,
		blas32.General{Rows: m, Cols: C, Stride: C, Data: dinp[:m*C]},
	)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		doutG,
		blas32.General{Rows: m, Cols: C, Stride: C, Data: inp[:m*C]},
		1,
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: dweight[:OC*C]},
	)
	if dbias == nil {
		return
	}
	for r := 0; r < m; r++ {
		row := dout[r*OC : (r+1)*OC]
		for i, d := range row {
			dbias[i] += d
		}
	}
}

// AttentionForward runs causal multi-head attention. inp is the packed (B,T,3C)
// query/key/value projection; preatt and att hold the raw and softmaxed scores
// (B,NH,T,T) for the backward pass; out is (B,T,C). One goroutine per (b,head).
func AttentionForward(out, preatt, att, inp []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				for t := 0; t < T; t++ {
					query := inp[b*T*C3+t*C3+h*hs:]
					scores := preatt[b*NH*T*T+h*T*T+t*T:]
					soft := att[b*NH*T*T+h*T*T+t*T:]

					maxval := float32(-10000.0)
					for t2 := 0; t2 <= t; t2++ {
						key := inp[b*T*C3+t2*C3+h*hs+C:]
						var dot float32
						for i := 0; i < hs; i++ {
							dot += query[i] * key[i]
						}
						dot *= scale
						if dot > maxval {
							maxval = dot
						}
						scores[t2] = dot
					}
					var expsum float32
					for t2 := 0; t2 <= t; t2++ {
						e := Exp(scores[t2] - maxval)
						expsum += e
						soft[t2] = e
					}
					var inv float32
					if expsum != 0 {
						inv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						if t2 <= t {
							soft[t2] *= inv
						} else {
							soft[t2] = 0 // causal mask
						}
					}
					o := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						o[i] = 0
					}
					for t2 := 0; t2 <= t; t2++ {
						value := inp[b*T*C3+t2*C3+h*hs+2*C:]
						a := soft[t2]
						for i := 0; i < hs; i++ {
							o[i] += a * value[i]
						}
					}
				}
			}(b, h)
		}
	}
	wg.Wait()
}

// AttentionBackward accumulates the packed qkv gradient from the output
// gradient and the stored softmax scores.
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH int) {
	C3 := 3 * C
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				soft := att[b*NH*T*T+h*T*T+t*T:]
				dsoft := datt[b*NH*T*T+h*T*T+t*T:]
				dscores := dpreatt[b*NH*T*T+h*T*T+t*T:]
				query := inp[b*T*C3+t*C3+h*hs:]
				dquery := dinp[b*T*C3+t*C3+h*hs:]
				do := dout[b*T*C+t*C+h*hs:]

				for t2 := 0; t2 <= t; t2++ {
					value := inp[b*T*C3+t2*C3+h*hs+2*C:]
					dvalue := dinp[b*T*C3+t2*C3+h*hs+2*C:]
					for i := 0; i < hs; i++ {
						dsoft[t2] += value[i] * do[i]
						dvalue[i] += soft[t2] * do[i]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						var ind float32
						if t2 == t3 {
							ind = 1.0
						}
						dscores[t3] += soft[t2] * (ind - soft[t3]) * dsoft[t2]
					}
				}
				for t2 := 0; t2 <= t; t2++ {
					key := inp[b*T*C3+t2*C3+h*hs+C:]
					dkey := dinp[b*T*C3+t2*C3+h*hs+C:]
					for i := 0; i < hs; i++ {
						dquery[i] += key[i] * dscores[t2] * scale
						dkey[i] += query[i] * dscores[t2] * scale
					}
				}
			}
		}
	}
}

// GeluForward applies the tanh approximation of the gaussian error linear unit.
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(geluScale*(x+cube)))
	}
}

// GeluBackward accumulates the gelu input gradient.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhOut := Tanh(arg)
		coshOut := Cosh(arg)
		sech2 := 1.0 / (coshOut * coshOut)
		local := 0.5*(1.0+tanhOut) + x*0.5*sech2*geluScale*(1.0+3.0*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

// ResidualForward computes out = a + b elementwise.
func ResidualForward(out, a, b []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = a[i] + b[i]
	}
}

// ResidualBackward routes the output gradient to both residual inputs.
func ResidualBackward(da, db, dout []float32, n int) {
	for i := 0; i < n; i++ {
		da[i] += dout[i]
		db[i] += dout[i]
	}
}

// SoftmaxForward turns logits (B,T,V) into probabilities, max-shifted for
// numerical stability. One goroutine per row.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg sync.WaitGroup
	for bt := 0; bt < B*T; bt++ {
		wg.Add(1)
		go func(bt int) {
			defer wg.Done()
			in := logits[bt*V : (bt+1)*V]
			out := probs[bt*V : (bt+1)*V]
			maxval := float32(-10000.0)
			for _, v := range in {
				if v > maxval {
					maxval = v
				}
			}
			var sum float32
			for i, v := range in {
				out[i] = Exp(v - maxval)
				sum += out[i]
			}
			for i := range out {
				out[i] /= sum
			}
		}(bt)
	}
	wg.Wait()
}

// CrossEntropyForward writes the per-token negative log likelihood of the
// target under probs into losses (B,T).
func CrossEntropyForward(losses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		losses[bt] = -Log(probs[bt*V+int(targets[bt])])
	}
}

// CrossEntropySoftmaxBackward fuses the softmax and cross-entropy backward
// passes: dlogits += (probs - onehot(target)) * dloss per token.
func CrossEntropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for bt := 0; bt < B*T; bt++ {
		dl := dlogits[bt*V : (bt+1)*V]
		p := probs[bt*V : (bt+1)*V]
		dloss := dlosses[bt]
		ix := int(targets[bt])
		for i := range dl {
			var ind float32
			if i == ix {
				ind = 1.0
			}
			dl[i] += (p[i] - ind) * dloss
		}
	}
}
