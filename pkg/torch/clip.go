package torch

import "gonum.org/v1/gonum/blas/blas32"

// ClipGradNorm rescales grads in place so that their global L2 norm does not
// exceed maxNorm, and returns the norm measured before clipping. A maxNorm of
// zero or less disables clipping.
func ClipGradNorm(grads []float32, maxNorm float32) float32 {
	v := blas32.Vector{N: len(grads), Inc: 1, Data: grads}
	norm := blas32.Nrm2(v)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	blas32.Scal(maxNorm/norm, v)
	return norm
}
