// Package torch provides the float32 tensor kernels the transformer is built
// from: embeddings, layernorm, matmul, causal attention, gelu, residual,
// softmax and cross-entropy, each with a forward and a backward pass, plus
// gradient clipping and the reduced-precision helpers used for autocasting.
package torch

import "math"

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// Exp returns e**x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Log returns the natural logarithm of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Pow returns x**y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// IsFinite reports whether x is neither NaN nor an infinity.
func IsFinite(x float32) bool {
	f := float64(x)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// HasNonFinite reports whether any element of x is NaN or infinite.
func HasNonFinite(x []float32) bool {
	for _, v := range x {
		if !IsFinite(v) {
			return true
		}
	}
	return false
}
