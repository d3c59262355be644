// Package model implements the decoder-only transformer that gets fine-tuned:
// flat-memory parameter and activation tensors, the forward and backward
// passes over the torch kernels, the AdamW optimizer, and keyed binary
// checkpoints with non-strict loading.
package model

// Config is the fixed architecture descriptor of the transformer.
type Config struct {
	// Dim is the embedding dimension.
	Dim int
	// NumLayers is the number of transformer blocks.
	NumLayers int
	// NumHeads is the number of attention heads per block.
	NumHeads int
	// VocabSize is the size of the token vocabulary.
	VocabSize int
	// MaxSeqLen is the maximum sequence length.
	MaxSeqLen int
}

// DefaultConfig is the 215M-parameter architecture the base checkpoint was
// pretrained with.
func DefaultConfig() Config {
	return Config{
		Dim:       1024,
		NumLayers: 18,
		NumHeads:  16,
		VocabSize: 6144,
		MaxSeqLen: 512,
	}
}
