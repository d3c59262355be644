package model

import (
	"fmt"

	"github.com/tinyllm/sft/pkg/torch"
)

// Transformer is a decoder-only transformer language model. Parameters may be
// shared between replicas (see NewReplica); activations and gradients are
// always private to an instance.
type Transformer struct {
	// Config is the fixed architecture descriptor.
	Config Config
	// Params holds the learnable weights.
	Params ParameterTensors
	// Grads accumulates parameter gradients across backward passes.
	Grads ParameterTensors
	// Acts holds the forward-pass intermediates.
	Acts ActivationTensors
	// GradActs holds the activation gradients of the backward pass.
	GradActs ActivationTensors

	batchSize int
	seqLen    int
	inputs    []int32
	targets   []int32
	training  bool
	forwarded bool
}

// New constructs a transformer with freshly allocated zeroed parameters.
func New(cfg Config) *Transformer {
	m := &Transformer{Config: cfg, training: true}
	m.Params.Init(cfg)
	return m
}

// NewReplica constructs a transformer sharing the parameter memory of base.
// Replicas keep private gradients and activations, so concurrent forward and
// backward passes over disjoint batch shards are safe as long as nobody
// mutates the shared parameters meanwhile.
func NewReplica(base *Transformer) *Transformer {
	return &Transformer{
		Config:   base.Config,
		Params:   base.Params,
		training: base.training,
	}
}

// NumParams returns the number of trainable parameters.
func (m *Transformer) NumParams() int {
	return len(m.Params.Memory)
}

// SetTraining toggles between training and evaluation mode. Snapshots are
// taken in evaluation mode; the training loop restores training mode after.
func (m *Transformer) SetTraining(training bool) {
	m.training = training
}

// Training reports the current mode.
func (m *Transformer) Training() bool {
	return m.training
}

// Losses returns the per-token loss view of the last forward pass with
// targets. The trainer masks and reduces it.
func (m *Transformer) Losses() []float32 {
	return m.Acts.Losses.data
}

// Forward runs the model over a (B, T) batch of token ids under the given
// autocast context. When targets is non-nil the per-token cross-entropy
// losses are computed and retrievable via Losses. The first call fixes (B, T)
// for the lifetime of the instance.
func (m *Transformer) Forward(inputs, targets []int32, B, T int, ac torch.Autocast) error {
	if m.Acts.Memory == nil {
		if T > m.Config.MaxSeqLen {
			return fmt.Errorf("sequence length %d exceeds maximum %d", T, m.Config.MaxSeqLen)
		}
		m.batchSize, m.seqLen = B, T
		m.Acts.Init(m.Config, B, T)
		m.inputs = make([]int32, B*T)
		m.targets = make([]int32, B*T)
	}
	if B != m.batchSize || T != m.seqLen {
		return fmt.Errorf("batch shape (%d,%d) does not match allocated (%d,%d)", B, T, m.batchSize, m.seqLen)
	}
	for _, id := range inputs {
		if int(id) >= m.Config.VocabSize || id < 0 {
			return fmt.Errorf("token id %d out of vocabulary (size %d)", id, m.Config.VocabSize)
		}
	}
	copy(m.inputs, inputs)

	C, L, NH, V := m.Config.Dim, m.Config.NumLayers, m.Config.NumHeads, m.Config.VocabSize
	p, a := &m.Params, &m.Acts

	torch.EncoderForward(a.Encoded.data, inputs, p.TokEmbed.data, p.PosEmbed.data, B, T, C)
	ac.Cast(a.Encoded.data)

	residual := a.Encoded.data
	for l := 0; l < L; l++ {
		ln1 := a.Ln1.data[l*B*T*C:]
		qkv := a.QKV.data[l*B*T*3*C:]
		attnOut := a.AttnOut.data[l*B*T*C:]
		attnProj := a.AttnProj.data[l*B*T*C:]
		res2 := a.Res2.data[l*B*T*C:]
		ln2 := a.Ln2.data[l*B*T*C:]
		ffn := a.FFN.data[l*B*T*4*C:]
		ffnGelu := a.FFNGelu.data[l*B*T*4*C:]
		ffnProj := a.FFNProj.data[l*B*T*C:]
		res3 := a.Res3.data[l*B*T*C:]

		torch.LayernormForward(ln1, a.Ln1Mean.data[l*B*T:], a.Ln1Rstd.data[l*B*T:],
			residual, p.Ln1W.data[l*C:], p.Ln1B.data[l*C:], B, T, C)
		torch.MatmulForward(qkv, ln1, p.QKVW.data[l*3*C*C:], p.QKVB.data[l*3*C:], B, T, C, 3*C)
		ac.Cast(qkv[:B*T*3*C])
		torch.AttentionForward(attnOut, a.PreAttn.data[l*B*NH*T*T:], a.Attn.data[l*B*NH*T*T:],
			qkv, B, T, C, NH)
		torch.MatmulForward(attnProj, attnOut, p.AttnProjW.data[l*C*C:], p.AttnProjB.data[l*C:], B, T, C, C)
		ac.Cast(attnProj[:B*T*C])
		torch.ResidualForward(res2, residual, attnProj, B*T*C)
		torch.LayernormForward(ln2, a.Ln2Mean.data[l*B*T:], a.Ln2Rstd.data[l*B*T:],
			res2, p.Ln2W.data[l*C:], p.Ln2B.data[l*C:], B, T, C)
		torch.MatmulForward(ffn, ln2, p.FFNW.data[l*4*C*C:], p.FFNB.data[l*4*C:], B, T, C, 4*C)
		torch.GeluForward(ffnGelu, ffn, B*T*4*C)
		ac.Cast(ffnGelu[:B*T*4*C])
		torch.MatmulForward(ffnProj, ffnGelu, p.FFNProjW.data[l*C*4*C:], p.FFNProjB.data[l*C:], B, T, 4*C, C)
		ac.Cast(ffnProj[:B*T*C])
		torch.ResidualForward(res3, res2, ffnProj, B*T*C)

		residual = res3[:B*T*C]
	}

	torch.LayernormForward(a.LnF.data, a.LnFMean.data, a.LnFRstd.data,
		residual, p.LnFW.data, p.LnFB.data, B, T, C)
	// logits reuse the token embedding as the output projection (weight tying)
	torch.MatmulForward(a.Logits.data, a.LnF.data, p.TokEmbed.data, nil, B, T, C, V)
	torch.SoftmaxForward(a.Probs.data, a.Logits.data, B, T, V)

	if targets == nil {
		m.forwarded = false
		return nil
	}
	copy(m.targets, targets)
	torch.CrossEntropyForward(a.Losses.data, a.Probs.data, targets, B, T, V)
	m.forwarded = true
	return nil
}

// Backward accumulates parameter gradients from per-token loss gradients.
// dlosses has one entry per (b, t) position; the caller folds the loss mask,
// the accumulation scaling, and the loss scale into it.
func (m *Transformer) Backward(dlosses []float32) error {
	if !m.forwarded {
		return fmt.Errorf("backward requires a forward pass with targets")
	}
	B, T := m.batchSize, m.seqLen
	if len(dlosses) != B*T {
		return fmt.Errorf("loss gradient length %d, want %d", len(dlosses), B*T)
	}
	if m.Grads.Memory == nil {
		m.Grads.Init(m.Config)
		m.GradActs.Init(m.Config, B, T)
	} else {
		// activation gradients are accumulated by the kernels and must start
		// from zero every pass; parameter gradients keep accumulating
		for i := range m.GradActs.Memory {
			m.GradActs.Memory[i] = 0
		}
	}

	C, L, NH, V := m.Config.Dim, m.Config.NumLayers, m.Config.NumHeads, m.Config.VocabSize
	p, g, a, da := &m.Params, &m.Grads, &m.Acts, &m.GradActs

	copy(da.Losses.data, dlosses)
	torch.CrossEntropySoftmaxBackward(da.Logits.data, da.Losses.data, a.Probs.data, m.targets, B, T, V)
	torch.MatmulBackward(da.LnF.data, g.TokEmbed.data, nil, da.Logits.data, a.LnF.data, p.TokEmbed.data, B, T, C, V)

	residual := a.Res3.data[(L-1)*B*T*C:]
	dresidual := da.Res3.data[(L-1)*B*T*C:]
	torch.LayernormBackward(dresidual, g.LnFW.data, g.LnFB.data, da.LnF.data,
		residual, p.LnFW.data, a.LnFMean.data, a.LnFRstd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = a.Encoded.data
			dresidual = da.Encoded.data
		} else {
			residual = a.Res3.data[(l-1)*B*T*C:]
			dresidual = da.Res3.data[(l-1)*B*T*C:]
		}

		torch.ResidualBackward(da.Res2.data[l*B*T*C:], da.FFNProj.data[l*B*T*C:], da.Res3.data[l*B*T*C:], B*T*C)
		torch.MatmulBackward(da.FFNGelu.data[l*B*T*4*C:], g.FFNProjW.data[l*C*4*C:], g.FFNProjB.data[l*C:],
			da.FFNProj.data[l*B*T*C:], a.FFNGelu.data[l*B*T*4*C:], p.FFNProjW.data[l*C*4*C:], B, T, 4*C, C)
		torch.GeluBackward(da.FFN.data[l*B*T*4*C:], a.FFN.data[l*B*T*4*C:], da.FFNGelu.data[l*B*T*4*C:], B*T*4*C)
		torch.MatmulBackward(da.Ln2.data[l*B*T*C:], g.FFNW.data[l*4*C*C:], g.FFNB.data[l*4*C:],
			da.FFN.data[l*B*T*4*C:], a.Ln2.data[l*B*T*C:], p.FFNW.data[l*4*C*C:], B, T, C, 4*C)
		torch.LayernormBackward(da.Res2.data[l*B*T*C:], g.Ln2W.data[l*C:], g.Ln2B.data[l*C:],
			da.Ln2.data[l*B*T*C:], a.Res2.data[l*B*T*C:], p.Ln2W.data[l*C:],
			a.Ln2Mean.data[l*B*T:], a.Ln2Rstd.data[l*B*T:], B, T, C)
		torch.ResidualBackward(dresidual, da.AttnProj.data[l*B*T*C:], da.Res2.data[l*B*T*C:], B*T*C)
		torch.MatmulBackward(da.AttnOut.data[l*B*T*C:], g.AttnProjW.data[l*C*C:], g.AttnProjB.data[l*C:],
			da.AttnProj.data[l*B*T*C:], a.AttnOut.data[l*B*T*C:], p.AttnProjW.data[l*C*C:], B, T, C, C)
		torch.AttentionBackward(da.QKV.data[l*B*T*3*C:], da.PreAttn.data[l*B*NH*T*T:], da.Attn.data[l*B*NH*T*T:],
			da.AttnOut.data[l*B*T*C:], a.QKV.data[l*B*T*3*C:], a.Attn.data[l*B*NH*T*T:], B, T, C, NH)
		torch.MatmulBackward(da.Ln1.data[l*B*T*C:], g.QKVW.data[l*3*C*C:], g.QKVB.data[l*3*C:],
			da.QKV.data[l*B*T*3*C:], a.Ln1.data[l*B*T*C:], p.QKVW.data[l*3*C*C:], B, T, C, 3*C)
		torch.LayernormBackward(dresidual, g.Ln1W.data[l*C:], g.Ln1B.data[l*C:],
			da.Ln1.data[l*B*T*C:], residual, p.Ln1W.data[l*C:],
			a.Ln1Mean.data[l*B*T:], a.Ln1Rstd.data[l*B*T:], B, T, C)
	}

	torch.EncoderBackward(g.TokEmbed.data, g.PosEmbed.data, da.Encoded.data, m.inputs, B, T, C)
	return nil
}

// ZeroGrads resets the parameter and activation gradients.
func (m *Transformer) ZeroGrads() {
	for i := range m.Grads.Memory {
		m.Grads.Memory[i] = 0
	}
	for i := range m.GradActs.Memory {
		m.GradActs.Memory[i] = 0
	}
}
