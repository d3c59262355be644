package model

// tensor is a view into a flat backing slice.
type tensor struct {
	data []float32
}

// carver hands out contiguous views of a single backing slice. Keeping all
// parameters (and all gradients) in one slice lets the optimizer and the
// gradient clipper run a single flat loop.
type carver struct {
	mem []float32
	off int
}

func (c *carver) take(shape ...int) tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	t := tensor{data: c.mem[c.off : c.off+n]}
	c.off += n
	return t
}

// ParameterTensors holds the learnable weights as named views over one flat
// Memory slice. The same layout is used for gradients.
type ParameterTensors struct {
	Memory []float32

	TokEmbed  tensor // (V, C)
	PosEmbed  tensor // (maxT, C)
	Ln1W      tensor // (L, C)
	Ln1B      tensor // (L, C)
	QKVW      tensor // (L, 3C, C)
	QKVB      tensor // (L, 3C)
	AttnProjW tensor // (L, C, C)
	AttnProjB tensor // (L, C)
	Ln2W      tensor // (L, C)
	Ln2B      tensor // (L, C)
	FFNW      tensor // (L, 4C, C)
	FFNB      tensor // (L, 4C)
	FFNProjW  tensor // (L, C, 4C)
	FFNProjB  tensor // (L, C)
	LnFW      tensor // (C)
	LnFB      tensor // (C)
}

// NamedTensor pairs a checkpoint key with its parameter view.
type NamedTensor struct {
	Name string
	Data []float32
}

// Init allocates the flat memory and carves the named views.
func (p *ParameterTensors) Init(cfg Config) {
	C, L, V, maxT := cfg.Dim, cfg.NumLayers, cfg.VocabSize, cfg.MaxSeqLen
	total := V*C + maxT*C +
		L*(C+C+3*C*C+3*C+C*C+C+C+C+4*C*C+4*C+C*4*C+C) +
		C + C
	p.Memory = make([]float32, total)
	c := carver{mem: p.Memory}
	p.TokEmbed = c.take(V, C)
	p.PosEmbed = c.take(maxT, C)
	p.Ln1W = c.take(L, C)
	p.Ln1B = c.take(L, C)
	p.QKVW = c.take(L, 3*C, C)
	p.QKVB = c.take(L, 3*C)
	p.AttnProjW = c.take(L, C, C)
	p.AttnProjB = c.take(L, C)
	p.Ln2W = c.take(L, C)
	p.Ln2B = c.take(L, C)
	p.FFNW = c.take(L, 4*C, C)
	p.FFNB = c.take(L, 4*C)
	p.FFNProjW = c.take(L, C, 4*C)
	p.FFNProjB = c.take(L, C)
	p.LnFW = c.take(C)
	p.LnFB = c.take(C)
}

// Named returns the checkpoint key for every parameter view, in a stable
// order.
func (p *ParameterTensors) Named() []NamedTensor {
	return []NamedTensor{
		{"tok_embed.weight", p.TokEmbed.data},
		{"pos_embed.weight", p.PosEmbed.data},
		{"ln1.weight", p.Ln1W.data},
		{"ln1.bias", p.Ln1B.data},
		{"attn.qkv.weight", p.QKVW.data},
		{"attn.qkv.bias", p.QKVB.data},
		{"attn.proj.weight", p.AttnProjW.data},
		{"attn.proj.bias", p.AttnProjB.data},
		{"ln2.weight", p.Ln2W.data},
		{"ln2.bias", p.Ln2B.data},
		{"ffn.fc.weight", p.FFNW.data},
		{"ffn.fc.bias", p.FFNB.data},
		{"ffn.proj.weight", p.FFNProjW.data},
		{"ffn.proj.bias", p.FFNProjB.data},
		{"lnf.weight", p.LnFW.data},
		{"lnf.bias", p.LnFB.data},
	}
}

// ActivationTensors holds every intermediate of one forward pass over a fixed
// (B, T). The same layout is reused for activation gradients.
type ActivationTensors struct {
	Memory []float32

	Encoded  tensor // (B, T, C)
	Ln1      tensor // (L, B, T, C)
	Ln1Mean  tensor // (L, B, T)
	Ln1Rstd  tensor // (L, B, T)
	QKV      tensor // (L, B, T, 3C)
	AttnOut  tensor // (L, B, T, C)
	PreAttn  tensor // (L, B, NH, T, T)
	Attn     tensor // (L, B, NH, T, T)
	AttnProj tensor // (L, B, T, C)
	Res2     tensor // (L, B, T, C)
	Ln2      tensor // (L, B, T, C)
	Ln2Mean  tensor // (L, B, T)
	Ln2Rstd  tensor // (L, B, T)
	FFN      tensor // (L, B, T, 4C)
	FFNGelu  tensor // (L, B, T, 4C)
	FFNProj  tensor // (L, B, T, C)
	Res3     tensor // (L, B, T, C)
	LnF      tensor // (B, T, C)
	LnFMean  tensor // (B, T)
	LnFRstd  tensor // (B, T)
	Logits   tensor // (B, T, V)
	Probs    tensor // (B, T, V)
	Losses   tensor // (B, T)
}

// Init allocates the flat memory and carves the views for a (B, T) batch.
func (a *ActivationTensors) Init(cfg Config, B, T int) {
	C, L, NH, V := cfg.Dim, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize
	total := B*T*C +
		L*(B*T*C+B*T+B*T+B*T*3*C+B*T*C+2*B*NH*T*T+B*T*C+B*T*C+B*T*C+B*T+B*T+2*B*T*4*C+B*T*C+B*T*C) +
		B*T*C + 2*B*T + 2*B*T*V + B*T
	a.Memory = make([]float32, total)
	c := carver{mem: a.Memory}
	a.Encoded = c.take(B, T, C)
	a.Ln1 = c.take(L, B, T, C)
	a.Ln1Mean = c.take(L, B, T)
	a.Ln1Rstd = c.take(L, B, T)
	a.QKV = c.take(L, B, T, 3*C)
	a.AttnOut = c.take(L, B, T, C)
	a.PreAttn = c.take(L, B, NH, T, T)
	a.Attn = c.take(L, B, NH, T, T)
	a.AttnProj = c.take(L, B, T, C)
	a.Res2 = c.take(L, B, T, C)
	a.Ln2 = c.take(L, B, T, C)
	a.Ln2Mean = c.take(L, B, T)
	a.Ln2Rstd = c.take(L, B, T)
	a.FFN = c.take(L, B, T, 4*C)
	a.FFNGelu = c.take(L, B, T, 4*C)
	a.FFNProj = c.take(L, B, T, C)
	a.Res3 = c.take(L, B, T, C)
	a.LnF = c.take(B, T, C)
	a.LnFMean = c.take(B, T)
	a.LnFRstd = c.take(B, T)
	a.Logits = c.take(B, T, V)
	a.Probs = c.take(B, T, V)
	a.Losses = c.take(B, T)
}
