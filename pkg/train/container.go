package train

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tinyllm/sft/pkg/model"
	"github.com/tinyllm/sft/pkg/torch"
)

// Container is the parameter holder the training loop drives. It hides
// whether the model runs on a single device or is replicated data-parallel;
// the loop only sees per-token losses, flat parameters and flat gradients.
type Container interface {
	// Forward runs the model over the flattened (B*T) batch and returns the
	// per-token losses.
	Forward(inputs, targets []int32, B, T int, ac torch.Autocast) ([]float32, error)
	// Backward accumulates parameter gradients from per-token loss gradients.
	Backward(dlosses []float32) error
	// Params returns the flat parameter memory the optimizer steps.
	Params() []float32
	// Grads returns the flat accumulated gradient memory.
	Grads() []float32
	// ZeroGrads clears the accumulated gradients.
	ZeroGrads()
	// Snapshot extracts a replication-agnostic parameter snapshot.
	Snapshot() *model.StateDict
	// SetTraining toggles training/evaluation mode.
	SetTraining(training bool)
}

// BuildContainer constructs the model, loads the base weights non-strictly,
// and wraps it in a single or replicated container depending on how many
// device ids are visible.
func BuildContainer(cfg Config, mcfg model.Config, basePath string) (Container, error) {
	m := model.New(mcfg)
	if err := m.LoadPretrained(basePath); err != nil {
		return nil, fmt.Errorf("failed to load base weights: %v", err)
	}
	log.Info("model initialized",
		"params_millions", fmt.Sprintf("%.3f", float64(m.NumParams())/1e6))

	ids, err := cfg.DeviceIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) > 1 {
		log.Info("replicating model data-parallel", "replicas", len(ids))
		return newReplicated(m, len(ids), cfg.BatchSize)
	}
	return &single{m: m}, nil
}

// single drives one model instance.
type single struct {
	m *model.Transformer
}

func (s *single) Forward(inputs, targets []int32, B, T int, ac torch.Autocast) ([]float32, error) {
	if err := s.m.Forward(inputs, targets, B, T, ac); err != nil {
		return nil, err
	}
	return s.m.Losses(), nil
}

func (s *single) Backward(dlosses []float32) error { return s.m.Backward(dlosses) }
func (s *single) Params() []float32                { return s.m.Params.Memory }
func (s *single) Grads() []float32                 { return s.m.Grads.Memory }
func (s *single) ZeroGrads()                       { s.m.ZeroGrads() }
func (s *single) Snapshot() *model.StateDict       { return s.m.Snapshot() }
func (s *single) SetTraining(training bool)        { s.m.SetTraining(training) }

// replicated runs data-parallel replicas that share one parameter memory.
// Each replica computes forward and backward over its shard of the batch in
// its own goroutine; gradients are reduced into the primary replica after the
// joins. Parameters are only mutated by the optimizer between steps, from the
// single control goroutine, so the sharing needs no locks.
type replicated struct {
	replicas []*model.Transformer
	shards   []int // rows of the batch per replica
	losses   []float32
}

func newReplicated(primary *model.Transformer, n, batchSize int) (*replicated, error) {
	if batchSize < n {
		return nil, fmt.Errorf("batch size %d smaller than %d replicas", batchSize, n)
	}
	r := &replicated{replicas: make([]*model.Transformer, n), shards: make([]int, n)}
	r.replicas[0] = primary
	for i := 1; i < n; i++ {
		r.replicas[i] = model.NewReplica(primary)
	}
	base, extra := batchSize/n, batchSize%n
	for i := range r.shards {
		r.shards[i] = base
		if i < extra {
			r.shards[i]++
		}
	}
	return r, nil
}

// split returns the row range of replica i.
func (r *replicated) split(i int) (lo, hi int) {
	for j := 0; j < i; j++ {
		lo += r.shards[j]
	}
	return lo, lo + r.shards[i]
}

func (r *replicated) Forward(inputs, targets []int32, B, T int, ac torch.Autocast) ([]float32, error) {
	if r.losses == nil {
		r.losses = make([]float32, B*T)
	}
	errs := make([]error, len(r.replicas))
	var wg sync.WaitGroup
	for i, rep := range r.replicas {
		lo, hi := r.split(i)
		wg.Add(1)
		go func(i int, rep *model.Transformer) {
			defer wg.Done()
			b := hi - lo
			err := rep.Forward(inputs[lo*T:hi*T], targets[lo*T:hi*T], b, T, ac)
			if err != nil {
				errs[i] = err
				return
			}
			copy(r.losses[lo*T:hi*T], rep.Losses())
		}(i, rep)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return r.losses, nil
}

func (r *replicated) Backward(dlosses []float32) error {
	errs := make([]error, len(r.replicas))
	var wg sync.WaitGroup
	for i, rep := range r.replicas {
		lo, hi := r.split(i)
		T := len(dlosses) / r.batchRows()
		wg.Add(1)
		go func(i int, rep *model.Transformer) {
			defer wg.Done()
			errs[i] = rep.Backward(dlosses[lo*T : hi*T])
		}(i, rep)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	// reduce: the loss-gradient seed already carries the global batch
	// normalization, so summing shard gradients gives the full-batch gradient.
	// Replica buffers are drained so that gradient accumulation across passes
	// only ever happens in the primary.
	primary := r.replicas[0].Grads.Memory
	for _, rep := range r.replicas[1:] {
		mem := rep.Grads.Memory
		for i, g := range mem {
			primary[i] += g
			mem[i] = 0
		}
	}
	return nil
}

func (r *replicated) batchRows() int {
	n := 0
	for _, s := range r.shards {
		n += s
	}
	return n
}

func (r *replicated) Params() []float32 { return r.replicas[0].Params.Memory }
func (r *replicated) Grads() []float32  { return r.replicas[0].Grads.Memory }

func (r *replicated) ZeroGrads() {
	for _, rep := range r.replicas {
		rep.ZeroGrads()
	}
}

// Snapshot unwraps the replication: the snapshot is taken from the primary
// replica only.
func (r *replicated) Snapshot() *model.StateDict { return r.replicas[0].Snapshot() }

func (r *replicated) SetTraining(training bool) {
	for _, rep := range r.replicas {
		rep.SetTraining(training)
	}
}
