package train

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyllm/sft/pkg/data"
	"github.com/tinyllm/sft/pkg/dataset"
	"github.com/tinyllm/sft/pkg/model"
	"github.com/tinyllm/sft/pkg/torch"
)

type stubDataset struct {
	n, seqLen, vocab int
}

func (d *stubDataset) Len() int    { return d.n }
func (d *stubDataset) SeqLen() int { return d.seqLen }

func (d *stubDataset) At(i int) (dataset.Sample, error) {
	input := make([]int32, d.seqLen)
	target := make([]int32, d.seqLen)
	mask := make([]float32, d.seqLen)
	for j := range input {
		input[j] = int32((i + j) % d.vocab)
		target[j] = int32((i + j + 1) % d.vocab)
		mask[j] = 1
	}
	return dataset.Sample{Input: input, Target: target, LossMask: mask}, nil
}

type recordingTracker struct {
	steps   []int
	scalars []map[string]float64
}

func (r *recordingTracker) Log(step int, scalars map[string]float64) error {
	r.steps = append(r.steps, step)
	r.scalars = append(r.scalars, scalars)
	return nil
}

func (r *recordingTracker) Close() error { return nil }

func newTestTrainer(t *testing.T, outDir string) (*Trainer, *recordingTracker) {
	t.Helper()
	mcfg := model.Config{Dim: 8, NumLayers: 1, NumHeads: 2, VocabSize: 16, MaxSeqLen: 8}
	cfg := Config{
		OutDir:       outDir,
		Epochs:       1,
		BatchSize:    2,
		LearningRate: 1e-3,
		Device:       "cpu",
		Dtype:        "float32",
		NumWorkers:   1,
		AccumSteps:   2,
		GradClip:     1.0,
		LogInterval:  1,
		SaveInterval: 2,
		Seed:         42,
	}
	require.NoError(t, cfg.Validate())

	m := tinyModel(t, 5)
	loader, err := data.NewLoader(&stubDataset{n: 8, seqLen: 4, vocab: mcfg.VocabSize}, cfg.BatchSize, cfg.NumWorkers, cfg.Seed)
	require.NoError(t, err)
	ac, err := torch.NewAutocast(cfg.Dtype)
	require.NoError(t, err)

	tracker := &recordingTracker{}
	return &Trainer{
		Cfg:       cfg,
		ModelCfg:  mcfg,
		Container: &single{m: m},
		Loader:    loader,
		Schedule:  CosineSchedule{BaseLR: cfg.LearningRate, WarmupIters: cfg.WarmupIters},
		Scaler:    NewGradScaler(cfg.MixedPrecision()),
		Autocast:  ac,
		Optimizer: model.NewAdamW(0.01),
		Tracker:   tracker,
	}, tracker
}

func TestTrainerRunWritesRollingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	tr, tracker := newTestTrainer(t, dir)
	require.NoError(t, tr.Run(context.Background()))

	// 4 steps with save-interval 2: the rolling file is written twice, to the
	// same path, so exactly one file exists
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sft_dim8_layers1_vocab_size16.bin", entries[0].Name())

	sd, err := model.LoadStateDict(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, tr.ModelCfg, sd.Config)

	// every step logged a finite loss and a rate inside the schedule bounds
	require.Len(t, tracker.steps, tr.Loader.Steps())
	for i, scalars := range tracker.scalars {
		assert.False(t, math.IsNaN(scalars["loss"]), "step %d loss is NaN", tracker.steps[i])
		assert.LessOrEqual(t, scalars["lr"], tr.Schedule.BaseLR)
		assert.GreaterOrEqual(t, scalars["lr"], tr.Schedule.MinLR())
	}
}

func TestTrainerWritesBothCheckpointsOnCoincidingStep(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTrainer(t, dir)
	tr.HistoryInterval = 2 // coincides with the save interval on every save
	require.NoError(t, tr.Run(context.Background()))

	// 4 steps: the rolling file is overwritten at steps 2 and 4, and each of
	// those steps also writes its own historical file
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"sft_dim8_layers1_vocab_size16.bin",
		"sft_dim8_layers1_vocab_size16_step2.bin",
		"sft_dim8_layers1_vocab_size16_step4.bin",
	}, names)
}

func TestTrainerSnapshotPaths(t *testing.T) {
	tr := &Trainer{
		Cfg:      Config{OutDir: "out"},
		ModelCfg: model.Config{Dim: 1024, NumLayers: 18, VocabSize: 6144},
	}
	assert.Equal(t, filepath.Join("out", "sft_dim1024_layers18_vocab_size6144.bin"),
		tr.snapshotPath(-1))
	assert.Equal(t, filepath.Join("out", "sft_dim1024_layers18_vocab_size6144_step20000.bin"),
		tr.snapshotPath(20000))
}

func TestTrainerRestoresTrainingModeAfterSave(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTrainer(t, dir)
	sc := tr.Container.(*single)
	require.True(t, sc.m.Training())
	require.NoError(t, tr.saveSnapshot(tr.snapshotPath(-1)))
	assert.True(t, sc.m.Training(), "training mode comes back after a snapshot")
}

// badDataset yields tokens outside the model vocabulary, so the first forward
// pass fails.
type badDataset struct {
	stubDataset
}

func (d *badDataset) At(i int) (dataset.Sample, error) {
	sample, err := d.stubDataset.At(i)
	if err != nil {
		return dataset.Sample{}, err
	}
	sample.Input[0] = int32(d.vocab)
	return sample, nil
}

func TestTrainerReleasesLoaderOnStepError(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTrainer(t, dir)
	ds := &badDataset{stubDataset{n: 8, seqLen: 4, vocab: tr.ModelCfg.VocabSize}}
	loader, err := data.NewLoader(ds, tr.Cfg.BatchSize, tr.Cfg.NumWorkers, tr.Cfg.Seed)
	require.NoError(t, err)
	tr.Loader = loader

	// the failing step must surface without waiting on parked loader workers
	err = tr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of vocabulary")
}

func TestTrainerStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTrainer(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
