package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tinyllm/sft/pkg/data"
	"github.com/tinyllm/sft/pkg/model"
	"github.com/tinyllm/sft/pkg/torch"
	"github.com/tinyllm/sft/pkg/track"
)

// historySaveEvery is the default cadence for historical snapshots. These
// carry the step number in the filename and are never overwritten, unlike the
// save-interval checkpoint which always lands on the same path. Both fire
// independently; a step hitting both cadences writes both files.
const historySaveEvery = 20000

// Trainer owns one fine-tuning run. Construct it with every collaborator
// explicit; Run then drives epochs x steps to completion.
type Trainer struct {
	Cfg       Config
	ModelCfg  model.Config
	Container Container
	Loader    *data.Loader
	Schedule  CosineSchedule
	Scaler    *GradScaler
	Autocast  torch.Autocast
	Optimizer *model.AdamW
	Tracker   track.Tracker

	// HistoryInterval overrides the historical-snapshot cadence; zero selects
	// the default.
	HistoryInterval int

	optSteps int
	dlosses  []float32
}

func (tr *Trainer) historyInterval() int {
	if tr.HistoryInterval > 0 {
		return tr.HistoryInterval
	}
	return historySaveEvery
}

// Run executes the full training schedule. It returns the first data,
// forward, backward or checkpoint error; cancellation of ctx ends the run
// after the current step with only already-written checkpoints persisting.
func (tr *Trainer) Run(ctx context.Context) error {
	if err := os.MkdirAll(tr.Cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	iterPerEpoch := tr.Loader.Steps()
	total := tr.Cfg.Epochs * iterPerEpoch
	log.Info("starting training",
		"epochs", tr.Cfg.Epochs,
		"steps_per_epoch", iterPerEpoch,
		"batch_size", tr.Cfg.BatchSize,
		"accumulation_steps", tr.Cfg.AccumSteps,
		"dtype", tr.Autocast.Dtype(),
	)

	for epoch := 0; epoch < tr.Cfg.Epochs; epoch++ {
		if err := tr.runEpoch(ctx, epoch, iterPerEpoch, total); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (tr *Trainer) runEpoch(ctx context.Context, epoch, iterPerEpoch, total int) error {
	// an early return must release the loader workers, not leave them parked
	// on the batch channel
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	step := 0
	for batch := range tr.Loader.Epoch(ctx, epoch) {
		it := epoch*iterPerEpoch + step
		lr := tr.Schedule.LR(it, total)

		loss, err := tr.trainStep(batch, step, lr)
		if err != nil {
			return err
		}

		if step%tr.Cfg.LogInterval == 0 {
			elapsed := time.Since(start)
			// minutes left in this epoch, from the running per-step average
			remain := int64(elapsed.Seconds()/float64(step+1)*float64(iterPerEpoch))/60 -
				int64(elapsed.Seconds())/60
			log.Info("train",
				"epoch", fmt.Sprintf("%d/%d", epoch+1, tr.Cfg.Epochs),
				"step", fmt.Sprintf("%d/%d", step, iterPerEpoch),
				"loss", fmt.Sprintf("%.3f", loss),
				"lr", fmt.Sprintf("%.7f", lr),
				"epoch_eta_min", remain,
			)
			if err := tr.Tracker.Log(it, map[string]float64{"loss": loss, "lr": lr}); err != nil {
				return fmt.Errorf("failed to log metrics: %v", err)
			}
		}

		if (step+1)%tr.Cfg.SaveInterval == 0 {
			if err := tr.saveSnapshot(tr.snapshotPath(-1)); err != nil {
				return err
			}
		}
		if (step+1)%tr.historyInterval() == 0 {
			if err := tr.saveSnapshot(tr.snapshotPath(step + 1)); err != nil {
				return err
			}
		}
		step++
	}
	return tr.Loader.Err()
}

// trainStep runs one forward/backward over a batch and, on the accumulation
// cadence, one optimizer step. It returns the display loss with the
// accumulation scaling undone.
func (tr *Trainer) trainStep(batch data.Batch, step int, lr float64) (float64, error) {
	losses, err := tr.Container.Forward(batch.Inputs, batch.Targets, batch.Size, batch.SeqLen, tr.Autocast)
	if err != nil {
		return 0, err
	}

	// Mean loss over valid tokens only, scaled down for accumulation. An
	// all-zero mask divides by zero here; that is a data defect surfaced as
	// NaN, not something the loop guards.
	var maskSum float32
	for _, m := range batch.LossMask {
		maskSum += m
	}
	var lossSum float32
	for i, l := range losses {
		lossSum += l * batch.LossMask[i]
	}
	display := float64(lossSum / maskSum)

	if tr.dlosses == nil {
		tr.dlosses = make([]float32, len(losses))
	}
	seed := tr.Scaler.Scale() / (maskSum * float32(tr.Cfg.AccumSteps))
	for i, m := range batch.LossMask {
		tr.dlosses[i] = m * seed
	}
	if err := tr.Container.Backward(tr.dlosses); err != nil {
		return 0, err
	}

	if (step+1)%tr.Cfg.AccumSteps == 0 {
		grads := tr.Container.Grads()
		finite := tr.Scaler.Unscale(grads)
		if finite {
			torch.ClipGradNorm(grads, tr.Cfg.GradClip)
			tr.optSteps++
			tr.Optimizer.Step(tr.Container.Params(), grads, float32(lr), tr.optSteps)
		} else {
			log.Warn("skipping optimizer step on non-finite gradients",
				"scale", tr.Scaler.Scale())
		}
		tr.Scaler.Update(finite)
		tr.Container.ZeroGrads()
	}
	return display, nil
}

// snapshotPath names a checkpoint from the model dimensions. step < 0 names
// the rolling save-interval file; otherwise the historical file with the step
// suffix.
func (tr *Trainer) snapshotPath(step int) string {
	name := fmt.Sprintf("sft_dim%d_layers%d_vocab_size%d",
		tr.ModelCfg.Dim, tr.ModelCfg.NumLayers, tr.ModelCfg.VocabSize)
	if step >= 0 {
		name += fmt.Sprintf("_step%d", step)
	}
	return filepath.Join(tr.Cfg.OutDir, name+".bin")
}

// saveSnapshot writes a checkpoint in evaluation mode and restores training
// mode after.
func (tr *Trainer) saveSnapshot(path string) error {
	tr.Container.SetTraining(false)
	defer tr.Container.SetTraining(true)
	sd := tr.Container.Snapshot()
	if err := sd.Save(path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	log.Info("saved checkpoint", "path", path)
	return nil
}
