package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/tinyllm/sft/pkg/data"
	"github.com/tinyllm/sft/pkg/dataset"
	"github.com/tinyllm/sft/pkg/model"
	"github.com/tinyllm/sft/pkg/tokenizer"
	"github.com/tinyllm/sft/pkg/torch"
	"github.com/tinyllm/sft/pkg/track"
	"github.com/tinyllm/sft/pkg/train"
)

const (
	// tokenizerDir and the base checkpoint live at fixed relative paths next
	// to the binary, matching the pretraining stage's output layout.
	tokenizerDir = "./tokenizer_k"
	baseModelDir = "./base_model"

	trackProject = "tiny-llm"
	trackName    = "sft-215M"
)

// NewTrainCommand returns the train command.
func NewTrainCommand() *cobra.Command {
	var cfg train.Config
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the base model on instruction data",
		Long: `
Loads the pretrained base weights and fine-tunes them on a JSONL file of
instruction/response records. Checkpoints are written into the output
directory, named from the model dimensions.
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.OutDir, "out-dir", "sft_model_215M", "Output directory for checkpoints")
	cmd.Flags().IntVar(&cfg.Epochs, "epochs", 1, "Number of training epochs")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 64, "Batch size")
	cmd.Flags().Float64Var(&cfg.LearningRate, "learning-rate", 2e-4, "Peak learning rate")
	cmd.Flags().StringVar(&cfg.Device, "device", "cpu", "Device to train on")
	cmd.Flags().StringVar(&cfg.Dtype, "dtype", "bfloat16", "Numeric dtype (float32, bfloat16, float16)")
	cmd.Flags().BoolVar(&cfg.Track, "track", false, "Record loss and learning rate to a local experiment run")
	cmd.Flags().IntVar(&cfg.NumWorkers, "num-workers", 8, "Data loader worker count")
	cmd.Flags().StringVar(&cfg.DataPath, "data-path", "./sft_data.jsonl", "Training data file")
	cmd.Flags().IntVar(&cfg.AccumSteps, "accumulation-steps", 8, "Gradient accumulation steps")
	cmd.Flags().Float32Var(&cfg.GradClip, "grad-clip", 1.0, "Gradient clipping threshold")
	cmd.Flags().IntVar(&cfg.WarmupIters, "warmup-iters", 0, "Warmup iteration count")
	cmd.Flags().IntVar(&cfg.LogInterval, "log-interval", 100, "Steps between log lines")
	cmd.Flags().IntVar(&cfg.SaveInterval, "save-interval", 1000, "Steps between checkpoint saves")
	cmd.Flags().StringVar(&cfg.Devices, "devices", "", "Comma-separated device ids (e.g. '0,1,2')")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 42, "Shuffle seed")
	return cmd
}

func runTrain(cmd *cobra.Command, cfg train.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// device visibility must be pinned before anything queries devices
	if cfg.Devices != "" {
		if err := os.Setenv(train.VisibleDevicesEnv, cfg.Devices); err != nil {
			return err
		}
	}

	var tracker track.Tracker = track.Noop{}
	if cfg.Track {
		run, err := track.NewRun(cfg.OutDir, trackProject, trackName, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize tracking: %v", err)
		}
		defer run.Close()
		log.Info("tracking enabled", "dir", run.Dir())
		tracker = run
	}

	mcfg := model.DefaultConfig()
	basePath := fmt.Sprintf("%s/pretrain_%d_%d_%d.bin",
		baseModelDir, mcfg.Dim, mcfg.NumLayers, mcfg.VocabSize)

	tok, err := tokenizer.Load(tokenizerDir)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %v", err)
	}
	if tok.VocabSize() != mcfg.VocabSize {
		return fmt.Errorf("tokenizer vocabulary %d does not match model %d", tok.VocabSize(), mcfg.VocabSize)
	}

	container, err := train.BuildContainer(cfg, mcfg, basePath)
	if err != nil {
		return err
	}

	ds, err := dataset.Load(cfg.DataPath, tok, mcfg.MaxSeqLen)
	if err != nil {
		return err
	}
	loader, err := data.NewLoader(ds, cfg.BatchSize, cfg.NumWorkers, cfg.Seed)
	if err != nil {
		return err
	}
	log.Info("dataset ready", "records", ds.Len(), "steps_per_epoch", loader.Steps())

	autocast, err := newAutocast(cfg)
	if err != nil {
		return err
	}

	trainer := &train.Trainer{
		Cfg:       cfg,
		ModelCfg:  mcfg,
		Container: container,
		Loader:    loader,
		Schedule:  train.CosineSchedule{BaseLR: cfg.LearningRate, WarmupIters: cfg.WarmupIters},
		Scaler:    train.NewGradScaler(cfg.MixedPrecision()),
		Autocast:  autocast,
		Optimizer: model.NewAdamW(0),
		Tracker:   tracker,
	}
	return trainer.Run(cmd.Context())
}

// newAutocast picks the forward-pass precision context. Plain float32 runs
// get the no-op context regardless of device.
func newAutocast(cfg train.Config) (torch.Autocast, error) {
	return torch.NewAutocast(cfg.Dtype)
}
