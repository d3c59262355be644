package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyllm/sft/pkg/model"
)

// NewInspectCommand returns the inspect command.
func NewInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Print the architecture and tensors of a checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := model.LoadStateDict(args[0])
			if err != nil {
				return err
			}
			cfg := sd.Config
			fmt.Printf("dim=%d layers=%d heads=%d vocab_size=%d max_seq_len=%d\n",
				cfg.Dim, cfg.NumLayers, cfg.NumHeads, cfg.VocabSize, cfg.MaxSeqLen)
			total := 0
			for _, nt := range sd.Tensors {
				fmt.Printf("%-24s %d\n", nt.Name, len(nt.Data))
				total += len(nt.Data)
			}
			fmt.Printf("total parameters: %.3f million\n", float64(total)/1e6)
			return nil
		},
	}
}
