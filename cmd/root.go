// Package cmd contains the commands of the fine-tuning CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sft",
	Short: "Supervised fine-tuning for the tiny-llm base model",
	Long: `
Fine-tunes a pretrained transformer language model on instruction/response
pairs, with mixed precision, gradient accumulation, cosine learning-rate
scheduling and periodic checkpointing.
	`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return err
		}
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewInspectCommand())
}
