package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-latentsep/checkpoints"
)

func newInspectCmd() *cobra.Command {
	var weights bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint|run-dir>",
		Short: "Print the training state stored in a checkpoint",
		Long: "Print the training state stored in a checkpoint. Given a run directory, " +
			"the latest epoch checkpoint in it is inspected.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCheckpoint(args[0])
			if err != nil {
				return err
			}
			cp, err := checkpoints.Load(path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "checkpoint\t%s\n", path)
			fmt.Fprintf(w, "created\t%s\n", cp.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "framework\t%s %s\n", cp.Metadata.Framework, cp.Metadata.Version)
			if cp.Metadata.Description != "" {
				fmt.Fprintf(w, "description\t%s\n", cp.Metadata.Description)
			}
			ts := cp.TrainingState
			fmt.Fprintf(w, "epoch\t%d\n", ts.Epoch)
			fmt.Fprintf(w, "step\t%d / %d\n", ts.Step, ts.TotalSteps)
			fmt.Fprintf(w, "learning rate\t%g\n", ts.LearningRate)
			fmt.Fprintf(w, "best metric\t%.3f\n", ts.BestMetric)
			if cp.OptimizerState != nil {
				fmt.Fprintf(w, "optimizer\t%s (%d state tensors)\n", cp.OptimizerState.Type, len(cp.OptimizerState.StateData))
			}

			total := 0
			for _, wt := range cp.Weights {
				total += len(wt.Data)
			}
			fmt.Fprintf(w, "parameters\t%d tensors, %d values\n", len(cp.Weights), total)
			if weights {
				for _, wt := range cp.Weights {
					fmt.Fprintf(w, "  %s\t%v\n", wt.Name, wt.Shape)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&weights, "weights", false, "list every weight tensor")
	return cmd
}

// resolveCheckpoint accepts a checkpoint file or a run directory
func resolveCheckpoint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return checkpoints.Latest(path)
	}
	return path, nil
}
