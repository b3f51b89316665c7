package main

import (
	"fmt"

	"github.com/metalagman/clausegate/internal/rollback"
	"github.com/spf13/cobra"
)

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage prompt A/B experiments",
	}
	cmd.AddCommand(experimentCreateCmd())
	cmd.AddCommand(experimentListCmd())
	cmd.AddCommand(experimentLogCmd())
	cmd.AddCommand(experimentCheckCmd())
	return cmd
}

func experimentCreateCmd() *cobra.Command {
	var e rollback.Experiment
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Start an experiment between an active and a candidate version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.Prompt = args[0]
			if e.TrafficSplit < 0 || e.TrafficSplit > 1 {
				return fmt.Errorf("traffic split must be within [0,1]")
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.experiments.StartExperiment(cmd.Context(), e); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVar(&e.ActiveVersion, "active", "", "active version")
	cmd.Flags().StringVar(&e.CandidateVersion, "candidate", "", "candidate version")
	cmd.Flags().Float64Var(&e.TrafficSplit, "split", 0.1, "share of traffic sent to the candidate")
	_ = cmd.MarkFlagRequired("active")
	_ = cmd.MarkFlagRequired("candidate")
	return cmd
}

func experimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.experiments.Experiments(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func experimentLogCmd() *cobra.Command {
	var c rollback.Call
	var failed bool
	cmd := &cobra.Command{
		Use:   "log <prompt> <version>",
		Short: "Record a collaborator call outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Prompt, c.Version, c.Success = args[0], args[1], !failed
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.experiments.RecordCall(cmd.Context(), c)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "record a failed call")
	return cmd
}

func experimentCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Evaluate active experiments once and revert degraded candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			verdicts := a.monitor().CheckOnce(cmd.Context())
			return printJSON(cmd.OutOrStdout(), verdicts)
		},
	}
}
