package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/metalagman/clausegate/internal/tui"
	"github.com/spf13/cobra"
)

func reviewCmd() *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "review <run-id>",
		Short: "Review risky clauses of a run interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			view, err := a.coord.GetRun(args[0])
			if err != nil {
				return err
			}
			if !view.Run.Status.Awaiting() {
				return fmt.Errorf("run %s is %s, nothing to review", view.Run.ID, view.Run.Status)
			}

			p := tea.NewProgram(tui.NewReviewModel(view, reviewer), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			final, err := p.Run()
			if err != nil {
				return fmt.Errorf("review ui: %w", err)
			}
			m, ok := final.(tui.ReviewModel)
			if !ok || !m.Submitted() {
				fmt.Fprintln(cmd.OutOrStdout(), "review cancelled")
				return nil
			}
			run, err := a.coord.RiskApprove(cmd.Context(), view.Run.ID, m.Decisions())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	return cmd
}
