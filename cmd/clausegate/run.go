package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/metalagman/clausegate/internal/coordinator"
	"github.com/metalagman/clausegate/internal/redline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, inspect and approve review runs",
	}
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runEventsCmd())
	cmd.AddCommand(runApproveRiskCmd())
	cmd.AddCommand(runApproveFinalCmd())
	cmd.AddCommand(runExportCmd())
	cmd.AddCommand(runReplayCmd())
	cmd.AddCommand(runExpireCmd())
	cmd.AddCommand(runPruneCmd())
	return cmd
}

func runStartCmd() *cobra.Command {
	var (
		file       string
		docID      string
		teamName   string
		playbookID string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Review a document with a team",
		Long:  "Review a document with a team. The document is read from --file or resolved by --doc in documents_dir.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := coordinator.StartRequest{DocID: docID, AgentPath: teamName, PlaybookID: playbookID}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read document: %w", err)
				}
				req.Text = string(data)
				if req.DocID == "" {
					req.DocID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
				}
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.coord.StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document file to review")
	cmd.Flags().StringVar(&docID, "doc", "", "document id in documents_dir")
	cmd.Flags().StringVarP(&teamName, "team", "t", "manager_worker", "team (agent path) to execute")
	cmd.Flags().StringVarP(&playbookID, "playbook", "p", "", "playbook passed to the risk assessor")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its blackboard",
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
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			for _, r := range a.coord.ListRuns() {
				fmt.Fprintf(out, "%s\t%-24s\t%-16s\t%.2f\t%s\n", r.ID, r.Status, r.AgentPath, r.Score, r.DocID)
			}
			return nil
		},
	}
}

func runEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			events, err := a.coord.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func runApproveRiskCmd() *cobra.Command {
	var (
		approve   []string
		reject    []string
		overrides map[string]string
		reviewer  string
		comments  string
	)
	cmd := &cobra.Command{
		Use:   "approve-risk <run-id>",
		Short: "Record clause decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]coordinator.RiskDecision, 0, len(approve)+len(reject))
			for _, id := range approve {
				items = append(items, coordinator.RiskDecision{ClauseID: id, Decision: "approve", Reviewer: reviewer, Comments: comments, RiskOverride: overrides[id]})
			}
			for _, id := range reject {
				items = append(items, coordinator.RiskDecision{ClauseID: id, Decision: "reject", Reviewer: reviewer, Comments: comments, RiskOverride: overrides[id]})
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.coord.RiskApprove(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringSliceVar(&approve, "approve", nil, "clause ids to approve")
	cmd.Flags().StringSliceVar(&reject, "reject", nil, "clause ids to reject")
	cmd.Flags().StringToStringVar(&overrides, "override", nil, "risk overrides as clause_id=LEVEL")
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	cmd.Flags().StringVar(&comments, "comment", "", "comment attached to every decision")
	return cmd
}

func runApproveFinalCmd() *cobra.Command {
	var (
		approve []string
		reject  []string
		note    string
	)
	cmd := &cobra.Command{
		Use:   "approve-final <run-id>",
		Short: "Sign off a run and settle its proposals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.coord.FinalApprove(cmd.Context(), args[0], coordinator.FinalApproval{
				ApprovedProposalIDs: approve,
				RejectedProposalIDs: reject,
				Note:                note,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringSliceVar(&approve, "approve", nil, "proposal ids to approve")
	cmd.Flags().StringSliceVar(&reject, "reject", nil, "proposal ids to reject")
	cmd.Flags().StringVar(&note, "note", "", "final note")
	return cmd
}

func runExportCmd() *cobra.Command {
	var (
		format  string
		preview bool
	)
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Render the review report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			art, err := a.coord.Export(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if preview && art.Format == redline.FormatMarkdown {
				rendered, err := glamour.Render(string(art.Data), "auto")
				if err != nil {
					return fmt.Errorf("render preview: %w", err)
				}
				fmt.Fprint(out, rendered)
			}
			fmt.Fprintln(out, art.URI)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", redline.FormatMarkdown, "md, docx or pdf")
	cmd.Flags().BoolVar(&preview, "preview", false, "render Markdown reports in the terminal")
	return cmd
}

func runReplayCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Clone a run into a new CREATED run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.coord.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if execute {
				if run, err = a.coord.Execute(cmd.Context(), run.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "execute the team on the replayed run")
	return cmd
}

func runExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire runs waiting for approval longer than approval_timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.coord.ExpireStale(cmd.Context())
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return err
		},
	}
}

func runPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old runs from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			policy := coordinator.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = coordinator.RetentionPolicy{
					KeepLast: a.cfg.Retention.KeepLast,
					KeepDays: a.cfg.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention in the config file)")
			}

			res, err := a.coord.Prune(cmd.Context(), policy, dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d runs (kept %d of %d)", mode, len(res.Deleted), res.Kept, res.Considered)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
