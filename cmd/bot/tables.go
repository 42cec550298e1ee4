package main

import (
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"listing-bot/internal/database"
	"listing-bot/internal/models"
	"listing-bot/internal/orchestrator"
	"listing-bot/internal/scheduler"
)

func newOperationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List operations with their steps, parameters and default cadence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile, false)
			if err != nil {
				return err
			}
			defer a.Close()
			renderOperations(cmd.OutOrStdout(), a.orch.Operations(), a.cfg.Scheduler.Cadences)
			return nil
		},
	}
}

func renderOperations(w io.Writer, ops []*orchestrator.Operation, overrides map[string]string) {
	cadences := map[string]string{}
	for _, e := range scheduler.DefaultEntries() {
		cadences[e.Operation] = string(e.Cadence)
	}
	for op, c := range overrides {
		cadences[op] = c
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Operation", "Cadence", "Steps", "Parameters", "Description"})
	for _, op := range ops {
		params := make([]string, 0, len(op.Params))
		for _, p := range op.Params {
			params = append(params, p.Name+"="+p.Default)
		}
		cadence := cadences[op.Name]
		if cadence == "" {
			cadence = "-"
		}
		t.AppendRow(table.Row{
			op.Name,
			cadence,
			strings.Join(op.StepNames(), ", "),
			strings.Join(params, ", "),
			op.Description,
		})
	}
	t.Render()
}

func newRunsCmd() *cobra.Command {
	var (
		operation string
		status    string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent run records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile, false)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.db.ListRuns(cmd.Context(), database.RunFilter{
				Operation: operation,
				Status:    models.RunStatus(status),
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "only runs of this operation")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func renderRuns(w io.Writer, runs []models.RunRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Operation", "Status", "Started", "Duration", "Processed", "Failed", "Error"})
	for _, r := range runs {
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		t.AppendRow(table.Row{
			r.ID,
			r.Operation,
			r.Status,
			r.StartedAt.Format(time.DateTime),
			(time.Duration(r.ExecutionTimeMs) * time.Millisecond).String(),
			r.ProcessedItems,
			r.FailedItems,
			errMsg,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(runs)})
	t.Render()
}
