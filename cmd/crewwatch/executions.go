package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch/schema"
)

func newExecutionsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec", "x"},
		Short:   "Inspect and manage executions over the REST API",
	}
	cmd.AddCommand(newExecutionsListCmd(cfgPath))
	cmd.AddCommand(newExecutionsGetCmd(cfgPath))
	cmd.AddCommand(newExecutionsCancelCmd(cfgPath))
	cmd.AddCommand(newExecutionsLogsCmd(cfgPath))
	cmd.AddCommand(newExecutionsFeedbackCmd(cfgPath))
	return cmd
}

func newExecutionsListCmd(cfgPath *string) *cobra.Command {
	var page, pageSize int
	var status, crew string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := schema.ExecutionListRequest{Page: page, PageSize: pageSize, Status: schema.ExecutionStatus(status)}
			if crew != "" {
				id, err := schema.NormalizeCrewID(crew)
				if err != nil {
					return fmt.Errorf("crew id %q: %w", crew, err)
				}
				req.CrewID = id
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			list, err := client.ListExecutions(cmd.Context(), req)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSTARTED\tTOKENS")
			for _, exec := range list.Items {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", exec.ID, exec.ExecutionType, exec.Status, formatTime(exec.StartedAt), exec.TotalTokens)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d total\n", list.Page, list.Pages, list.Total)
			return err
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "executions per page")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&crew, "crew", "", "filter by crew id")
	return cmd
}

func newExecutionsGetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeExecutionID(args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			exec, err := client.GetExecution(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), exec)
		},
	}
}

func newExecutionsCancelCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeExecutionID(args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			if err := client.CancelExecution(cmd.Context(), id); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "execution %s cancelled\n", id)
			return err
		},
	}
}

func newExecutionsLogsCmd(cfgPath *string) *cobra.Command {
	var level string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <execution-id>",
		Short: "Print persisted logs of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeExecutionID(args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			logs, err := client.ExecutionLogs(cmd.Context(), id, schema.ExecutionLogsRequest{Level: level, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range logs {
				source := ""
				if entry.Source != "" {
					source = " [" + entry.Source + "]"
				}
				_, _ = fmt.Fprintf(out, "%s %s%s %s\n", entry.Timestamp.UTC().Format(time.RFC3339), strings.ToUpper(entry.Level), source, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only this log level")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum log lines")
	return cmd
}

func newExecutionsFeedbackCmd(cfgPath *string) *cobra.Command {
	var pairs []string
	var rawJSON string
	cmd := &cobra.Command{
		Use:   "feedback <execution-id>",
		Short: "Answer an execution waiting for human input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeExecutionID(args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			feedback, err := parseInputs(pairs, rawJSON)
			if err != nil {
				return err
			}
			if len(feedback) == 0 {
				return errNoFeedback
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			client, err := rt.api()
			if err != nil {
				return err
			}
			if err := client.SubmitHumanFeedback(cmd.Context(), id, feedback); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "feedback submitted for %s (%s)\n", id, strings.Join(sortedKeys(feedback), ", "))
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "data", "d", nil, "feedback field as key=value (repeatable)")
	cmd.Flags().StringVar(&rawJSON, "json", "", "feedback as a JSON object")
	return cmd
}

var errNoFeedback = errors.New("no feedback given; use --data key=value or --json")

func printExecution(w io.Writer, exec schema.Execution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "id:\t%s\n", exec.ID)
	_, _ = fmt.Fprintf(tw, "type:\t%s\n", exec.ExecutionType)
	if exec.CrewID != "" {
		_, _ = fmt.Fprintf(tw, "crew:\t%s\n", exec.CrewID)
	}
	if exec.FlowID != "" {
		_, _ = fmt.Fprintf(tw, "flow:\t%s\n", exec.FlowID)
	}
	_, _ = fmt.Fprintf(tw, "status:\t%s\n", exec.Status)
	_, _ = fmt.Fprintf(tw, "started:\t%s\n", formatTime(exec.StartedAt))
	_, _ = fmt.Fprintf(tw, "completed:\t%s\n", formatTime(exec.CompletedAt))
	if exec.DurationMS != nil {
		_, _ = fmt.Fprintf(tw, "duration:\t%s\n", time.Duration(*exec.DurationMS)*time.Millisecond)
	}
	_, _ = fmt.Fprintf(tw, "tokens:\t%d (prompt %d, completion %d)\n", exec.TotalTokens, exec.PromptTokens, exec.CompletionTokens)
	if exec.EstimatedCost > 0 {
		_, _ = fmt.Fprintf(tw, "cost:\t$%.4f\n", exec.EstimatedCost)
	}
	if exec.Error != "" {
		_, _ = fmt.Fprintf(tw, "error:\t%s\n", exec.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(exec.Outputs) > 0 {
		data, err := json.MarshalIndent(exec.Outputs, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "outputs:\n%s\n", data)
	}
	return nil
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
