package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch/internal/format"
	"pkt.systems/crewwatch/internal/persist"
	"pkt.systems/crewwatch/schema"
)

var errJournalDisabled = errors.New("journal is disabled; set journal.path in the config")

func newJournalCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect locally journaled stream events",
	}
	cmd.AddCommand(newJournalListCmd(cfgPath))
	cmd.AddCommand(newJournalShowCmd(cfgPath))
	cmd.AddCommand(newJournalPruneCmd(cfgPath))
	return cmd
}

func openJournalCmd(cmd *cobra.Command, cfgPath string) (*persist.Journal, error) {
	rt, err := loadRuntime(cmd, cfgPath)
	if err != nil {
		return nil, err
	}
	journal, err := rt.openJournal(cmd.Context())
	if err != nil {
		return nil, err
	}
	if journal == nil {
		return nil, errJournalDisabled
	}
	return journal, nil
}

func newJournalListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List journaled streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournalCmd(cmd, *cfgPath)
			if err != nil {
				return err
			}
			defer journal.Close()
			targets, err := journal.Targets(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TARGET\tEVENTS\tLAST\tLAST SEEN")
			for _, summary := range targets {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", summary.Target, summary.Events, summary.LastType, summary.LastSeen.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newJournalShowCmd(cfgPath *string) *cobra.Command {
	var limit int
	var timestamps bool
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Replay journaled events of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := schema.NormalizeExecutionID(args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			journal, err := openJournalCmd(cmd, *cfgPath)
			if err != nil {
				return err
			}
			defer journal.Close()
			records, err := journal.ExecutionEvents(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			renderer := &format.PlainRenderer{Timestamps: timestamps, StripMarkdown: !raw}
			out := cmd.OutOrStdout()
			for _, record := range records {
				for _, line := range renderer.FormatEvent(record.Event) {
					_, _ = fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", persist.DefaultLimit, "maximum events")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "prefix events with their timestamp")
	cmd.Flags().BoolVar(&raw, "raw", false, "print agent output without flattening markdown")
	return cmd
}

func newJournalPruneCmd(cfgPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journaled events older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			journal, err := openJournalCmd(cmd, *cfgPath)
			if err != nil {
				return err
			}
			defer journal.Close()
			removed, err := journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d events\n", removed)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of events to delete")
	return cmd
}
