package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.String()); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s\n", info.Revision)
			}
			if !info.Time.IsZero() {
				fmt.Fprintf(out, "built: %s\n", info.Time.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS revision and build time")
	return cmd
}
