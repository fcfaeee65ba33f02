package main

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch"
	"pkt.systems/crewwatch/internal/credentials"
	"pkt.systems/crewwatch/internal/eventbus"
	"pkt.systems/crewwatch/internal/format"
	"pkt.systems/crewwatch/schema"
)

func newTailCmd(cfgPath *string) *cobra.Command {
	var timestamps bool
	var raw bool
	var states bool
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail <execution-id>",
		Short: "Stream the live events of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := schema.ParseTarget(schema.TargetExecution, args[0])
			if err != nil {
				return fmt.Errorf("execution id %q: %w", args[0], err)
			}
			rt, err := loadRuntime(cmd, *cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sinks, closeSinks, err := rt.sinks(ctx)
			if err != nil {
				return err
			}
			defer closeSinks()

			bus := eventbus.New(rt.log)
			events, unsubscribe := bus.Subscribe(target)
			renderer := &format.PlainRenderer{Timestamps: timestamps, StripMarkdown: !raw}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printBusEvents(cmd.OutOrStdout(), renderer, states, events)
			}()

			watcher, err := crewwatch.NewWatcher(crewwatch.WatcherConfig{
				Stream:         rt.streamConfig(),
				Sinks:          append(sinks, bus),
				StopOnTerminal: !follow,
			})
			if err != nil {
				unsubscribe()
				wg.Wait()
				return err
			}
			result, err := watcher.Run(ctx, target)
			unsubscribe()
			wg.Wait()
			if err != nil {
				if errors.Is(err, schema.ErrMissingCredential) {
					return errors.New("not logged in; run crewwatch login or set " + credentials.EnvToken)
				}
				return err
			}
			rt.log.Debug("tail finished", "events", result.Events)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "prefix events with their timestamp")
	cmd.Flags().BoolVar(&raw, "raw", false, "print agent output without flattening markdown")
	cmd.Flags().BoolVar(&states, "states", false, "print connection state changes")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming after the execution finishes")
	return cmd
}

func printBusEvents(w io.Writer, renderer *format.PlainRenderer, states bool, events <-chan eventbus.Event) {
	for ev := range events {
		switch ev.Type {
		case eventbus.EventStream:
			for _, line := range renderer.FormatEvent(ev.Stream) {
				_, _ = fmt.Fprintln(w, line)
			}
		case eventbus.EventState:
			if states {
				_, _ = fmt.Fprintln(w, renderer.FormatState(ev.From, ev.To))
			}
		}
	}
}
