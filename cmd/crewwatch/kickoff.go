package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/crewwatch"
	"pkt.systems/crewwatch/internal/format"
	"pkt.systems/crewwatch/livestream"
	"pkt.systems/crewwatch/schema"
)

func newKickoffCmd(cfgPath *string) *cobra.Command {
	var inputs []string
	var inputsJSON string
	var cancelAfter time.Duration
	var timestamps bool
	var raw bool
	var states bool
	cmd := &cobra.Command{
		Use:   "kickoff <crew-id>",
		Short: "Start a crew over its control stream and follow the execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := schema.ParseTarget(schema.TargetCrew, args[0])
			if err != nil {
				return fmt.Errorf("crew id %q: %w", args[0], err)
			}
			payload, err := parseInputs(inputs, inputsJSON)
			if err != nil {
				return err
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

			out := cmd.OutOrStdout()
			var once sync.Once
			var timerMu sync.Mutex
			var cancelTimer *time.Timer
			defer func() {
				timerMu.Lock()
				if cancelTimer != nil {
					cancelTimer.Stop()
				}
				timerMu.Unlock()
			}()

			printer := &crewwatch.PrinterSink{
				W:        out,
				Renderer: &format.PlainRenderer{Timestamps: timestamps, StripMarkdown: !raw},
				States:   states,
			}
			watcher, err := crewwatch.NewWatcher(crewwatch.WatcherConfig{
				Stream:         rt.streamConfig(),
				Sinks:          append(sinks, printer),
				StopOnTerminal: true,
				OnOpen: func(_ context.Context, client *livestream.ControlClient) {
					once.Do(func() {
						if !client.Kickoff(payload) {
							rt.log.Warn("kickoff not sent")
						}
					})
				},
				OnEvent: func(evCtx context.Context, client *livestream.ControlClient, event schema.StreamEvent) {
					switch event.Type {
					case schema.EventExecutionCreated:
						_, _ = fmt.Fprintf(out, "follow with: crewwatch tail %s\n", event.ExecutionID)
						if cancelAfter > 0 {
							timerMu.Lock()
							cancelTimer = time.AfterFunc(cancelAfter, func() { cancelExecution(evCtx, rt, client) })
							timerMu.Unlock()
						}
					case schema.EventHumanInputRequired:
						_, _ = fmt.Fprintf(out, "answer with: crewwatch executions feedback %s --data key=value\n", client.ExecutionID())
					}
				},
			})
			if err != nil {
				return err
			}
			result, err := watcher.Run(ctx, target)
			if err != nil {
				return err
			}
			if result.Terminal != nil && result.Terminal.Type == schema.EventError {
				return fmt.Errorf("execution %s failed", result.Execution)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "crew input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "crew inputs as a JSON object")
	cmd.Flags().DurationVar(&cancelAfter, "cancel-after", 0, "cancel the execution after this long")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "prefix events with their timestamp")
	cmd.Flags().BoolVar(&raw, "raw", false, "print agent output without flattening markdown")
	cmd.Flags().BoolVar(&states, "states", false, "print connection state changes")
	return cmd
}

// cancelExecution cancels over the control stream while it is attached and
// through the REST API once the watcher has moved to the execution stream,
// which does not read commands.
func cancelExecution(ctx context.Context, rt *runtime, client *livestream.ControlClient) {
	if client.Target().Kind == schema.TargetCrew && client.Cancel() {
		return
	}
	id := client.ExecutionID()
	if id == "" {
		rt.log.Warn("cancel skipped", "err", schema.ErrNoExecution)
		return
	}
	api, err := rt.api()
	if err != nil {
		rt.log.Warn("cancel failed", "execution", string(id), "err", err)
		return
	}
	if err := api.CancelExecution(ctx, id); err != nil {
		rt.log.Warn("cancel failed", "execution", string(id), "err", err)
	}
}

// parseInputs merges a JSON object with key=value pairs; pairs win. Values
// that parse as JSON scalars keep their type, anything else is a string.
func parseInputs(pairs []string, rawJSON string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("inputs json: %w", err)
		}
		if out == nil {
			out = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q; expected key=value", pair)
		}
		out[key] = scalar(value)
	}
	return out, nil
}

func scalar(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
