// File: cmd/run.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/config"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/observability"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/rules"
)

// runOptions are the flags shared by run and cdp.
type runOptions struct {
	ruleFiles  []string
	ruleLines  []string
	scriptlets []string
	settle     time.Duration
	runID      string
	jsonOut    bool
	noStore    bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&o.ruleFiles, "rules", nil, "filter list files with scriptlet rules (repeatable)")
	cmd.Flags().StringArrayVar(&o.ruleLines, "rule", nil, "a single scriptlet rule, e.g. 'example.com##+js(nowebrtc)' (repeatable)")
	cmd.Flags().StringArrayVarP(&o.scriptlets, "scriptlet", "s", nil, "a scriptlet for every target, e.g. 'set-constant, ads, false' (repeatable)")
	cmd.Flags().DurationVar(&o.settle, "settle", 0, "time pages keep running after load (default from config)")
	cmd.Flags().StringVar(&o.runID, "run-id", "", "identifier to group results under (default random)")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "print run envelopes as JSON lines")
	cmd.Flags().BoolVar(&o.noStore, "no-store", false, "do not persist events even if a store is configured")
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run [targets...]",
		Short: "Load pages in the embedded JavaScript realm with scriptlets installed",
		Long: `Loads each target (an http(s) URL or a local HTML file) in an embedded JavaScript
realm, installs the scriptlets that the rules assign to its hostname plus any
given with --scriptlet, runs the page's scripts and reports every interception.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargets(cmd.Context(), cmd.OutOrStdout(), NewComponentFactory(), config.Get(), opts, schemas.TaskLoadPage, args)
		},
	}
	opts.bind(runCmd)
	return runCmd
}

func newCDPCmd() *cobra.Command {
	opts := &runOptions{}
	var headful bool
	cdpCmd := &cobra.Command{
		Use:   "cdp [urls...]",
		Short: "Load pages in Chrome with network-level scriptlets applied",
		Long: `Drives a local Chrome over the DevTools protocol. prevent-fetch, prevent-xhr and
the json-prune-*-response scriptlets are enforced by intercepting requests;
other scriptlets need the embedded realm (see 'run').`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *config.Get()
			if headful {
				cfg.CDP.Headless = false
			}
			return runTargets(cmd.Context(), cmd.OutOrStdout(), NewComponentFactory(), &cfg, opts, schemas.TaskBrowserNavigate, args)
		},
	}
	opts.bind(cdpCmd)
	cdpCmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	return cdpCmd
}

// parseScriptletFlags turns --scriptlet values into calls.
func parseScriptletFlags(values []string) ([]schemas.ScriptletCall, error) {
	calls := make([]schemas.ScriptletCall, 0, len(values))
	for _, v := range values {
		call, err := rules.ParseCall(v)
		if err != nil {
			return nil, fmt.Errorf("invalid --scriptlet %q: %w", v, err)
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// runTargets processes targets through the task engine and prints one
// summary per target. It fails if any target failed.
func runTargets(ctx context.Context, out io.Writer, factory ComponentFactory, base *config.Config, opts *runOptions, taskType schemas.TaskType, targets []string) error {
	logger := observability.GetLogger()

	calls, err := parseScriptletFlags(opts.scriptlets)
	if err != nil {
		return err
	}
	cfg := *base
	if opts.settle > 0 {
		cfg.Page.Settle = opts.settle
	}
	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	components, err := factory.Create(ctx, &cfg, FactoryOptions{
		RuleFiles: opts.ruleFiles,
		RuleLines: opts.ruleLines,
		Browser:   taskType == schemas.TaskBrowserNavigate,
		SkipStore: opts.noStore,
	})
	if err != nil {
		return err
	}
	defer components.Shutdown()

	var (
		mu        sync.Mutex
		envelopes []*schemas.RunEnvelope
	)
	components.TaskEngine.OnResult(func(envelope *schemas.RunEnvelope) {
		mu.Lock()
		envelopes = append(envelopes, envelope)
		mu.Unlock()
	})

	tasks := make(chan schemas.Task, len(targets))
	order := make(map[string]int, len(targets))
	for i, target := range targets {
		task := schemas.Task{
			TaskID:     uuid.NewString(),
			RunID:      runID,
			Type:       taskType,
			Target:     target,
			Scriptlets: calls,
		}
		order[task.TaskID] = i
		tasks <- task
	}
	close(tasks)

	logger.Info("Starting run", zap.String("run_id", runID), zap.Int("targets", len(targets)))
	components.TaskEngine.Start(ctx, tasks)
	components.TaskEngine.Stop()

	sort.Slice(envelopes, func(i, j int) bool {
		return order[envelopes[i].TaskID] < order[envelopes[j].TaskID]
	})
	if err := printEnvelopes(out, envelopes, opts.jsonOut); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed := len(targets) - len(envelopes); failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(targets))
	}
	if !opts.jsonOut {
		fmt.Fprintf(out, "run %s complete\n", runID)
	}
	return nil
}

func printEnvelopes(out io.Writer, envelopes []*schemas.RunEnvelope, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, envelope := range envelopes {
			if err := enc.Encode(envelope); err != nil {
				return fmt.Errorf("failed to encode envelope: %w", err)
			}
		}
		return nil
	}

	for _, envelope := range envelopes {
		counts := map[schemas.EventKind]int{}
		for _, e := range envelope.Events {
			counts[e.Kind]++
		}
		fmt.Fprintf(out, "%s: %d events", envelope.Target, len(envelope.Events))
		for _, kind := range []schemas.EventKind{
			schemas.EventInjected, schemas.EventRejected, schemas.EventBlocked, schemas.EventAborted,
			schemas.EventPruned, schemas.EventPrevented, schemas.EventSpoofed,
		} {
			if counts[kind] > 0 {
				fmt.Fprintf(out, " %s=%d", kind, counts[kind])
			}
		}
		fmt.Fprintf(out, ", %d requests\n", len(envelope.Requests))
		for _, e := range envelope.Events {
			if e.Kind == schemas.EventInjected {
				continue
			}
			fmt.Fprintf(out, "  %-9s %-26s %s\n", e.Kind, e.Scriptlet, e.Target)
		}
		for _, msg := range envelope.Errors {
			fmt.Fprintf(out, "  error: %s\n", msg)
		}
	}
	return nil
}
