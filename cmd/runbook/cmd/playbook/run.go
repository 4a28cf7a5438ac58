// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kusari-oss/runbook/internal/condition"
	"github.com/kusari-oss/runbook/internal/core/format"
	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/engine"
	"github.com/kusari-oss/runbook/internal/events"
	"github.com/kusari-oss/runbook/internal/local"
	"github.com/kusari-oss/runbook/internal/registry"
	"github.com/kusari-oss/runbook/internal/store"
)

func newRunCmd() *cobra.Command {
	var (
		varFlags    []string
		autoApprove bool
		triggeredBy string
		workingDir  string
		outputFmt   string
		noHistory   bool
	)

	runCmd := &cobra.Command{
		Use:   "run [playbook-file]",
		Short: "Run a playbook locally",
		Long: `Run a playbook on the local machine. Agent actions execute as shell
commands, API calls go out over HTTP, and notifications print to stdout.
Approval gates, step approvals, and manual tasks prompt for a decision on
stdin (y approves, n with an optional reason rejects); --auto-approve
resolves them immediately instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := format.LoadPlaybook(args[0])
			if err != nil {
				return err
			}
			pb.Active = true

			vars, err := parseVars(varFlags)
			if err != nil {
				return err
			}

			return runPlaybook(cmd.Context(), pb, vars, runOptions{
				autoApprove: autoApprove,
				triggeredBy: triggeredBy,
				workingDir:  workingDir,
				outputFmt:   outputFmt,
				noHistory:   noHistory,
			})
		},
	}

	runCmd.Flags().StringArrayVar(&varFlags, "var", nil, "Execution variable as key=value (repeatable)")
	runCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Resolve approval gates and manual steps immediately instead of prompting")
	runCmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "Identity recorded as the execution's initiator")
	runCmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory for local agent actions")
	runCmd.Flags().StringVarP(&outputFmt, "output", "o", "yaml", "Result output format: yaml or json")
	runCmd.Flags().BoolVar(&noHistory, "no-history", false, "Skip writing the execution to the history store")

	return runCmd
}

type runOptions struct {
	autoApprove bool
	triggeredBy string
	workingDir  string
	outputFmt   string
	noHistory   bool
}

func runPlaybook(ctx context.Context, pb *models.Playbook, vars map[string]any, opts runOptions) error {
	cfg := currentConfig()
	logger := slog.Default()

	cond, err := condition.NewEvaluator()
	if err != nil {
		return fmt.Errorf("error building expression evaluator: %w", err)
	}

	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Close()

	reg := registry.New(bus, cond, logger)
	stored, err := reg.Create(ctx, *pb)
	if err != nil {
		return fmt.Errorf("playbook rejected: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxParallel(cfg.MaxParallelSteps),
		engine.WithDefaultStepTimeout(time.Duration(cfg.DefaultStepTimeoutSeconds) * time.Second),
		engine.WithDefaultApprovalTimeout(time.Duration(cfg.DefaultApprovalTimeoutMinutes * float64(time.Minute))),
		engine.WithPorts(local.Ports(opts.workingDir, logger)),
	}
	if cfg.StorePath != "" && !opts.noHistory {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("error opening history store: %w", err)
		}
		defer st.Close()
		engineOpts = append(engineOpts, engine.WithStore(st))
	}

	eng := engine.New(reg, bus, cond, engineOpts...)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	stream, unsubscribe := bus.Subscribe(context.Background(), events.Filter{PlaybookID: stored.ID})
	defer unsubscribe()
	var prompt *approvalPrompter
	if !opts.autoApprove {
		prompt = newApprovalPrompter(os.Stdin, os.Stdout)
	}
	go watchEvents(eng, stored, stream, opts.triggeredBy, prompt)

	exec, err := eng.Execute(ctx, stored.ID, vars, opts.triggeredBy)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = eng.Cancel(exec.ID, "interrupted")
	}()

	final, err := eng.Wait(context.Background(), exec.ID)
	if err != nil {
		return err
	}

	out, err := format.Render(final, opts.outputFmt)
	if err != nil {
		return err
	}
	fmt.Println(out)

	if final.Status != models.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s: %s", final.ID, final.Status)
	}
	return nil
}

// watchEvents narrates the execution and resolves gates and tasks as they
// appear: immediately when prompt is nil (auto-approve), otherwise by
// asking the operator on the prompt's input stream.
func watchEvents(eng *engine.Engine, pb *models.Playbook, stream <-chan events.Event, approver string, prompt *approvalPrompter) {
	for event := range stream {
		switch event.Type {
		case events.ExecutionPendingApproval:
			if prompt == nil {
				if _, err := eng.Approve(event.ExecutionID, approver, pb.ApprovalRoles); err != nil {
					fmt.Fprintf(os.Stderr, "auto-approve failed: %v\n", err)
				}
				continue
			}
			approved, reason := prompt.decide(fmt.Sprintf(
				"execution %s requires approval (roles: %s), approve? [y/N] ",
				event.ExecutionID, strings.Join(pb.ApprovalRoles, ", ")))
			if approved {
				if _, err := eng.Approve(event.ExecutionID, approver, pb.ApprovalRoles); err != nil {
					fmt.Fprintf(os.Stderr, "approve failed: %v\n", err)
				}
			} else {
				if _, err := eng.Reject(event.ExecutionID, approver, reason, pb.ApprovalRoles); err != nil {
					fmt.Fprintf(os.Stderr, "reject failed: %v\n", err)
				}
			}
		case events.StepApprovalRequired:
			taskID, _ := event.Payload["task_id"].(string)
			if prompt == nil {
				eng.ResolveStepApproval(taskID, approver, true, "auto-approved")
				continue
			}
			approved, reason := prompt.decide(fmt.Sprintf(
				"step %s requires approval, approve? [y/N] ", event.StepID))
			eng.ResolveStepApproval(taskID, approver, approved, reason)
		case events.StepManualRequired:
			taskID, _ := event.Payload["task_id"].(string)
			if prompt == nil {
				eng.CompleteManualTask(taskID, approver, nil)
				continue
			}
			done, _ := prompt.decide(fmt.Sprintf(
				"step %s is a manual task (%v), mark complete? [y/N] ",
				event.StepID, event.Payload["instructions"]))
			if done {
				eng.CompleteManualTask(taskID, approver, nil)
			} else {
				fmt.Printf("task %s left pending; the step fails at its timeout\n", taskID)
			}
		case events.StepCompleted:
			fmt.Printf("step %s completed\n", event.StepID)
		case events.StepSkipped:
			fmt.Printf("step %s skipped\n", event.StepID)
		case events.StepFailed:
			fmt.Printf("step %s failed: %v\n", event.StepID, event.Payload["error"])
		case events.ExecutionProgress:
			if p, ok := event.Payload["progress"].(float64); ok {
				fmt.Printf("progress: %.0f%%\n", p*100)
			}
		}
	}
}

// parseVars turns key=value flags into an execution variable map.
func parseVars(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, found := strings.Cut(f, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", f)
		}
		vars[key] = value
	}
	return vars, nil
}
