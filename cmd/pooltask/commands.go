package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/saleskingacademy/agentpool/internal/ipc"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
	"github.com/spf13/cobra"
)

type options struct {
	natsURL string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pooltask",
		Short:         "Submit and inspect agent pool tasks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("AGENTPOOL_NATS_URL")
	if defaultURL == "" {
		defaultURL = "nats://localhost:4222"
	}
	root.PersistentFlags().StringVar(&opts.natsURL, "nats", defaultURL, "NATS server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newSubmitCommand(opts),
		newExecuteCommand(opts),
		newCancelCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
		newStatusCommand(opts),
	)
	return root
}

// call sends one IPC command and turns an error reply into a Go error.
func (o *options) call(cmdType string, payload any) (*ipc.Response, error) {
	client, err := natsbus.NewClientFromURL(o.natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := ipc.Call(client, cmdType, payload, o.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

func newSubmitCommand(opts *options) *cobra.Command {
	var taskType string
	var priority int
	var execute bool

	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit a task to the pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.call(ipc.CmdSubmit, map[string]any{
				"description": strings.Join(args, " "),
				"type":        taskType,
				"priority":    priority,
			})
			if err != nil {
				return err
			}
			t := resp.Task
			if execute && t.Status == store.TaskInProgress {
				resp, err = opts.call(ipc.CmdExecute, map[string]string{"id": t.ID})
				if err != nil {
					return err
				}
				t = resp.Task
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type (required)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "task priority")
	cmd.Flags().BoolVarP(&execute, "execute", "x", false, "wait for the task to finish")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTaskCommand(opts *options, use, short, cmdType string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.call(cmdType, map[string]string{"id": args[0]})
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), resp.Task)
			return nil
		},
	}
}

func newExecuteCommand(opts *options) *cobra.Command {
	return newTaskCommand(opts, "execute", "Run an assigned task and wait for the result", ipc.CmdExecute)
}

func newCancelCommand(opts *options) *cobra.Command {
	return newTaskCommand(opts, "cancel", "Cancel a task", ipc.CmdCancel)
}

func newGetCommand(opts *options) *cobra.Command {
	return newTaskCommand(opts, "get", "Show a task", ipc.CmdGetTask)
}

func newListCommand(opts *options) *cobra.Command {
	var statusFilter, agent string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.call(ipc.CmdListTasks, map[string]any{
				"status": strings.ToUpper(statusFilter),
				"agent":  agent,
				"limit":  limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			for _, t := range resp.Tasks {
				fmt.Fprintf(out, "  %s  %s  %-12s %-10s %s\n",
					t.ID, statusColor(t.Status).Sprintf("%-11s", t.Status), t.Type, agentOrDash(t.AssignedAgent), truncate(t.Description, 50))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by assigned agent")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.call(ipc.CmdStatus, nil)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), resp.Status)
			return nil
		},
	}
}

func printTask(w io.Writer, t *store.Task) {
	if t == nil {
		return
	}
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Task %s\n", t.ID)
	fmt.Fprintf(w, "  Status:   %s\n", statusColor(t.Status).Sprint(t.Status))
	if t.Reason != "" {
		fmt.Fprintf(w, "  Reason:   %s\n", t.Reason)
	}
	fmt.Fprintf(w, "  Type:     %s\n", t.Type)
	fmt.Fprintf(w, "  Agent:    %s\n", agentOrDash(t.AssignedAgent))
	if t.DurationMS > 0 {
		fmt.Fprintf(w, "  Duration: %s\n", (time.Duration(t.DurationMS) * time.Millisecond).String())
	}
	if t.Result != "" {
		fmt.Fprintf(w, "\n%s\n", t.Result)
	}
}

func printStatus(w io.Writer, snap *status.Snapshot) {
	if snap == nil {
		return
	}
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Fprintln(w, "Agent pool")
	fmt.Fprintf(w, "  Agents:  %d total, %d active, %s, %s\n", snap.TotalAgents, snap.ActiveAgents,
		yellow.Sprintf("%d busy", snap.BusyAgents), green.Sprintf("%d idle", snap.IdleAgents))
	fmt.Fprintf(w, "  Tasks:   %d running, %s, %s, %d cancelled\n", snap.ActiveTasks,
		green.Sprintf("%d completed", snap.CompletedTasks), red.Sprintf("%d failed", snap.FailedTasks), snap.CancelledTasks)
	fmt.Fprintf(w, "  Score:   %.1f average\n", snap.AverageScore)
	fmt.Fprintf(w, "  Credits: %s\n\n", snap.CreditsLabel)

	for _, a := range snap.Agents {
		state := green.Sprint("idle")
		switch {
		case a.Status != string(store.AgentActive):
			state = red.Sprint("inactive")
		case a.CurrentTask != nil:
			state = yellow.Sprintf("busy %s", *a.CurrentTask)
		}
		fmt.Fprintf(w, "  %-28s L%-2d %5.1f  %4d done  %s\n", a.Name, a.Level, a.PerformanceScore, a.TasksCompleted, state)
	}
}

func statusColor(s store.TaskStatus) *color.Color {
	switch s {
	case store.TaskCompleted:
		return color.New(color.FgGreen)
	case store.TaskFailed:
		return color.New(color.FgRed)
	case store.TaskInProgress:
		return color.New(color.FgYellow)
	case store.TaskCancelled:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.Reset)
	}
}

func agentOrDash(id string) string {
	if id == "" {
		return "-"
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
