// ABOUTME: runs command: list, show and control subagent runs over the HTTP API
// ABOUTME: Lists print as aligned tables, details as indented JSON

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/store"
)

var (
	runsStatus string
	runsParent string
	runsLimit  int
	runsActive bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List subagent runs",
	Args:  cobra.NoArgs,
	RunE:  runListRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var run store.SubagentRun
		if err := client.do(cmd.Context(), "GET", "/api/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
			return err
		}
		return printJSON(run)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "comma-separated statuses to include")
	runsCmd.Flags().StringVar(&runsParent, "parent", "", "only runs of this parent session")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs")
	runsCmd.Flags().BoolVar(&runsActive, "active", false, "only in-memory runs (pending, running, paused)")

	runsCmd.AddCommand(runsShowCmd)
	for _, action := range []string{"stop", "pause", "resume"} {
		runsCmd.AddCommand(runActionCmd(action))
	}
}

func runActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <run-id>",
		Short: fmt.Sprintf("Request a %s transition", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var resp struct {
				Changed bool              `json:"changed"`
				Run     store.SubagentRun `json:"run"`
			}
			path := "/api/runs/" + url.PathEscape(args[0]) + "/" + action
			err = client.do(cmd.Context(), "POST", path, nil, &resp)
			if errors.Is(err, errConflict) {
				color.Yellow("%s refused: run %s is %s", action, resp.Run.RunID, resp.Run.Status)
				return nil
			}
			if err != nil {
				return err
			}
			color.Green("run %s is now %s", resp.Run.RunID, resp.Run.Status)
			return nil
		},
	}
}

func runListRuns(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	path := "/api/runs"
	q := url.Values{}
	if runsParent != "" {
		q.Set("parent", runsParent)
	}
	if runsActive {
		path = "/api/runs/active"
	} else {
		if runsStatus != "" {
			q.Set("status", runsStatus)
		}
		q.Set("limit", strconv.Itoa(runsLimit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Runs []store.SubagentRun `json:"runs"`
	}
	if err := client.do(cmd.Context(), "GET", path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cyan("RUN ID"), cyan("AGENT"), cyan("STATUS"), cyan("CREATED"), cyan("TASK"))
	for _, run := range resp.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.RunID,
			run.AgentID,
			colorStatus(string(run.Status)),
			run.CreatedAt.Local().Format(time.DateTime),
			truncate(run.Task, 50),
		)
	}
	return w.Flush()
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "error", "timeout":
		return color.RedString(status)
	case "running", "partial":
		return color.YellowString(status)
	default:
		return status
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
