// ABOUTME: coordinations command: fan out task batches, wait, stop and read reports
// ABOUTME: Talks to the coordinator HTTP API like the runs command

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/store"
)

var (
	coordLimit int

	fanoutSource  string
	fanoutParent  string
	fanoutTasks   []string
	fanoutTimeout time.Duration
	fanoutWait    bool
)

var coordinationsCmd = &cobra.Command{
	Use:     "coordinations",
	Aliases: []string{"coord"},
	Short:   "List fan-out batches",
	Args:    cobra.NoArgs,
	RunE:    runListCoordinations,
}

var coordShowCmd = &cobra.Command{
	Use:   "show <coordination-id>",
	Short: "Show one batch with its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordinationRequest(cmd, "GET", args[0], "")
	},
}

var coordWaitCmd = &cobra.Command{
	Use:   "wait <coordination-id>",
	Short: "Fan in: wait for every sub-task and print the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordinationRequest(cmd, "POST", args[0], "/wait")
	},
}

var coordStopCmd = &cobra.Command{
	Use:   "stop <coordination-id>",
	Short: "Stop every non-terminal run of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return coordinationRequest(cmd, "POST", args[0], "/stop")
	},
}

var coordReportCmd = &cobra.Command{
	Use:   "report <coordination-id>",
	Short: "Print the markdown report of a fanned-in batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var report string
		path := "/api/coordinations/" + url.PathEscape(args[0]) + "/report?format=md"
		err = client.do(cmd.Context(), "GET", path, nil, &report)
		if errors.Is(err, errConflict) {
			return fmt.Errorf("coordination %s has not been fanned in yet", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Print(report)
		return nil
	},
}

var coordFanOutCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Fan out tasks to agents",
	Long: `Fan out one task per --task flag, each given as agent=task.

Example:
  coven-coord coord fanout --source main --task researcher="find prior art" --task writer="draft intro" --wait`,
	Args: cobra.NoArgs,
	RunE: runFanOut,
}

func init() {
	coordinationsCmd.Flags().IntVar(&coordLimit, "limit", 50, "maximum number of batches")

	coordFanOutCmd.Flags().StringVar(&fanoutSource, "source", "", "agent ID fanning out (defaults to the token's agent)")
	coordFanOutCmd.Flags().StringVar(&fanoutParent, "parent", "", "parent session ID")
	coordFanOutCmd.Flags().StringArrayVar(&fanoutTasks, "task", nil, "sub-task as agent=task (repeatable)")
	coordFanOutCmd.Flags().DurationVar(&fanoutTimeout, "timeout", 0, "fan-in timeout (default from server config)")
	coordFanOutCmd.Flags().BoolVar(&fanoutWait, "wait", false, "wait for fan-in and print the report")
	_ = coordFanOutCmd.MarkFlagRequired("task")

	coordinationsCmd.AddCommand(coordShowCmd, coordWaitCmd, coordStopCmd, coordReportCmd, coordFanOutCmd)
}

// parseTaskFlags turns agent=task pairs into task specs.
func parseTaskFlags(raw []string) ([]store.TaskSpec, error) {
	specs := make([]store.TaskSpec, 0, len(raw))
	for _, r := range raw {
		agentID, task, ok := strings.Cut(r, "=")
		agentID = strings.TrimSpace(agentID)
		if !ok || agentID == "" || strings.TrimSpace(task) == "" {
			return nil, fmt.Errorf("invalid --task %q: want agent=task", r)
		}
		specs = append(specs, store.TaskSpec{AgentID: agentID, Task: task})
	}
	return specs, nil
}

func runFanOut(cmd *cobra.Command, args []string) error {
	tasks, err := parseTaskFlags(fanoutTasks)
	if err != nil {
		return err
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	req := map[string]any{
		"parent_session_id": fanoutParent,
		"source_agent_id":   fanoutSource,
		"tasks":             tasks,
		"timeout_ms":        fanoutTimeout.Milliseconds(),
		"wait":              fanoutWait,
	}
	var batch store.CoordinatedTask
	if err := client.do(cmd.Context(), "POST", "/api/coordinations", req, &batch); err != nil {
		return err
	}

	printBatch(&batch)
	return nil
}

func coordinationRequest(cmd *cobra.Command, method, id, suffix string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var batch store.CoordinatedTask
	if err := client.do(cmd.Context(), method, "/api/coordinations/"+url.PathEscape(id)+suffix, nil, &batch); err != nil {
		return err
	}
	printBatch(&batch)
	return nil
}

// printBatch shows the report once a batch is fanned in, otherwise its runs.
func printBatch(batch *store.CoordinatedTask) {
	if batch.AggregatedResult != "" {
		fmt.Print(batch.AggregatedResult)
		return
	}

	fmt.Printf("%s %s (%s)\n", color.CyanString("Coordination"), batch.CoordinationID, colorStatus(string(batch.Status)))
	for i, runID := range batch.RunIDs {
		agentID := ""
		if i < len(batch.Tasks) {
			agentID = batch.Tasks[i].AgentID
		}
		fmt.Printf("  %s  %s\n", runID, agentID)
	}
}

func runListCoordinations(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp struct {
		Coordinations []store.CoordinatedTask `json:"coordinations"`
	}
	path := "/api/coordinations?limit=" + strconv.Itoa(coordLimit)
	if err := client.do(cmd.Context(), "GET", path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Coordinations) == 0 {
		fmt.Println("No coordinations found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cyan("ID"), cyan("SOURCE"), cyan("STATUS"), cyan("TASKS"), cyan("CREATED"))
	for _, c := range resp.Coordinations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			c.CoordinationID,
			c.SourceAgentID,
			colorStatus(string(c.Status)),
			len(c.Tasks),
			c.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}
