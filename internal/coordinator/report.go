// ABOUTME: Aggregated fan-in report as markdown, plus HTML rendering via goldmark
// ABOUTME: Every sub-task is listed with its status, output or error, and duration

package coordinator

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-coordinator/internal/store"
)

// BuildReport renders the human-readable summary of a finalized batch.
func BuildReport(batch *store.CoordinatedTask) string {
	completed := 0
	for _, r := range batch.Results {
		if r.Status == store.ResultCompleted {
			completed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Coordination %s\n\n", batch.CoordinationID)
	fmt.Fprintf(&b, "Status: **%s** (%d of %d sub-tasks completed)\n", batch.Status, completed, len(batch.Results))

	for i, r := range batch.Results {
		title := r.AgentID
		if r.Label != "" {
			title = fmt.Sprintf("%s [%s]", r.AgentID, r.Label)
		}
		fmt.Fprintf(&b, "\n## %d. %s: %s (%s)\n\n", i+1, title, r.Status, formatDuration(r.DurationMs))

		if i < len(batch.Tasks) {
			fmt.Fprintf(&b, "Task: %s\n\n", firstLine(batch.Tasks[i].Task))
		}

		switch {
		case r.Status == store.ResultCompleted && r.Result != "":
			b.WriteString(strings.TrimSpace(r.Result))
			b.WriteString("\n")
		case r.Status == store.ResultCompleted:
			b.WriteString("_No output._\n")
		case r.Error != "":
			fmt.Fprintf(&b, "Error: %s\n", r.Error)
		}
	}
	return b.String()
}

// RenderReportHTML converts a markdown report to an HTML fragment. Raw HTML
// in agent output is not passed through.
func RenderReportHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return buf.String(), nil
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
