package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/sym"
)

// PrintError prints err with any hints attached to it.
func PrintError(err error) {
	pterm.Error.Println(err.Error())
	if hint := errors.FlattenHints(err); hint != "" {
		pterm.Info.Println(hint)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	fmt.Println(string(data))
	return nil
}

func statusStyle(s async.JobStatus) *pterm.Style {
	switch s {
	case async.JobStatusCompleted:
		return pterm.NewStyle(pterm.FgGreen)
	case async.JobStatusFailed:
		return pterm.NewStyle(pterm.FgRed)
	case async.JobStatusPaused, async.JobStatusStopped:
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgCyan)
	}
}

// printSnapshot renders a job, its counts and its most recent items.
func printSnapshot(snap *async.Snapshot) {
	job := snap.Job
	pterm.DefaultSection.Printf("%s %s", sym.Pulse, job.ID)

	rows := [][]string{
		{"Type", job.JobType},
		{"Owner", job.OwnerScope},
		{"Mode", string(job.Mode)},
		{"Status", statusStyle(job.Status).Sprint(job.Status)},
		{"Steps", fmt.Sprintf("%d", job.Steps)},
		{"Items", fmt.Sprintf("%d/%d done, %d failed, %d skipped",
			snap.Counts.Done(), snap.Counts.Total, snap.Counts.Failed, snap.Counts.Skipped)},
		{"Updated", job.UpdatedAt.Local().Format(time.DateTime)},
	}
	if job.ClaimOwner != "" {
		rows = append(rows, []string{"Worker", job.ClaimOwner})
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", pterm.Red(job.Error)})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	if len(snap.RecentItems) > 0 {
		items := [][]string{{"Item", "Status", "Attempts", "Output / Error"}}
		for _, it := range snap.RecentItems {
			detail := it.OutputRef
			if it.ErrorCode != "" {
				detail = it.ErrorCode + ": " + it.ErrorDetail
			}
			items = append(items, []string{it.Key, string(it.Status), fmt.Sprintf("%d", it.Attempts), truncate(detail, 60)})
		}
		pterm.Println()
		_ = pterm.DefaultTable.WithHasHeader().WithData(items).Render()
	}

	if d := job.PendingDecision; d != nil {
		printDecision(job.ID, d)
	}
}

func printDecision(jobID string, d *async.Decision) {
	pterm.Println()
	pterm.Warning.Printf("%s %s needs a decision at %s: %s\n", sym.Gate, jobID, d.Stage, d.Question)
	if len(d.Options) > 0 {
		pterm.Info.Printf("Options: %s (default %s)\n", strings.Join(d.Options, ", "), d.Default)
	}
	pterm.Info.Printf("Answer with: slate job decide %s <value>\n", jobID)
}

func printJobs(jobs []*async.Job) {
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return
	}
	rows := [][]string{{"ID", "Type", "Owner", "Status", "Progress", "Updated"}}
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.JobType,
			j.OwnerScope,
			statusStyle(j.Status).Sprint(j.Status),
			fmt.Sprintf("%d/%d", j.Counts.Done(), j.Counts.Total),
			j.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
