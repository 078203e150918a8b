package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/sym"
)

// RunCmd drives a job from this process
var RunCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: sym.Pulse + " Drive a job until it finishes or needs a decision",
	Long: sym.Pulse + ` run — Drive a job until it finishes or needs a decision

Ticks the job one step at a time. Interrupting with Ctrl+C loses at most the
step in flight; run again later to pick up where it stopped. Without a job id,
the active job for --owner and --type is driven.

Examples:
  slate run JB8f2k...
  slate run --owner project-1 --type ladder-run
  slate run JB8f2k... --server http://127.0.0.1:8770`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var runWorker string

func init() {
	RunCmd.Flags().StringVar(&jobOwner, "owner", "", "Owner scope of the active job to drive")
	RunCmd.Flags().StringVar(&jobType, "type", "", "Type of the active job to drive")
	RunCmd.Flags().StringVar(&runWorker, "worker", "", "Worker token (generated when empty)")
}

func runRun(cmd *cobra.Command, args []string) error {
	api, done, err := openAPI(cmd)
	if err != nil {
		return err
	}
	defer done()

	var jobID string
	switch {
	case len(args) == 1:
		jobID = args[0]
	case jobOwner != "" && jobType != "":
		snap, err := api.ActiveJob(cmd.Context(), jobOwner, jobType)
		if err != nil {
			return err
		}
		if snap == nil {
			return errors.WithHint(
				errors.NewNotFoundError("no active %s job for %s", jobType, jobOwner),
				fmt.Sprintf("start one with: slate job start %s --owner %s", jobType, jobOwner))
		}
		jobID = snap.Job.ID
	default:
		return errors.NewInvalidRequestError("pass a job id, or --owner and --type")
	}
	return drive(cmd, api, jobID)
}

// drive runs a driver loop for jobID, rendering progress until it ends.
func drive(cmd *cobra.Command, api jobAPI, jobID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dc := driver.DefaultConfig()
	if cfg, err := am.Load(); err == nil && cfg.Interval() > 0 {
		dc.Interval = cfg.Interval()
	}
	dc.WorkerToken = runWorker
	d := driver.New(api, dc, logger.Logger.Named("drive"))
	loop := d.Start(ctx, jobID)

	bar, _ := pterm.DefaultProgressbar.WithTitle(jobID).WithTotal(1).WithRemoveWhenDone(true).Start()
	for res := range loop.Updates() {
		renderTick(bar, res)
	}
	if bar != nil {
		_, _ = bar.Stop()
	}
	return reportOutcome(ctx, api, loop.Wait())
}

func renderTick(bar *pterm.ProgressbarPrinter, res *async.TickResult) {
	if bar == nil || res.Job == nil {
		return
	}
	total, done := res.Counts.Total, res.Counts.Done()
	if total <= 0 {
		total, done = 1, 0
	}
	bar.Total = total
	bar.Current = done
	title := fmt.Sprintf("%s %s", res.Job.ID, res.Job.Status)
	if res.Item != nil {
		title += " " + res.Item.Key
	}
	bar.UpdateTitle(title)
}

func reportOutcome(ctx context.Context, api jobAPI, out driver.Outcome) error {
	switch out.Reason {
	case driver.ReasonTerminal:
		if out.Err != nil {
			return out.Err
		}
		pterm.Success.Printf("%s %s finished after %d ticks\n", sym.Pulse, out.Job.ID, out.Ticks)
	case driver.ReasonAwaitingApproval:
		// The snapshot below shows the pending decision.
	case driver.ReasonPaused:
		pterm.Warning.Printf("%s is paused; resume it with: slate job resume %s\n", jobIDOf(out), jobIDOf(out))
	case driver.ReasonCancelled:
		pterm.Info.Println("Interrupted; run again to continue from the last persisted step")
	case driver.ReasonError:
		return out.Err
	}
	if out.Job == nil {
		return nil
	}
	snap, err := api.Status(context.WithoutCancel(ctx), out.Job.ID)
	if err != nil {
		return nil
	}
	printSnapshot(snap)
	return nil
}

func jobIDOf(out driver.Outcome) string {
	if out.Job == nil {
		return "the job"
	}
	return out.Job.ID
}
