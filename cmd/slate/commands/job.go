package commands

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/jobtypes"
	"github.com/teranos/slate/sym"
)

// JobCmd groups job lifecycle commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Start, inspect and control jobs",
	Long: sym.Pulse + ` job — Start, inspect and control jobs

Commands run against the local database unless --server (or SLATE_SERVER)
points at a slate server.

Job types: ` + strings.Join(jobtypes.Names(), ", ") + `

Examples:
  slate job start batch-generate --owner project-1 --items scene-1,scene-2
  slate job start ladder-run --owner project-1 --config @ladder.json --drive
  slate job active --owner project-1 --type ladder-run
  slate job pause JB8f2k...
  slate job decide JB8f2k... comedy
  slate job retry JB8f2k... scene-2`,
}

var (
	jobOwner   string
	jobType    string
	jobMode    string
	jobConfig  string
	jobItems   []string
	jobDrive   bool
	jobJSON    bool
	jobStatus  string
	jobLimit   int
	decisionID string
)

var jobStartCmd = &cobra.Command{
	Use:   "start <type>",
	Short: "Create and start a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStart,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job with its counts and recent items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
			return api.Status(cmd.Context(), args[0])
		})
	},
}

var jobActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active job for an owner and type",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
			snap, err := api.ActiveJob(cmd.Context(), jobOwner, jobType)
			if err == nil && snap == nil {
				err = errors.NewNotFoundError("no active %s job for %s", jobType, jobOwner)
			}
			return snap, err
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent jobs",
	RunE:    runJobList,
}

var jobResetCmd = &cobra.Command{
	Use:   "reset <job-id>",
	Short: "Stop a job and start a fresh one for the same owner and type",
	Long: `Stop a job and start a fresh one for the same owner and type.

The new job re-plans its items. --mode and --config replace the old job's
values; omitted ones are inherited.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := parseConfigFlag(jobConfig, nil)
		if err != nil {
			return err
		}
		return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
			return api.Reset(cmd.Context(), args[0], async.ResetRequest{Mode: jobMode, Config: cfg})
		})
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id> <item-key>",
	Short: "Re-queue one failed batch item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
			return api.RetryItem(cmd.Context(), args[0], args[1])
		})
	},
}

var jobDecideCmd = &cobra.Command{
	Use:   "decide <job-id> <value>",
	Short: "Answer a job's pending decision",
	Long: `Answer a job's pending decision.

The decision id defaults to the job's current pending decision. Pass
--decision-id to guard against answering a decision that changed meanwhile.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
			id := decisionID
			if id == "" {
				snap, err := api.Status(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				if snap.Job.PendingDecision == nil {
					return nil, errors.Wrapf(errors.ErrStaleDecision, "job %s has no pending decision", args[0])
				}
				id = snap.Job.PendingDecision.ID
			}
			return api.ApplyDecision(cmd.Context(), args[0], id, args[1])
		})
	},
}

func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd, func(api jobAPI) (*async.Snapshot, error) {
				return api.Control(cmd.Context(), args[0], action)
			})
		},
	}
}

func init() {
	jobStartCmd.Flags().StringVar(&jobOwner, "owner", "", "Owner scope (project, user or workspace id)")
	jobStartCmd.Flags().StringVar(&jobMode, "mode", "", "Quality tier: fast, balanced or premium")
	jobStartCmd.Flags().StringVar(&jobConfig, "config", "", "Job config as JSON, or @file")
	jobStartCmd.Flags().StringSliceVar(&jobItems, "items", nil, "Batch item keys (merged into config.items)")
	jobStartCmd.Flags().BoolVar(&jobDrive, "drive", false, "Drive the job after starting it")
	_ = jobStartCmd.MarkFlagRequired("owner")

	jobActiveCmd.Flags().StringVar(&jobOwner, "owner", "", "Owner scope")
	jobActiveCmd.Flags().StringVar(&jobType, "type", "", "Job type")
	_ = jobActiveCmd.MarkFlagRequired("owner")
	_ = jobActiveCmd.MarkFlagRequired("type")

	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "Only jobs in this status")
	jobListCmd.Flags().IntVar(&jobLimit, "limit", 20, "Maximum jobs to show")

	jobResetCmd.Flags().StringVar(&jobMode, "mode", "", "New quality tier")
	jobResetCmd.Flags().StringVar(&jobConfig, "config", "", "New job config as JSON, or @file")

	jobDecideCmd.Flags().StringVar(&decisionID, "decision-id", "", "Decision being answered")

	JobCmd.PersistentFlags().BoolVar(&jobJSON, "json", false, "Output JSON")

	JobCmd.AddCommand(jobStartCmd, jobStatusCmd, jobActiveCmd, jobListCmd,
		newControlCmd("pause", "Pause a running job"),
		newControlCmd("resume", "Resume a paused job"),
		newControlCmd("stop", "Stop a job for good"),
		newControlCmd("recover", "Release an expired claim and re-queue failed items"),
		jobResetCmd, jobRetryCmd, jobDecideCmd)
}

// withAPI opens the job API, runs op and prints the resulting snapshot.
func withAPI(cmd *cobra.Command, op func(api jobAPI) (*async.Snapshot, error)) error {
	api, done, err := openAPI(cmd)
	if err != nil {
		return err
	}
	defer done()

	snap, err := op(api)
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(snap)
	}
	printSnapshot(snap)
	return nil
}

func runJobStart(cmd *cobra.Command, args []string) error {
	cfg, err := parseConfigFlag(jobConfig, jobItems)
	if err != nil {
		return err
	}

	api, done, err := openAPI(cmd)
	if err != nil {
		return err
	}
	defer done()

	snap, err := api.Start(cmd.Context(), async.StartRequest{
		OwnerScope: jobOwner,
		JobType:    args[0],
		Mode:       jobMode,
		Config:     cfg,
	})
	if err != nil {
		return err
	}

	if jobJSON {
		if err := printJSON(snap); err != nil {
			return err
		}
	} else {
		pterm.Success.Printf("Started %s job %s\n", snap.Job.JobType, snap.Job.ID)
	}
	if !jobDrive {
		return nil
	}
	return drive(cmd, api, snap.Job.ID)
}

func runJobList(cmd *cobra.Command, args []string) error {
	var status *async.JobStatus
	if jobStatus != "" {
		if !async.IsValidStatus(jobStatus) {
			return errors.NewInvalidRequestError("unknown job status %q", jobStatus)
		}
		s := async.JobStatus(jobStatus)
		status = &s
	}

	api, done, err := openAPI(cmd)
	if err != nil {
		return err
	}
	defer done()

	jobs, err := api.List(cmd.Context(), status, jobLimit)
	if err != nil {
		return err
	}
	if jobJSON {
		return printJSON(jobs)
	}
	printJobs(jobs)
	return nil
}

// parseConfigFlag reads a JSON config from the flag value or an @file and
// merges item keys into it.
func parseConfigFlag(raw string, items []string) (json.RawMessage, error) {
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", raw[1:])
		}
		raw = string(data)
	}
	if raw == "" && len(items) == 0 {
		return nil, nil
	}

	cfg := map[string]interface{}{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("config is not a JSON object: %v", err),
				`example: --config '{"items":["a","b"],"auto_accept_defaults":true}'`)
		}
	}
	if len(items) > 0 {
		cfg["items"] = items
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return out, nil
}
