package commands

import (
	"context"
	"database/sql"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/db"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/pulse/jobtypes"
)

// jobAPI is the job surface the CLI needs. The local engine and a remote
// server both provide it.
type jobAPI interface {
	driver.TickClient
	Start(ctx context.Context, req async.StartRequest) (*async.Snapshot, error)
	Status(ctx context.Context, jobID string) (*async.Snapshot, error)
	List(ctx context.Context, status *async.JobStatus, limit int) ([]*async.Job, error)
	Control(ctx context.Context, jobID, action string) (*async.Snapshot, error)
	Reset(ctx context.Context, jobID string, req async.ResetRequest) (*async.Snapshot, error)
	RetryItem(ctx context.Context, jobID, key string) (*async.Snapshot, error)
	ApplyDecision(ctx context.Context, jobID, decisionID, value string) (*async.Snapshot, error)
}

var (
	_ jobAPI = localAPI{}
	_ jobAPI = (*driver.RemoteClient)(nil)
)

// localAPI runs jobs against the configured database in this process.
type localAPI struct {
	*async.Engine
}

func (l localAPI) Control(ctx context.Context, jobID, action string) (*async.Snapshot, error) {
	switch action {
	case "pause":
		return l.Pause(ctx, jobID)
	case "resume":
		return l.Resume(ctx, jobID)
	case "stop":
		return l.Stop(ctx, jobID)
	case "recover":
		return l.Recover(ctx, jobID)
	}
	return nil, errors.NewInvalidRequestError("unknown job action %q", action)
}

// serverURL returns --server, falling back to SLATE_SERVER.
func serverURL(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("server"); u != "" {
		return u
	}
	return os.Getenv("SLATE_SERVER")
}

// openAPI returns the remote API when a server URL is set, otherwise the
// local engine. The returned func releases the database.
func openAPI(cmd *cobra.Command) (jobAPI, func(), error) {
	if u := serverURL(cmd); u != "" {
		return driver.NewRemoteClient(u), func() {}, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	engine, conn, err := openEngine(cfg)
	if err != nil {
		return nil, nil, err
	}
	return localAPI{engine}, func() { conn.Close() }, nil
}

// openEngine opens and migrates the configured database and builds the engine.
func openEngine(cfg *am.Config) (*async.Engine, *sql.DB, error) {
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine, err := jobtypes.NewEngine(conn, cfg, logger.Logger.Named("pulse"))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return engine, conn, nil
}

func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	conn, err := db.OpenWithMigrations(path, logger.Logger.Named("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	return conn, nil
}
