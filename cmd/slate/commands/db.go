package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/db"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
	"github.com/teranos/slate/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the slate database",
	Long: sym.DB + ` db — Manage the slate database

Examples:
  slate db migrate     # Apply pending migrations
  slate db status      # Show applied and pending migrations and job counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		conn, err := db.Open(cfg.GetDatabasePath(), logger.Logger.Named("db"))
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(conn, logger.Logger.Named("db")); err != nil {
			return err
		}
		pterm.Success.Printf("%s %s is up to date\n", sym.DB, cfg.GetDatabasePath())
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migrations and job counts",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	conn, err := db.Open(cfg.GetDatabasePath(), logger.Logger.Named("db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	migrations, err := db.Status(conn)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s %s", sym.DB, cfg.GetDatabasePath())
	rows := [][]string{{"Version", "File", "Applied"}}
	pending := 0
	for _, m := range migrations {
		applied := pterm.Green("yes")
		if !m.Applied {
			applied = pterm.Yellow("pending")
			pending++
		}
		rows = append(rows, []string{m.Version, m.File, applied})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	if pending > 0 {
		pterm.Warning.Printf("%d pending migrations; run: slate db migrate\n", pending)
		return nil
	}

	sum, err := async.NewStore(conn).StatusCounts(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Println()
	pterm.Info.Printf("Jobs: %d queued, %d running, %d paused, %d awaiting approval, %d live claims\n",
		sum.Queued, sum.Running, sum.Paused, sum.Awaiting, sum.LiveClaims)
	return nil
}
