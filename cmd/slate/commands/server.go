package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/server"
	"github.com/teranos/slate/internal/util"
)

// ServerCmd starts the slate job server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Serve the job API over HTTP and WebSocket",
	Long: `Serve the job API over HTTP and WebSocket.

Workers tick jobs with POST /api/jobs/{id}/tick; dashboards follow a job over
/ws?job={id}. With pulse.server_drive the server also drives running jobs
nobody else is ticking.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serverPort != 0 {
		cfg.Server.Port = util.Ptr(serverPort)
	}
	if serverDBPath != "" {
		cfg.Database.Path = serverDBPath
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	printStartupBanner(verbosity, cfg)

	srv, err := server.NewFromConfig(cfg, am.FindProjectConfig(), logger.Logger.Named("server"))
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		_ = srv.Stop(context.Background())
		return err
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer cancel()
			shutdownDone <- srv.Stop(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
