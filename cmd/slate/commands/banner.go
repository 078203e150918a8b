package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/sym"
	"github.com/teranos/slate/version"
)

// printStartupBanner prints the server startup summary
func printStartupBanner(verbosity int, cfg *am.Config) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("%s slate server", sym.Pulse)
	rows := [][]string{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"API", info.APIVersion},
		{"Listen", fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.GetServerPort())},
		{"Database", cfg.GetDatabasePath()},
		{"Log level", logger.VerbosityToLevel(verbosity).String()},
	}
	if cfg.Work.Endpoint != "" {
		rows = append(rows, []string{"Work", cfg.Work.Endpoint})
	} else {
		rows = append(rows, []string{"Work", "simulator"})
	}
	if cfg.Pulse.ServerDrive {
		rows = append(rows, []string{"Server drive", fmt.Sprintf("up to %d jobs", cfg.Pulse.MaxConcurrentDrives)})
	}
	if cfg.Events.NatsURL != "" {
		rows = append(rows, []string{"Events", cfg.Events.NatsURL + " " + cfg.Events.Subject + ".>"})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
