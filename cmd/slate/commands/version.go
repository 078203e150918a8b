package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/slate/pulse/driver"
	"github.com/teranos/slate/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show slate version information",
	Long: `Display version, build time, commit hash, API version and platform.

With --server, also checks that the server's API version is compatible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		info := version.Get()

		if jsonOutput {
			if err := printJSON(info); err != nil {
				return err
			}
		} else {
			fmt.Println(info.String())
			fmt.Printf("API: %s (remote constraint %s)\n", info.APIVersion, version.APIConstraint)
			fmt.Printf("Platform: %s\n", info.Platform)
			fmt.Printf("Go: %s\n", info.GoVersion)
		}

		if u := serverURL(cmd); u != "" {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := driver.NewRemoteClient(u).CheckCompatibility(ctx); err != nil {
				return err
			}
			fmt.Printf("Server %s is compatible\n", u)
		}
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
