package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvcast/internal/libav"
	"github.com/jmylchreest/tvcast/internal/version"
)

var versionJSON bool

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, build date and media backend of tvcast.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := version.GetInfo().WithBackend(backendName())
		out := cmd.OutOrStdout()
		if versionJSON {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintln(out, version.String())
		fmt.Fprintf(out, "backend: %s\n", info.Backend)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output version information as JSON")
	rootCmd.AddCommand(versionCmd)
}

func backendName() string {
	if !libav.Available {
		return "none (built without the libav tag)"
	}
	return "libav"
}
