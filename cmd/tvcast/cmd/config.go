package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tvcast/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tvcast configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults, overlaid with
the config file and TVCAST_* environment variables. The server password is
redacted.

You can redirect this output to a file to create a configuration template:

  tvcast config dump > config.yaml

Environment variables use the TVCAST_ prefix and underscores for nesting.
Example: server.password -> TVCAST_SERVER_PASSWORD`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	data, err := dumpConfig(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# tvcast Configuration File")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 10s, 1m30s")
	fmt.Fprintln(out, "# Size format: 4096, 4KB, 1MB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   TVCAST_SERVER_HOST, TVCAST_SERVER_PORT, TVCAST_SERVER_PASSWORD")
	fmt.Fprintln(out, "#   TVCAST_TRANSCODE_CODEC, TVCAST_TRANSCODE_CONTAINER")
	fmt.Fprintln(out, "#   TVCAST_PUBLISH_CHUNK_SIZE, TVCAST_LOGGING_LEVEL")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}

// dumpConfig renders c as YAML with secrets redacted.
func dumpConfig(c *config.Config) ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}
