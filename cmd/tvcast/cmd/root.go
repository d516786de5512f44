// Package cmd implements the CLI commands for tvcast.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/tvcast/internal/config"
	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/observability"
	"github.com/jmylchreest/tvcast/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// errorFormat selects how a failed command reports its error.
	errorFormat string

	// cfg and logger are set by PersistentPreRunE for the running command.
	cfg    *config.Config
	logger *slog.Logger
)

// flagKeys maps command-line flags onto configuration keys. Viper only uses
// a flag value when the flag was set explicitly, so the priority stays
// CLI flag > env var > config file > default.
var flagKeys = map[string]string{
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"container":     "transcode.container",
	"codec":         "transcode.codec",
	"encoder":       "transcode.encoder",
	"filter":        "transcode.filter",
	"policy":        "transcode.error_policy",
	"muxer":         "transcode.muxer",
	"bit-rate":      "transcode.bit_rate",
	"bit-rate-mode": "transcode.bit_rate_policy",
	"host":          "server.host",
	"port":          "server.port",
	"user":          "server.user",
	"mount":         "server.mount",
	"protocol":      "server.protocol",
	"format":        "server.format",
	"name":          "server.name",
	"description":   "server.description",
	"genre":         "server.genre",
	"public":        "server.public",
	"chunk-size":    "publish.chunk_size",
	"pacing":        "publish.pacing",
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tvcast",
	Short:   "Transcode audio files and publish them to Icecast or Shoutcast",
	Version: version.Short(),
	Long: `tvcast transcodes the best audio stream of a media file into a streamable
container held in memory, then publishes it to an Icecast or Shoutcast server
as a live source, paced at playback speed.

Configuration comes from flags, TVCAST_* environment variables and an
optional config.yaml.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags
// appropriately. A failure is reported on stderr before it is returned.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		reportError(os.Stderr, err)
	}
	return err
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return media.KindOf(err).ExitCode()
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, $HOME/.config/tvcast/config.yaml or /etc/tvcast/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&errorFormat, "error-format", "text", "error report format (text, json)")
}

// initConfig loads configuration with the command's flags layered on top
// and configures logging.
func initConfig(cmd *cobra.Command) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return media.NewError(media.KindConfig, "config", err)
	}
	bindFlags(v, cmd.Flags())

	// Handle "warning" as an alias for "warn"
	if strings.EqualFold(v.GetString("logging.level"), "warning") {
		v.Set("logging.level", "warn")
	}

	c, err := config.Unmarshal(v)
	if err != nil {
		return media.NewError(media.KindConfig, "config", err)
	}
	cfg = c

	logger = observability.WithRunID(observability.NewLogger(cfg.Logging), ulid.Make().String())
	observability.SetDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", slog.String("path", used))
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			mustBindPFlag(v, key, f)
		}
	})
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

// errorReport is the JSON form of a failed command.
type errorReport struct {
	Kind     media.Kind `json:"kind"`
	Stage    string     `json:"stage,omitempty"`
	Error    string     `json:"error"`
	ExitCode int        `json:"exit_code"`
}

func reportError(w io.Writer, err error) {
	kind := media.KindOf(err)
	if errorFormat == "json" {
		_ = json.NewEncoder(w).Encode(errorReport{
			Kind:     kind,
			Stage:    media.StageOf(err),
			Error:    err.Error(),
			ExitCode: kind.ExitCode(),
		})
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	if kind == media.KindConfig && errors.Is(err, errUsage) {
		fmt.Fprintln(w, "Run 'tvcast --help' for usage.")
	}
}

// errUsage marks argument errors.
var errUsage = errors.New("invalid usage")

// exactArgs is cobra.ExactArgs reporting a config error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return media.NewError(media.KindConfig, "arguments", fmt.Errorf("%w: %v", errUsage, err))
		}
		return nil
	}
}
