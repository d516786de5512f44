package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/observability"
	"github.com/jmylchreest/tvcast/internal/transcode"
)

var transcodeOutput string

var transcodeCmd = &cobra.Command{
	Use:   "transcode INPUT",
	Short: "Transcode an audio file into a streamable container",
	Long: `Transcode the best audio stream of INPUT and write the muxed result to a
file, or to stdout with -o -. Nothing is published.

Examples:
  tvcast transcode song.flac -o song.ogg
  tvcast transcode talk.wav --container mpegts --codec aac --muxer mediacommon -o talk.ts`,
	Args: exactArgs(1),
	RunE: runTranscode,
}

func init() {
	addTranscodeFlags(transcodeCmd)
	transcodeCmd.Flags().StringVarP(&transcodeOutput, "output", "o", "", "output file, - for stdout (required)")
	rootCmd.AddCommand(transcodeCmd)
}

func runTranscode(cmd *cobra.Command, args []string) (err error) {
	if transcodeOutput == "" {
		return media.NewError(media.KindConfig, "arguments", fmt.Errorf("%w: --output is required", errUsage))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.WithOperation(logger, "transcode")
	done := observability.TimedOperationWithError(ctx, log, "transcode", &err)
	defer done()

	res, err := transcodeFile(ctx, cmd, args[0], log)
	if err != nil {
		return err
	}

	if transcodeOutput == "-" {
		if _, err = cmd.OutOrStdout().Write(res.Data); err != nil {
			return media.NewError(media.KindUnknown, "write output", err)
		}
	} else if err = os.WriteFile(transcodeOutput, res.Data, 0o644); err != nil { //nolint:gosec // output is a media file meant to be shared
		return media.NewError(media.KindUnknown, "write output", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s (%d skipped, %d timestamps adjusted) -> %s\n",
		res, res.Skipped(), res.TimestampsAdjusted, transcodeOutput)
	return nil
}

// transcodeFile runs one session with the loaded configuration.
func transcodeFile(ctx context.Context, cmd *cobra.Command, input string, log *slog.Logger) (*transcode.Result, error) {
	pairs, err := cmd.Flags().GetStringArray("meta")
	if err != nil {
		return nil, media.NewError(media.KindConfig, "arguments", err)
	}
	metadata, err := parseMetadata(pairs)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg.Transcode, log)
	if err != nil {
		return nil, err
	}
	opts, err := transcodeOptions(cfg.Transcode, metadata, log)
	if err != nil {
		return nil, err
	}
	res, err := transcode.New(backend, opts).Run(ctx, input)
	if err != nil {
		return nil, err
	}
	logBufferMemory(ctx, log, len(res.Data))
	return res, nil
}
