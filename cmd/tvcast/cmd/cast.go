package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/observability"
	"github.com/jmylchreest/tvcast/internal/publish"
)

var castCmd = &cobra.Command{
	Use:   "cast INPUT",
	Short: "Transcode an audio file and publish it to a streaming server",
	Long: `Transcode the best audio stream of INPUT into memory, then connect to an
Icecast (http) or Shoutcast (icy) server as a source and send the stream in
chunks paced at playback speed.

The source password is read from the config file or TVCAST_SERVER_PASSWORD.

Examples:
  TVCAST_SERVER_PASSWORD=hackme tvcast cast song.flac --mount /live.ogg
  tvcast cast talk.wav --codec mp3 --container mp3 --protocol icy --format mp3`,
	Args: exactArgs(1),
	RunE: runCast,
}

func init() {
	addTranscodeFlags(castCmd)

	f := castCmd.Flags()
	f.String("host", "localhost", "streaming server host")
	f.Int("port", 8000, "streaming server port (icy sources connect to port+1)")
	f.String("user", "source", "source user name")
	f.String("mount", "/stream.ogg", "mount point (http protocol)")
	f.String("protocol", "http", "source protocol (http, icy)")
	f.String("format", "ogg", "announced stream format, selects the content type")
	f.String("name", "", "stream name")
	f.String("description", "", "stream description")
	f.String("genre", "", "stream genre")
	f.Bool("public", false, "list the stream in public directories")
	f.String("chunk-size", "4KB", "bytes sent per chunk, e.g. 4096 or 8KB")
	f.String("pacing", "realtime", "chunk pacing (realtime, none)")

	rootCmd.AddCommand(castCmd)
}

func runCast(cmd *cobra.Command, args []string) (err error) {
	if err := cfg.ValidateServer(); err != nil {
		return media.NewError(media.KindConfig, "server config", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.WithOperation(logger, "cast")
	done := observability.TimedOperationWithError(ctx, log, "cast", &err)
	defer done()

	res, err := transcodeFile(ctx, cmd, args[0], log)
	if err != nil {
		return err
	}

	popts, err := publishOptions(cfg.Publish, log)
	if err != nil {
		return err
	}
	publisher, err := publish.New(serverConfig(cfg.Server, res), popts)
	if err != nil {
		return err
	}
	log.Debug("publishing", slog.Any("server", publisher.Server()))

	conn, err := publisher.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Debug("closing source connection", slog.String("error", cerr.Error()))
		}
	}()

	stats, err := conn.Publish(ctx, res.Data, res.Duration)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s published to %s: %d chunks in %s (%.0f B/s)\n",
		res, conn.RemoteAddr(), stats.Chunks, stats.Elapsed.Round(1e6), stats.BytesPerSecond())
	return nil
}
