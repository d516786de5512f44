package cmd

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvcast/internal/media"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe INPUT",
	Short: "List the streams of a media file and the audio stream cast would use",
	Args:  exactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(probeCmd)
}

// probeReport is the JSON form of probe output.
type probeReport struct {
	Input    string             `json:"input"`
	Streams  []media.StreamInfo `json:"streams"`
	Selected *int               `json:"selected,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(cfg.Transcode, logger)
	if err != nil {
		return err
	}
	src, err := backend.OpenSource(ctx, args[0])
	if err != nil {
		return media.NewError(media.KindOpenInput, "open input", err)
	}
	defer src.Close()

	report := probeReport{
		Input:    args[0],
		Streams:  src.Streams(),
		Metadata: src.Metadata(),
	}
	if best, err := src.BestAudioStream(); err == nil {
		report.Selected = &best.Index
	}

	out := cmd.OutOrStdout()
	if probeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "%s\n", report.Input)
	for _, s := range report.Streams {
		marker := " "
		if report.Selected != nil && *report.Selected == s.Index {
			marker = "*"
		}
		if s.MediaType != media.MediaTypeAudio {
			fmt.Fprintf(out, "%s #%d %s %s\n", marker, s.Index, s.MediaType, s.CodecName)
			continue
		}
		fmt.Fprintf(out, "%s #%d audio %s %d Hz %s %s %d b/s\n", marker, s.Index, s.CodecName,
			s.SampleRate, s.ChannelLayout, s.SampleFormat, s.BitRate)
	}
	for _, k := range slices.Sorted(maps.Keys(report.Metadata)) {
		fmt.Fprintf(out, "  %s: %s\n", k, report.Metadata[k])
	}
	if report.Selected == nil {
		return media.NewError(media.KindNoAudioStream, "select stream", fmt.Errorf("no audio stream in %s", args[0]))
	}
	return nil
}
