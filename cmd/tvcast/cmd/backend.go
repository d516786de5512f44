package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvcast/internal/config"
	"github.com/jmylchreest/tvcast/internal/libav"
	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/publish"
	"github.com/jmylchreest/tvcast/internal/transcode"
	"github.com/jmylchreest/tvcast/internal/tsmux"
)

// newBackend creates the media backend selected by the configuration.
func newBackend(c config.TranscodeConfig, logger *slog.Logger) (media.Backend, error) {
	b, err := libav.New(logger)
	if err != nil {
		return nil, media.NewError(media.KindConfig, "backend", err)
	}
	if c.Muxer == "mediacommon" {
		return tsmux.NewBackend(b, logger), nil
	}
	return b, nil
}

// transcodeOptions converts the configuration into session options.
func transcodeOptions(c config.TranscodeConfig, metadata map[string]string, logger *slog.Logger) (transcode.Options, error) {
	policy, err := transcode.ParsePolicy(c.ErrorPolicy)
	if err != nil {
		return transcode.Options{}, media.NewError(media.KindConfig, "options", err)
	}
	bitRatePolicy, err := transcode.ParseBitRatePolicy(c.BitRatePolicy)
	if err != nil {
		return transcode.Options{}, media.NewError(media.KindConfig, "options", err)
	}
	return transcode.Options{
		Container:      c.Container,
		Codec:          c.Codec,
		EncoderName:    c.Encoder,
		Filter:         c.Filter,
		Policy:         policy,
		BitRatePolicy:  bitRatePolicy,
		BitRate:        c.BitRate,
		MaxCopyBitRate: c.MaxCopyBitRate,
		Metadata:       metadata,
		Logger:         logger,
	}, nil
}

// serverConfig describes the publish target, announcing the stream
// parameters of the finished transcode.
func serverConfig(c config.ServerConfig, res *transcode.Result) publish.ServerConfig {
	s := publish.ServerConfig{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		Mount:          c.Mount,
		Protocol:       publish.Protocol(c.Protocol),
		Format:         c.Format,
		Name:           c.Name,
		Description:    c.Description,
		Genre:          c.Genre,
		URL:            c.URL,
		Public:         c.Public,
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
	}
	if res != nil {
		s.BitRate = res.BitRate()
		s.SampleRate = res.Output.SampleRate
		s.Channels = res.Output.Channels()
		if s.Format == "" {
			s.Format = res.Container
		}
	}
	return s
}

// publishOptions converts the configuration into publisher options.
func publishOptions(c config.PublishConfig, logger *slog.Logger) (publish.Options, error) {
	opts := publish.Options{
		ChunkSize: c.ChunkSize.Int(),
		Logger:    logger,
	}
	switch c.Pacing {
	case "realtime":
		opts.Pacer = publish.NewRealtimePacer(nil, c.FallbackBitRate)
	case "none":
		opts.Pacer = publish.NoPacer{}
	default:
		return publish.Options{}, media.NewError(media.KindConfig, "options",
			fmt.Errorf("unknown pacing %q (valid: realtime, none)", c.Pacing))
	}
	return opts, nil
}

// parseMetadata parses key=value pairs.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, media.NewError(media.KindConfig, "metadata",
				fmt.Errorf("%w: metadata %q must be key=value", errUsage, p))
		}
		md[k] = v
	}
	return md, nil
}

// addTranscodeFlags registers the flags shared by cast and transcode.
func addTranscodeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("container", "ogg", "output container format")
	f.String("codec", "vorbis", "output codec")
	f.String("encoder", "", "explicit encoder name (overrides --codec lookup)")
	f.String("filter", "anull", "audio filter expression applied before format conversion")
	f.String("policy", "lenient", "codec failure policy (strict, lenient)")
	f.String("muxer", "libav", "muxer implementation (libav, mediacommon)")
	f.Int64("bit-rate", 0, "output bit rate in bits per second (with --bit-rate-mode fixed)")
	f.String("bit-rate-mode", "copy", "bit rate policy (copy, fixed, default)")
	f.StringArray("meta", nil, "output metadata tag as key=value (repeatable)")
}
