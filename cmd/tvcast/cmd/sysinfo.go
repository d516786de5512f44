package cmd

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/mem"
)

// bufferMemoryShare is the fraction of available memory a transcode buffer
// may use before a warning is logged.
const bufferMemoryShare = 0.25

// logBufferMemory reports the finished buffer against host memory, since the
// whole stream is held in memory until it has been published.
func logBufferMemory(ctx context.Context, log *slog.Logger, bufBytes int) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Debug("reading host memory", slog.String("error", err.Error()))
		return
	}
	attrs := []any{
		slog.Int("buffer_bytes", bufBytes),
		slog.Uint64("available_bytes", vm.Available),
		slog.Float64("used_percent", vm.UsedPercent),
	}
	if vm.Available > 0 && float64(bufBytes) > float64(vm.Available)*bufferMemoryShare {
		log.Warn("transcode buffer is large relative to available memory", attrs...)
		return
	}
	log.Debug("host memory", attrs...)
}
