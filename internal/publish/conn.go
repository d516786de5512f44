package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jmylchreest/tvcast/internal/media"
)

// Stats describes one publish.
type Stats struct {
	Chunks  int
	Bytes   int
	Waited  time.Duration
	Elapsed time.Duration
}

// BytesPerSecond is the achieved delivery rate.
func (s Stats) BytesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Chunks splits buf into consecutive slices of size bytes; the last may be
// shorter. The slices alias buf.
func Chunks(buf []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(buf) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(buf)+size-1)/size)
	for pos := 0; pos < len(buf); pos += size {
		end := min(pos+size, len(buf))
		chunks = append(chunks, buf[pos:end:end])
	}
	return chunks
}

// Conn is an authenticated source connection. It stays open after Publish;
// the caller decides when to Close it.
type Conn struct {
	id        string
	conn      net.Conn
	server    ServerConfig
	chunkSize int
	pacer     Pacer
	logger    *slog.Logger
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Publish sends buf in chunks, pacing each chunk against d, the playback
// duration of buf. The buffer is never modified; on failure it is still the
// caller's to retry with.
func (c *Conn) Publish(ctx context.Context, buf []byte, d time.Duration) (Stats, error) {
	var stats Stats
	start := time.Now()

	chunks := Chunks(buf, c.chunkSize)
	c.pacer.Begin(len(buf), d)
	c.logger.Debug("publishing buffer",
		slog.Int("bytes", len(buf)),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", d))

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, media.NewError(media.KindCanceled, "publish", err)
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.WriteTimeout)); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, media.NewError(media.KindNetwork, "publish", err)
		}
		n, err := c.conn.Write(chunk)
		stats.Bytes += n
		if err != nil {
			stats.Elapsed = time.Since(start)
			return stats, media.NewError(media.KindNetwork, "publish",
				fmt.Errorf("sending chunk %d of %d: %w", i+1, len(chunks), err))
		}
		stats.Chunks++

		waited, err := c.pacer.Sync(ctx, stats.Bytes)
		stats.Waited += waited
		if err != nil {
			stats.Elapsed = time.Since(start)
			return stats, media.NewError(media.KindCanceled, "publish", err)
		}
	}

	stats.Elapsed = time.Since(start)
	c.logger.Info("published buffer",
		slog.Int("bytes", stats.Bytes),
		slog.Int("chunks", stats.Chunks),
		slog.Duration("waited", stats.Waited),
		slog.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
