// Package publish pushes a finished stream buffer to an Icecast or Shoutcast
// server as a live source, paced to playback speed.
package publish

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/jmylchreest/tvcast/internal/media"
	"github.com/jmylchreest/tvcast/internal/version"
)

// Protocol is the source protocol spoken to the server.
type Protocol string

// Supported protocols.
const (
	// ProtocolHTTP is the Icecast 2 PUT source protocol.
	ProtocolHTTP Protocol = "http"
	// ProtocolICY is the Shoutcast v1 source protocol.
	ProtocolICY Protocol = "icy"
)

// Defaults.
const (
	DefaultChunkSize      = 4096
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Errors returned by Connect.
var (
	ErrAuth          = errors.New("server rejected source credentials")
	ErrMountInUse    = errors.New("mount point in use")
	ErrUnexpectedAck = errors.New("unexpected server response")
)

// contentTypes maps stream formats to the MIME type announced to the server.
var contentTypes = map[string]string{
	"ogg":    "application/ogg",
	"opus":   "audio/ogg",
	"mp3":    "audio/mpeg",
	"webm":   "audio/webm",
	"aac":    "audio/aac",
	"adts":   "audio/aac",
	"flac":   "audio/flac",
	"mpegts": "video/mp2t",
}

// ContentType returns the MIME type for a stream format.
func ContentType(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ServerConfig describes the remote streaming server and the stream
// announced on it.
type ServerConfig struct {
	Host        string
	Port        int
	User        string
	Password    string `masq:"secret"`
	Mount       string
	Protocol    Protocol
	Format      string
	Name        string
	Description string
	Genre       string
	URL         string
	Public      bool
	// BitRate in bits per second, announced to directories when known.
	BitRate    int64
	SampleRate int
	Channels   int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Validate checks the fields needed to connect.
func (c ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("server host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Port)
	}
	if c.Protocol == ProtocolICY && c.Port == 65535 {
		return errors.New("icy source port would exceed 65535")
	}
	if c.Password == "" {
		return errors.New("server password is required")
	}
	switch c.Protocol {
	case ProtocolHTTP:
		if !strings.HasPrefix(c.Mount, "/") {
			return fmt.Errorf("mount %q must start with /", c.Mount)
		}
	case ProtocolICY:
	default:
		return fmt.Errorf("unknown protocol %q (valid: http, icy)", c.Protocol)
	}
	return nil
}

// Address returns the host:port the source connects to. Shoutcast v1
// listens for sources on the port after the listener port.
func (c ServerConfig) Address() string {
	port := c.Port
	if c.Protocol == ProtocolICY {
		port++
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dialer opens the TCP connection to the server.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Publisher.
type Options struct {
	// ChunkSize is the number of bytes written per chunk.
	ChunkSize int
	Pacer     Pacer
	Dialer    Dialer
	Logger    *slog.Logger
}

// Publisher connects sources to one server.
type Publisher struct {
	server ServerConfig
	opts   Options
	logger *slog.Logger
}

// New creates a Publisher after validating the server configuration.
func New(server ServerConfig, opts Options) (*Publisher, error) {
	if err := server.Validate(); err != nil {
		return nil, media.NewError(media.KindConfig, "server config", err)
	}
	if server.ConnectTimeout <= 0 {
		server.ConnectTimeout = DefaultConnectTimeout
	}
	if server.WriteTimeout <= 0 {
		server.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Pacer == nil {
		opts.Pacer = NewRealtimePacer(nil, DefaultFallbackBitRate)
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: server.ConnectTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{
		server: server,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "publish")),
	}, nil
}

// Server returns the effective server configuration.
func (p *Publisher) Server() ServerConfig { return p.server }

// Connect dials the server and performs the source handshake. Failures are
// KindNetwork errors.
func (p *Publisher) Connect(ctx context.Context) (*Conn, error) {
	id := ulid.Make().String()
	logger := p.logger.With(
		slog.String("conn_id", id),
		slog.String("address", p.server.Address()),
		slog.String("protocol", string(p.server.Protocol)),
	)

	dialCtx, cancel := context.WithTimeout(ctx, p.server.ConnectTimeout)
	defer cancel()
	nc, err := p.opts.Dialer.DialContext(dialCtx, "tcp", p.server.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil, media.NewError(media.KindCanceled, "connect", ctx.Err())
		}
		return nil, media.NewError(media.KindNetwork, "connect", err)
	}

	// The handshake shares the connect timeout.
	if err := nc.SetDeadline(time.Now().Add(p.server.ConnectTimeout)); err != nil {
		_ = nc.Close()
		return nil, media.NewError(media.KindNetwork, "connect", err)
	}

	r := bufio.NewReader(nc)
	switch p.server.Protocol {
	case ProtocolICY:
		err = p.handshakeICY(nc, r)
	default:
		err = p.handshakeHTTP(nc, r)
	}
	if err != nil {
		_ = nc.Close()
		return nil, media.NewError(media.KindNetwork, "authenticate", err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		_ = nc.Close()
		return nil, media.NewError(media.KindNetwork, "connect", err)
	}

	logger.Info("connected to streaming server",
		slog.String("mount", p.server.Mount),
		slog.String("content_type", ContentType(p.server.Format)))

	return &Conn{
		id:        id,
		conn:      nc,
		server:    p.server,
		chunkSize: p.opts.ChunkSize,
		pacer:     p.opts.Pacer,
		logger:    logger,
	}, nil
}

// handshakeHTTP sends an Icecast 2 PUT request and waits for 100 Continue or
// 200 OK.
func (p *Publisher) handshakeHTTP(nc net.Conn, r *bufio.Reader) error {
	s := p.server
	h := http.Header{}
	h.Set("Host", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.User+":"+s.Password)))
	h.Set("User-Agent", version.UserAgent())
	h.Set("Content-Type", ContentType(s.Format))
	h.Set("Expect", "100-continue")
	for k, v := range announceHeaders("ice-", s) {
		h.Set(k, v)
	}

	w := bufio.NewWriter(nc)
	if _, err := fmt.Fprintf(w, "PUT %s HTTP/1.1\r\n", s.Mount); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// The body is the stream itself; only the status line and headers are
	// consumed here.
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		return fmt.Errorf("reading server response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusContinue, http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrMountInUse, resp.Status)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedAck, resp.Status)
	}
}

// handshakeICY sends the Shoutcast v1 password line, expects OK2, then
// announces the stream with icy headers.
func (p *Publisher) handshakeICY(nc net.Conn, r *bufio.Reader) error {
	s := p.server
	if _, err := fmt.Fprintf(nc, "%s\r\n", s.Password); err != nil {
		return err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading server response: %w", err)
	}
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "OK2"):
	case strings.Contains(strings.ToLower(line), "invalid password"):
		return ErrAuth
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedAck, line)
	}

	var b strings.Builder
	headers := announceHeaders("icy-", s)
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		fmt.Fprintf(&b, "%s:%s\r\n", k, latin1(headers[k]))
	}
	fmt.Fprintf(&b, "content-type:%s\r\n\r\n", ContentType(s.Format))
	_, err = nc.Write([]byte(b.String()))
	return err
}

// announceHeaders builds the stream description headers with the given
// prefix. Empty values are omitted.
func announceHeaders(prefix string, s ServerConfig) map[string]string {
	h := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			h[prefix+k] = v
		}
	}
	set("name", s.Name)
	set("description", s.Description)
	set("genre", s.Genre)
	set("url", s.URL)
	if prefix == "icy-" {
		set("pub", boolFlag(s.Public))
		if s.BitRate > 0 {
			set("br", strconv.FormatInt(s.BitRate/1000, 10))
		}
		return h
	}
	set("public", boolFlag(s.Public))
	if s.BitRate > 0 {
		set("bitrate", strconv.FormatInt(s.BitRate/1000, 10))
	}
	var info []string
	if s.BitRate > 0 {
		info = append(info, "bitrate="+strconv.FormatInt(s.BitRate/1000, 10))
	}
	if s.SampleRate > 0 {
		info = append(info, "samplerate="+strconv.Itoa(s.SampleRate))
	}
	if s.Channels > 0 {
		info = append(info, "channels="+strconv.Itoa(s.Channels))
	}
	set("audio-info", strings.Join(info, ";"))
	return h
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// latin1 encodes a header value as ISO-8859-1, which is what Shoutcast v1
// servers expect. Runes outside Latin-1 become '?'.
func latin1(s string) string {
	s = strings.Map(func(r rune) rune {
		if r > unicode.MaxLatin1 {
			return '?'
		}
		return r
	}, s)
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return s
	}
	return out
}
