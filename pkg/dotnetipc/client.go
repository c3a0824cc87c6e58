package dotnetipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// Client opens diagnostics IPC connections to one managed process. Each
// command uses its own connection: the diagnostics server closes a
// connection once its command completes, except for CollectTracing2 where
// the nettrace stream follows the response on the same connection.
type Client struct {
	pid int
	log zerolog.Logger
}

// NewClient returns a client for the process with the given pid.
func NewClient(pid int, opts ...ClientOption) *Client {
	c := &Client{pid: pid, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger directs client diagnostics to l.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// SocketPath locates the diagnostics rendezvous socket for pid:
// $TMPDIR/dotnet-diagnostic-<pid>-<disambiguator>-socket. When a process
// restarted and left stale sockets behind, the lexically last (newest
// startup time) entry wins.
func SocketPath(pid int) (string, error) {
	pattern := filepath.Join(os.TempDir(), fmt.Sprintf("dotnet-diagnostic-%d-*-socket", pid))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no diagnostics socket for pid %d (is it a running .NET process?)", pid)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func (c *Client) dial() (net.Conn, error) {
	path, err := SocketPath(c.pid)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial diagnostics socket: %w", err)
	}
	return conn, nil
}

// TraceSession is an open EventPipe session. Stream delivers the nettrace
// bytes; ID names the session for StopTracing on a second connection.
type TraceSession struct {
	Stream io.ReadCloser
	ID     uint64
}

// CollectTracing starts an EventPipe session. On success the returned
// session's Stream is positioned at the first byte of the nettrace stream.
func (c *Client) CollectTracing(cfg CollectConfig) (*TraceSession, error) {
	if cfg.Format == 0 {
		cfg.Format = FormatNetTrace
	}
	if cfg.CircularBufferMB == 0 {
		cfg.CircularBufferMB = 256
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	env := encodeEnvelope(CommandSetEventPipe, CommandCollectTracing2, encodeCollectTracing2(cfg))
	if _, err := conn.Write(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CollectTracing2: %w", err)
	}
	resp, err := readResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.CommandID != ResponseOK {
		conn.Close()
		return nil, fmt.Errorf("CollectTracing2 rejected: %w", respErr(resp))
	}
	if len(resp.Payload) < 8 {
		conn.Close()
		return nil, fmt.Errorf("CollectTracing2 response too short: %d bytes", len(resp.Payload))
	}
	id := binary.LittleEndian.Uint64(resp.Payload)
	c.log.Info().Uint64("sessionId", id).Int("providers", len(cfg.Providers)).Msg("tracing session opened")
	return &TraceSession{Stream: conn, ID: id}, nil
}

// StopTracing asks the runtime to end a session. It must use a connection
// of its own: the session's stream connection carries inbound nettrace
// bytes until the runtime flushes and closes it.
func (c *Client) StopTracing(sessionID uint64) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	env := encodeEnvelope(CommandSetEventPipe, CommandStopTracing, encodeStopTracing(sessionID))
	if _, err := conn.Write(env); err != nil {
		return fmt.Errorf("send StopTracing: %w", err)
	}
	resp, err := readResponse(conn)
	if err != nil {
		return err
	}
	if resp.CommandID != ResponseOK {
		return fmt.Errorf("StopTracing rejected: %w", respErr(resp))
	}
	c.log.Info().Uint64("sessionId", sessionID).Msg("tracing session stopped")
	return nil
}
