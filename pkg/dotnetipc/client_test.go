package dotnetipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	for _, name := range []string{
		"dotnet-diagnostic-123-100-socket",
		"dotnet-diagnostic-123-200-socket",
		"dotnet-diagnostic-999-100-socket",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	path, err := SocketPath(123)
	require.NoError(t, err)
	// The newest disambiguator wins when stale sockets linger.
	require.Equal(t, filepath.Join(dir, "dotnet-diagnostic-123-200-socket"), path)
}

func TestSocketPathMissing(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	_, err := SocketPath(4242)
	require.ErrorContains(t, err, "no diagnostics socket")
}

// fakeServer acts as the runtime's diagnostics server on a unix socket.
type fakeServer struct {
	ln        net.Listener
	sessionID uint64
	stream    []byte
	stopped   chan uint64
}

func newFakeServer(t *testing.T, pid int, stream []byte) *fakeServer {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	path := filepath.Join(dir, fmt.Sprintf("dotnet-diagnostic-%d-1000-socket", pid))
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &fakeServer{ln: ln, sessionID: 0x1122, stream: stream, stopped: make(chan uint64, 1)}
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return
	}
	size := binary.LittleEndian.Uint16(hdr[14:16])
	payload := make([]byte, int(size)-headerSize)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}

	switch hdr[17] {
	case CommandCollectTracing2:
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint64(resp, s.sessionID)
		conn.Write(encodeEnvelope(CommandSetServer, ResponseOK, resp))
		conn.Write(s.stream)
	case CommandStopTracing:
		s.stopped <- binary.LittleEndian.Uint64(payload)
		conn.Write(encodeEnvelope(CommandSetServer, ResponseOK, payload))
	}
}

func TestCollectTracingAndStop(t *testing.T) {
	stream := []byte("Nettrace...pretend stream bytes...")
	srv := newFakeServer(t, 555, stream)

	client := NewClient(555)
	ts, err := client.CollectTracing(CollectConfig{
		Providers: []Provider{{
			Name:     "Microsoft-Windows-DotNETRuntime",
			Keywords: KeywordException,
			Level:    LevelInformational,
		}},
	})
	require.NoError(t, err)
	defer ts.Stream.Close()
	require.Equal(t, srv.sessionID, ts.ID)

	got, err := io.ReadAll(ts.Stream)
	require.NoError(t, err)
	require.Equal(t, stream, got)

	// The stop command travels on a second connection.
	require.NoError(t, client.StopTracing(ts.ID))
	require.Equal(t, srv.sessionID, <-srv.stopped)
}
