package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collectingSink struct {
	mu    sync.Mutex
	lines []Line
}

func (s *collectingSink) emit(line Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *collectingSink) snapshot() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Line(nil), s.lines...)
}

func TestParseLogLineExtractsTimestamp(t *testing.T) {
	line, ok := ParseLogLine("2024-03-01 12:30:45 !AIVDM,1,1,,A,13aEOK?P00PD2wVMdLDRhgvL289?,0*26\r", time.UTC)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	expected := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	if !line.LoggedAt.Equal(expected) {
		t.Fatalf("expected %s, got %s", expected, line.LoggedAt)
	}
	if line.Text != "!AIVDM,1,1,,A,13aEOK?P00PD2wVMdLDRhgvL289?,0*26" {
		t.Fatalf("unexpected text %q", line.Text)
	}

	plain, ok := ParseLogLine("!AIVDM,1,1,,B,B>qc:003wk?8mP=18D3Q3wgTiT;T,0*13", time.UTC)
	if !ok || !plain.LoggedAt.IsZero() {
		t.Fatalf("expected plain line without timestamp, got %+v", plain)
	}

	if _, ok := ParseLogLine("   ", time.UTC); ok {
		t.Fatalf("expected blank line to be skipped")
	}
}

func TestFileAdapterReplaysLinesAndReturnsAtEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.log")
	content := "2024-03-01 12:30:45 !AIVDM,first\n\n!AIVDM,second\n2024-03-01 12:31:00 !AIVDM,third\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sink := &collectingSink{}
	adapter := NewFileAdapter(FileConfig{Path: path, YieldEvery: 2})
	if err := adapter.Run(context.Background(), sink.emit); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	lines := sink.snapshot()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].LoggedAt.IsZero() || !lines[1].LoggedAt.IsZero() || lines[2].LoggedAt.IsZero() {
		t.Fatalf("unexpected timestamps: %+v", lines)
	}
}

func TestFileAdapterMissingFile(t *testing.T) {
	adapter := NewFileAdapter(FileConfig{Path: filepath.Join(t.TempDir(), "missing.log")})
	if err := adapter.Run(context.Background(), func(Line) error { return nil }); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTCPAdapterDeliversLinesUntilRemoteCloses(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		_, _ = conn.Write([]byte("!AIVDM,one\r\n!AIVD"))
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.Write([]byte("M,two\n"))
		_ = conn.Close()
	}()

	sink := &collectingSink{}
	adapter := NewTCPAdapter(TCPConfig{Address: listener.Addr().String(), ReadTimeout: 100 * time.Millisecond})
	runErr := adapter.Run(context.Background(), sink.emit)
	if !errors.Is(runErr, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", runErr)
	}

	lines := sink.snapshot()
	if len(lines) != 2 || lines[0].Text != "!AIVDM,one" || lines[1].Text != "!AIVDM,two" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestTCPAdapterStopsOnCancellation(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	adapter := NewTCPAdapter(TCPConfig{Address: listener.Addr().String(), ReadTimeout: 50 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		done <- adapter.Run(ctx, func(Line) error { return nil })
	}()

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(time.Second):
		t.Fatalf("adapter did not connect")
	}
	cancel()

	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("expected nil error after cancellation, got %v", runErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("adapter did not stop after cancellation")
	}
}

func TestTCPAdapterCancelledDialIsCleanStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := NewTCPAdapter(TCPConfig{Address: listener.Addr().String()})
	if err := adapter.Run(ctx, func(Line) error { return nil }); err != nil {
		t.Fatalf("expected nil error when cancelled during dial, got %v", err)
	}
}

func TestUDPAdapterSplitsDatagrams(t *testing.T) {
	adapter := NewUDPAdapter(UDPConfig{Address: "127.0.0.1:0", ReadTimeout: 50 * time.Millisecond})
	sink := &collectingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- adapter.Run(ctx, sink.emit)
	}()

	var addr net.Addr
	select {
	case addr = <-adapter.Bound():
	case <-time.After(time.Second):
		t.Fatalf("udp adapter did not bind")
	}

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("!AIVDM,a\n!AIVDM,b\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.snapshot()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if lines := sink.snapshot(); len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %+v", lines)
	}
}

func TestValidateEndpoint(t *testing.T) {
	if _, err := ValidateEndpoint(KindTCP, "localhost"); !errors.Is(err, ErrInvalidTransport) {
		t.Fatalf("expected ErrInvalidTransport for missing port, got %v", err)
	}
	endpoint, err := ValidateEndpoint(KindUDP, " 0.0.0.0:10110 ")
	if err != nil || endpoint != "0.0.0.0:10110" {
		t.Fatalf("unexpected endpoint %q (%v)", endpoint, err)
	}
	if _, err := ParseKind("carrier-pigeon"); !errors.Is(err, ErrInvalidTransport) {
		t.Fatalf("expected ErrInvalidTransport, got %v", err)
	}
}
