package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind names a transport adapter implementation.
type Kind string

const (
	KindTCP    Kind = "tcp"
	KindUDP    Kind = "udp"
	KindSerial Kind = "serial"
	KindFile   Kind = "file"
)

const (
	// DefaultReadTimeout bounds each blocking read so cancellation is observed promptly.
	DefaultReadTimeout = time.Second
	// DefaultBaudRate is used for serial sources that do not specify one.
	DefaultBaudRate    = 38400
	defaultDialTimeout = 10 * time.Second
)

var (
	// ErrInvalidTransport indicates an unknown transport kind or malformed endpoint.
	ErrInvalidTransport = errors.New("transport: invalid transport")
	// ErrConnectionClosed indicates that the remote end closed the stream.
	ErrConnectionClosed = errors.New("transport: connection closed")
)

// Line is one newline-delimited record read from a transport.
type Line struct {
	Text string
	// LoggedAt is the timestamp prefix of a log-file line, zero otherwise.
	LoggedAt time.Time
}

// Emit hands a line to the ingestion pipeline. A non-nil error stops the adapter.
type Emit func(Line) error

// Adapter reads lines from one transport until ctx is cancelled or the
// transport fails. A file adapter returns nil once the file is exhausted.
type Adapter interface {
	Run(ctx context.Context, emit Emit) error
}

// Spec describes the adapter to construct.
type Spec struct {
	Kind     Kind
	Endpoint string
	BaudRate int
}

// ParseKind normalizes a transport name.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindTCP, KindUDP, KindSerial, KindFile:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, raw)
	}
}

// ValidateEndpoint checks that endpoint is usable for kind and returns its normalized form.
func ValidateEndpoint(kind Kind, endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty endpoint", ErrInvalidTransport)
	}
	switch kind {
	case KindTCP, KindUDP:
		host, port, err := net.SplitHostPort(trimmed)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTransport, err)
		}
		if port == "" {
			return "", fmt.Errorf("%w: missing port", ErrInvalidTransport)
		}
		return net.JoinHostPort(host, port), nil
	case KindSerial, KindFile:
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, kind)
	}
}

// New constructs the adapter described by spec.
func New(spec Spec, logger *zap.Logger) (Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint, err := ValidateEndpoint(spec.Kind, spec.Endpoint)
	if err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindTCP:
		return NewTCPAdapter(TCPConfig{Address: endpoint, Logger: logger}), nil
	case KindUDP:
		return NewUDPAdapter(UDPConfig{Address: endpoint, Logger: logger}), nil
	case KindSerial:
		return NewSerialAdapter(SerialConfig{Port: endpoint, BaudRate: spec.BaudRate, Logger: logger}), nil
	case KindFile:
		return NewFileAdapter(FileConfig{Path: endpoint, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, spec.Kind)
	}
}

// lineBuffer accumulates byte chunks and yields complete lines.
type lineBuffer struct {
	pending strings.Builder
}

func (b *lineBuffer) write(chunk []byte) []string {
	b.pending.Write(chunk)
	buffered := b.pending.String()
	lastNewline := strings.LastIndexByte(buffered, '\n')
	if lastNewline < 0 {
		return nil
	}
	complete := buffered[:lastNewline]
	b.pending.Reset()
	b.pending.WriteString(buffered[lastNewline+1:])
	return splitLines(complete)
}

func splitLines(chunk string) []string {
	parts := strings.Split(chunk, "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func emitAll(emit Emit, lines []string) error {
	for _, text := range lines {
		if err := emit(Line{Text: text}); err != nil {
			return err
		}
	}
	return nil
}
