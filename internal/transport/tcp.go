package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

type TCPConfig struct {
	Address     string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// TCPAdapter connects to a remote AIS feed and reads newline-delimited sentences.
type TCPAdapter struct {
	address     string
	dialTimeout time.Duration
	readTimeout time.Duration
	logger      *zap.Logger
}

func NewTCPAdapter(cfg TCPConfig) *TCPAdapter {
	adapter := &TCPAdapter{
		address:     cfg.Address,
		dialTimeout: cfg.DialTimeout,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
	}
	if adapter.dialTimeout <= 0 {
		adapter.dialTimeout = defaultDialTimeout
	}
	if adapter.readTimeout <= 0 {
		adapter.readTimeout = DefaultReadTimeout
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	return adapter
}

func (a *TCPAdapter) Run(ctx context.Context, emit Emit) error {
	dialer := net.Dialer{Timeout: a.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.address)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("transport: dial tcp %s: %w", a.address, err)
	}
	defer conn.Close()
	a.logger.Info("tcp source connected", zap.String("address", a.address))

	buffer := make([]byte, 4096)
	var lines lineBuffer
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(a.readTimeout)); err != nil {
			return fmt.Errorf("transport: set tcp deadline: %w", err)
		}
		n, readErr := conn.Read(buffer)
		if n > 0 {
			if err := emitAll(emit, lines.write(buffer[:n])); err != nil {
				return nil
			}
		}
		if readErr == nil {
			continue
		}
		if isTimeout(readErr) {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return fmt.Errorf("%w: %s", ErrConnectionClosed, a.address)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("transport: read tcp %s: %w", a.address, readErr)
	}
}
