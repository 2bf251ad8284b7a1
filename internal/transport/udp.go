package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const maxDatagramSize = 64 * 1024

type UDPConfig struct {
	Address     string
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// UDPAdapter binds a local address and treats each datagram as one or more lines.
type UDPAdapter struct {
	address     string
	readTimeout time.Duration
	logger      *zap.Logger
	bound       chan net.Addr
}

func NewUDPAdapter(cfg UDPConfig) *UDPAdapter {
	adapter := &UDPAdapter{
		address:     cfg.Address,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
		bound:       make(chan net.Addr, 1),
	}
	if adapter.readTimeout <= 0 {
		adapter.readTimeout = DefaultReadTimeout
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	return adapter
}

// Bound delivers the local address once the socket is listening.
func (a *UDPAdapter) Bound() <-chan net.Addr {
	return a.bound
}

func (a *UDPAdapter) Run(ctx context.Context, emit Emit) error {
	var listenConfig net.ListenConfig
	conn, err := listenConfig.ListenPacket(ctx, "udp", a.address)
	if err != nil {
		return fmt.Errorf("transport: listen udp %s: %w", a.address, err)
	}
	defer conn.Close()
	a.bound <- conn.LocalAddr()
	a.logger.Info("udp source listening", zap.String("address", conn.LocalAddr().String()))

	buffer := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(a.readTimeout)); err != nil {
			return fmt.Errorf("transport: set udp deadline: %w", err)
		}
		n, _, readErr := conn.ReadFrom(buffer)
		if readErr != nil {
			if isTimeout(readErr) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read udp %s: %w", a.address, readErr)
		}
		if err := emitAll(emit, splitLines(string(buffer[:n]))); err != nil {
			return nil
		}
	}
}
