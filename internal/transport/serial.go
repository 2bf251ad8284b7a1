package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

// SerialAdapter reads sentences from a serial port (8N1).
type SerialAdapter struct {
	port        string
	baudRate    int
	readTimeout time.Duration
	logger      *zap.Logger
}

func NewSerialAdapter(cfg SerialConfig) *SerialAdapter {
	adapter := &SerialAdapter{
		port:        cfg.Port,
		baudRate:    cfg.BaudRate,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger,
	}
	if adapter.baudRate <= 0 {
		adapter.baudRate = DefaultBaudRate
	}
	if adapter.readTimeout <= 0 {
		adapter.readTimeout = DefaultReadTimeout
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	return adapter
}

func (a *SerialAdapter) Run(ctx context.Context, emit Emit) error {
	port, err := serial.Open(a.port, &serial.Mode{
		BaudRate: a.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("transport: open serial %s: %w", a.port, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(a.readTimeout); err != nil {
		return fmt.Errorf("transport: set serial timeout: %w", err)
	}
	a.logger.Info("serial source opened", zap.String("port", a.port), zap.Int("baud_rate", a.baudRate))

	buffer := make([]byte, 1024)
	var lines lineBuffer
	for {
		if ctx.Err() != nil {
			return nil
		}
		// A zero-length read with no error is a timeout.
		n, readErr := port.Read(buffer)
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read serial %s: %w", a.port, readErr)
		}
		if n == 0 {
			continue
		}
		if err := emitAll(emit, lines.write(buffer[:n])); err != nil {
			return nil
		}
	}
}

// SerialPorts lists the serial devices available on this host.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}
