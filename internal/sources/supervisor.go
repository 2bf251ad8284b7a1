package sources

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"go.uber.org/zap"
)

// LineSink accepts lines read by an adapter. Submit blocks while the
// pipeline is full and returns ctx.Err() once ctx is done.
type LineSink interface {
	Submit(ctx context.Context, sourceID string, line transport.Line) error
}

// AdapterFactory builds the adapter for a source.
type AdapterFactory func(spec transport.Spec) (transport.Adapter, error)

type SupervisorConfig struct {
	Factory AdapterFactory
	Sink    LineSink
	// Paused is consulted for every line; paused sources keep reading and discard.
	Paused func(sourceID string) bool
	// OnExit runs when an adapter stops on its own (not via Stop or Shutdown).
	OnExit  func(source Source, err error)
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Supervisor owns the process-scoped set of running adapters.
type Supervisor struct {
	mu      sync.Mutex
	running map[string]*adapterHandle
	wg      sync.WaitGroup
	base    context.Context
	cancel  context.CancelFunc

	factory AdapterFactory
	sink    LineSink
	paused  func(string) bool
	onExit  func(Source, error)
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type adapterHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	factory := cfg.Factory
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = func(spec transport.Spec) (transport.Adapter, error) {
			return transport.New(spec, logger)
		}
	}
	paused := cfg.Paused
	if paused == nil {
		paused = func(string) bool { return false }
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		running: make(map[string]*adapterHandle),
		base:    base,
		cancel:  cancel,
		factory: factory,
		sink:    cfg.Sink,
		paused:  paused,
		onExit:  cfg.OnExit,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Start launches the adapter for source unless one is already running.
func (s *Supervisor) Start(source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return errors.New("sources: supervisor is shut down")
	}
	if _, ok := s.running[source.SourceID]; ok {
		return nil
	}
	adapter, err := s.factory(source.adapterSpec())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(s.base)
	handle := &adapterHandle{cancel: cancel, done: make(chan struct{})}
	s.running[source.SourceID] = handle
	s.wg.Add(1)
	go s.run(ctx, source, adapter, handle)
	s.logger.Info("source adapter started",
		zap.String("source_id", source.SourceID),
		zap.String("transport", string(source.Transport)),
		zap.String("endpoint", source.Endpoint))
	return nil
}

// Stop cancels the adapter of sourceID and waits for it to return.
func (s *Supervisor) Stop(sourceID string) {
	s.mu.Lock()
	handle, ok := s.running[sourceID]
	if ok {
		delete(s.running, sourceID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
	<-handle.done
}

// Running reports whether an adapter is registered for sourceID.
func (s *Supervisor) Running(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sourceID]
	return ok
}

// Shutdown stops every adapter and clears the set.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.cancel()
	s.running = make(map[string]*adapterHandle)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, source Source, adapter transport.Adapter, handle *adapterHandle) {
	defer s.wg.Done()
	defer close(handle.done)

	emit := func(line transport.Line) error {
		if s.paused(source.SourceID) {
			return nil
		}
		if s.sink == nil {
			return nil
		}
		return s.sink.Submit(ctx, source.SourceID, line)
	}
	runErr := adapter.Run(ctx, emit)

	s.mu.Lock()
	if current, ok := s.running[source.SourceID]; ok && current == handle {
		delete(s.running, source.SourceID)
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.metrics.AdapterExited(string(source.Transport), "stopped")
		s.logger.Info("source adapter stopped", zap.String("source_id", source.SourceID))
		return
	}
	if runErr != nil {
		s.metrics.AdapterExited(string(source.Transport), "failed")
		s.logger.Warn("source adapter failed",
			zap.String("source_id", source.SourceID),
			zap.String("endpoint", source.Endpoint),
			zap.Error(runErr))
	} else {
		s.metrics.AdapterExited(string(source.Transport), "completed")
		s.logger.Info("source adapter completed", zap.String("source_id", source.SourceID))
	}
	if s.onExit != nil {
		s.onExit(source, runErr)
	}
}
