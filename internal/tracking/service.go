package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingDecoder  = errors.New("decoder is required")
	// ErrNotFound indicates that the requested station has no record.
	ErrNotFound = errors.New("tracking: not found")
	noOpLogger  = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "tracking.service.new"
	opRoute           = "tracking.route"
	opHandlePosition  = "tracking.handle_position"
	opHandleStatic    = "tracking.handle_static"
	opHandleText      = "tracking.handle_text"
	opQueryVessel     = "tracking.query_vessel"
	opQueryActive     = "tracking.query_active"
	opQueryTrack      = "tracking.query_track"
	opQueryPositions  = "tracking.query_positions"
	opQueryText       = "tracking.query_text"
	opQueryStatus     = "tracking.query_status"
	opQuerySearch     = "tracking.query_search"
	opClearAll        = "tracking.clear_all"
	opSpoofAnchors    = "tracking.spoof_anchors"
	opRecordFragment  = "tracking.record_fragment"
	opQuotaEnforce    = "tracking.quota_enforce"
	opRecordMessage   = "tracking.record_message"
	opTouchTarget     = "tracking.touch_target"
	opSpoofLimit      = "tracking.spoof_limit"
	opEnrichmentQueue = "tracking.enrichment_queue"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// SourceGate is the Source Registry surface consulted while routing.
type SourceGate interface {
	IsPaused(sourceID string) bool
	RecordFragment(ctx context.Context, sourceID string) error
	RecordMessage(ctx context.Context, sourceID string, at time.Time) error
	EnforceMessageLimit(ctx context.Context, sourceID string) error
	TouchTarget(ctx context.Context, sourceID, stationID string, seenAt time.Time, nonVessel bool) error
}

// SourceInfo is the spoof-relevant view of an active source.
type SourceInfo struct {
	SourceID     string
	Name         string
	SpoofLimitKM float64
}

// SourceDirectory lists the currently active sources and resolves the spoof
// limit of any registered source.
type SourceDirectory interface {
	ActiveSources(ctx context.Context) ([]SourceInfo, error)
	SpoofLimitKM(ctx context.Context, sourceID string) (float64, error)
}

// Publisher receives broadcast events.
type Publisher interface {
	Publish(event broadcast.Event)
}

// Enqueuer schedules a station for profile enrichment without blocking.
type Enqueuer interface {
	Enqueue(stationID string) bool
}

type ServiceConfig struct {
	Database      *gorm.DB
	Decoder       decoder.Decoder
	Sources       SourceGate
	Directory     SourceDirectory
	Publisher     Publisher
	Enrichment    Enqueuer
	Validity      ValidityPolicy
	SpoofCacheTTL time.Duration
	Clock         func() time.Time
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Service routes decoded sentences into positions, vessels and text messages
// and answers the read queries of the route layer.
type Service struct {
	db         *gorm.DB
	decoder    decoder.Decoder
	sources    SourceGate
	directory  SourceDirectory
	publisher  Publisher
	enrichment Enqueuer
	validity   ValidityPolicy
	spoof      *SpoofDetector
	clock      func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Decoder == nil {
		return nil, newServiceError(opServiceNew, "missing_decoder", errMissingDecoder)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	sources := cfg.Sources
	if sources == nil {
		sources = openGate{}
	}

	return &Service{
		db:         cfg.Database,
		decoder:    cfg.Decoder,
		sources:    sources,
		directory:  cfg.Directory,
		publisher:  cfg.Publisher,
		enrichment: cfg.Enrichment,
		validity:   cfg.Validity,
		spoof: NewSpoofDetector(SpoofConfig{
			Database:  cfg.Database,
			Directory: cfg.Directory,
			CacheTTL:  cfg.SpoofCacheTTL,
			Logger:    logger,
		}),
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

func (s *Service) publish(events []broadcast.Event) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		s.publisher.Publish(event)
	}
}

func (s *Service) enqueueEnrichment(stationID string) {
	if s.enrichment == nil {
		return
	}
	if !s.enrichment.Enqueue(stationID) {
		s.logger.Debug("enrichment queue full", zap.String("operation", opEnrichmentQueue), zap.String("station_id", stationID))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("tracking service error", attrs...)
}

// openGate is used when no registry is wired: nothing is paused and counters are not kept.
type openGate struct{}

func (openGate) IsPaused(string) bool                                   { return false }
func (openGate) RecordFragment(context.Context, string) error           { return nil }
func (openGate) RecordMessage(context.Context, string, time.Time) error { return nil }
func (openGate) EnforceMessageLimit(context.Context, string) error      { return nil }
func (openGate) TouchTarget(context.Context, string, string, time.Time, bool) error {
	return nil
}
