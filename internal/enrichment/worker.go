package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultQueueSize = 1024

var errMissingLookup = errors.New("enrichment: lookup client is required")

// Lookup is the profile service surface used by the worker.
type Lookup interface {
	Profile(ctx context.Context, stationID string) (json.RawMessage, error)
	Image(ctx context.Context, stationID string) (string, error)
	LatestLocation(ctx context.Context, stationID string) (Location, error)
}

type WorkerConfig struct {
	Database  *gorm.DB
	Lookup    Lookup
	QueueSize int
	Clock     func() time.Time
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Worker drains a bounded queue of station identifiers and stores one
// enrichment record per station. Stations already holding a record, found or
// not, are never looked up again.
type Worker struct {
	db      *gorm.DB
	lookup  Lookup
	queue   chan string
	clock   func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	queued map[string]struct{}
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Database == nil {
		return nil, errors.New("enrichment: database handle is required")
	}
	if cfg.Lookup == nil {
		return nil, errMissingLookup
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:      cfg.Database,
		lookup:  cfg.Lookup,
		queue:   make(chan string, size),
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  logger,
		queued:  make(map[string]struct{}),
	}, nil
}

// Enqueue schedules stationID without blocking. It returns false when the
// queue is full and the station is dropped.
func (w *Worker) Enqueue(stationID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.queued[stationID]; ok {
		return true
	}
	select {
	case w.queue <- stationID:
		w.queued[stationID] = struct{}{}
		return true
	default:
		w.metrics.EnrichmentDropped()
		return false
	}
}

// Pending reports the number of queued stations.
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Run processes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case stationID := <-w.queue:
			w.mu.Lock()
			delete(w.queued, stationID)
			w.mu.Unlock()
			w.process(ctx, stationID)
		}
	}
}

func (w *Worker) process(ctx context.Context, stationID string) {
	var existing int64
	if err := w.db.WithContext(ctx).Model(&tracking.EnrichmentRecord{}).Where("station_id = ?", stationID).Count(&existing).Error; err != nil {
		w.logger.Warn("enrichment lookup skipped", zap.String("station_id", stationID), zap.Error(err))
		return
	}
	if existing > 0 {
		w.metrics.EnrichmentLookup("cached")
		return
	}

	record := tracking.EnrichmentRecord{StationID: stationID, EnrichedAt: w.clock().UTC()}
	profile, err := w.lookup.Profile(ctx, stationID)
	switch {
	case errors.Is(err, ErrNotFound):
		record.NotFound = true
		w.metrics.EnrichmentLookup("not_found")
	case err != nil:
		if ctx.Err() == nil {
			w.metrics.EnrichmentLookup("error")
			w.logger.Warn("enrichment lookup failed", zap.String("station_id", stationID), zap.Error(err))
		}
		return
	default:
		record.Profile = string(profile)
		w.metrics.EnrichmentLookup("found")
		if imageURL, err := w.lookup.Image(ctx, stationID); err == nil {
			record.ImageURL = imageURL
		} else if !errors.Is(err, ErrNotFound) {
			w.logger.Debug("enrichment image unavailable", zap.String("station_id", stationID), zap.Error(err))
		}
		if location, err := w.lookup.LatestLocation(ctx, stationID); err == nil {
			if encoded, err := json.Marshal(location); err == nil {
				record.LatestLocation = string(encoded)
			}
		}
	}

	err = w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		w.logger.Warn("enrichment record not stored", zap.String("station_id", stationID), zap.Error(err))
	}
}
