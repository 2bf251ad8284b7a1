package sources

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateSource indicates that a source with the same transport and endpoint exists.
	ErrDuplicateSource = errors.New("sources: duplicate source")
	// ErrSourceNotFound indicates an unknown source identifier.
	ErrSourceNotFound = errors.New("sources: source not found")
	// ErrInvalidLimit indicates a negative quota or a non-positive spoof limit.
	ErrInvalidLimit = errors.New("sources: invalid limit")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
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
	opRegistryNew   = "sources.registry.new"
	opRegister      = "sources.register"
	opGet           = "sources.get"
	opList          = "sources.list"
	opSetStatus     = "sources.set_status"
	opSetPaused     = "sources.set_paused"
	opUpdate        = "sources.update"
	opDelete        = "sources.delete"
	opDisableAll    = "sources.disable_all"
	opRestore       = "sources.restore"
	opCounters      = "sources.counters"
	opMessageLimit  = "sources.message_limit"
	opTargetLimit   = "sources.target_limit"
	opActiveSources = "sources.active_sources"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type RegistryConfig struct {
	Database            *gorm.DB
	IDProvider          IDProvider
	DefaultSpoofLimitKM float64
	DefaultBaudRate     int
	Clock               func() time.Time
	Metrics             *metrics.Metrics
	// OnDelete runs after a source and its rows are gone.
	OnDelete func(sourceID string)
	Logger   *zap.Logger
}

// Registry manages source lifecycle, counters and quotas.
type Registry struct {
	db                  *gorm.DB
	idProvider          IDProvider
	defaultSpoofLimitKM float64
	defaultBaudRate     int
	clock               func() time.Time
	metrics             *metrics.Metrics
	onDelete            func(sourceID string)
	logger              *zap.Logger

	pausedMu sync.RWMutex
	paused   map[string]bool
	locks    keyedMutex

	supervisorMu sync.RWMutex
	supervisor   *Supervisor
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opRegistryNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	spoofLimit := cfg.DefaultSpoofLimitKM
	if spoofLimit <= 0 {
		spoofLimit = DefaultSpoofLimitKM
	}
	baudRate := cfg.DefaultBaudRate
	if baudRate <= 0 {
		baudRate = transport.DefaultBaudRate
	}
	return &Registry{
		db:                  cfg.Database,
		idProvider:          cfg.IDProvider,
		defaultSpoofLimitKM: spoofLimit,
		defaultBaudRate:     baudRate,
		clock:               clock,
		metrics:             cfg.Metrics,
		onDelete:            cfg.OnDelete,
		logger:              logger,
		paused:              make(map[string]bool),
	}, nil
}

// Registration describes a new source.
type Registration struct {
	Transport            string
	Endpoint             string
	Name                 string
	BaudRate             int
	MessageLimit         int
	TargetLimit          int
	KeepNonVesselTargets *bool
	SpoofLimitKM         *float64
	Inactive             bool
}

// Register validates and persists a new source and starts its adapter.
// A second source with the same transport and endpoint is rejected with
// ErrDuplicateSource and nothing is persisted.
func (r *Registry) Register(ctx context.Context, registration Registration) (Source, error) {
	kind, err := transport.ParseKind(registration.Transport)
	if err != nil {
		return Source{}, err
	}
	endpoint, err := transport.ValidateEndpoint(kind, registration.Endpoint)
	if err != nil {
		return Source{}, err
	}
	if registration.MessageLimit < 0 || registration.TargetLimit < 0 {
		return Source{}, fmt.Errorf("%w: limits must not be negative", ErrInvalidLimit)
	}
	spoofLimit := r.defaultSpoofLimitKM
	if registration.SpoofLimitKM != nil {
		if *registration.SpoofLimitKM <= 0 {
			return Source{}, fmt.Errorf("%w: spoof limit must be positive", ErrInvalidLimit)
		}
		spoofLimit = *registration.SpoofLimitKM
	}
	keepNonVessel := true
	if registration.KeepNonVesselTargets != nil {
		keepNonVessel = *registration.KeepNonVesselTargets
	}

	sourceID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opRegister, "id_generation_failed", err)
		return Source{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	source := Source{
		SourceID:             sourceID,
		Transport:            kind,
		Name:                 defaultName(kind, endpoint, registration.Name),
		Endpoint:             endpoint,
		Status:               StatusActive,
		CreatedAt:            r.clock().UTC(),
		MessageLimit:         registration.MessageLimit,
		TargetLimit:          registration.TargetLimit,
		KeepNonVesselTargets: keepNonVessel,
		SpoofLimitKM:         spoofLimit,
	}
	if registration.Inactive {
		source.Status = StatusInactive
	}
	if kind == transport.KindSerial {
		source.BaudRate = registration.BaudRate
		if source.BaudRate <= 0 {
			source.BaudRate = r.defaultBaudRate
		}
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Source{}).
			Where("transport = ? AND endpoint = ?", kind, endpoint).
			Count(&existing).Error; err != nil {
			r.logError(opRegister, "duplicate_check_failed", err)
			return newServiceError(opRegister, "duplicate_check_failed", err)
		}
		if existing > 0 {
			return ErrDuplicateSource
		}
		if err := tx.Create(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateSource
			}
			r.logError(opRegister, "insert_failed", err)
			return newServiceError(opRegister, "insert_failed", err)
		}
		return nil
	})
	if errors.Is(txErr, ErrDuplicateSource) {
		return Source{}, fmt.Errorf("%w: %s %s", ErrDuplicateSource, kind, endpoint)
	}
	if txErr != nil {
		return Source{}, txErr
	}

	r.logger.Info("source registered",
		zap.String("source_id", source.SourceID),
		zap.String("transport", string(kind)),
		zap.String("endpoint", endpoint))
	if source.IsActive() {
		r.startAdapter(source)
	}
	return source, nil
}

func defaultName(kind transport.Kind, endpoint, name string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	switch kind {
	case transport.KindFile:
		return filepath.Base(endpoint)
	default:
		return fmt.Sprintf("%s %s", strings.ToUpper(string(kind)), endpoint)
	}
}

// Get returns one source.
func (r *Registry) Get(ctx context.Context, sourceID string) (Source, error) {
	var source Source
	err := r.db.WithContext(ctx).Where("source_id = ?", sourceID).Take(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
	}
	if err != nil {
		r.logError(opGet, "query_failed", err, zap.String("source_id", sourceID))
		return Source{}, newServiceError(opGet, "query_failed", err)
	}
	return source, nil
}

// List returns every source, newest first.
func (r *Registry) List(ctx context.Context) ([]Source, error) {
	var sources []Source
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&sources).Error; err != nil {
		r.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return sources, nil
}

// ActiveSources implements tracking.SourceDirectory.
func (r *Registry) ActiveSources(ctx context.Context) ([]tracking.SourceInfo, error) {
	var sources []Source
	if err := r.db.WithContext(ctx).Where("status = ?", StatusActive).Order("created_at ASC").Find(&sources).Error; err != nil {
		r.logError(opActiveSources, "query_failed", err)
		return nil, newServiceError(opActiveSources, "query_failed", err)
	}
	infos := make([]tracking.SourceInfo, len(sources))
	for index, source := range sources {
		infos[index] = tracking.SourceInfo{
			SourceID:     source.SourceID,
			Name:         source.Name,
			SpoofLimitKM: source.SpoofLimitKM,
		}
	}
	return infos, nil
}

// SpoofLimitKM implements tracking.SourceDirectory.
func (r *Registry) SpoofLimitKM(ctx context.Context, sourceID string) (float64, error) {
	source, err := r.Get(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	return source.SpoofLimitKM, nil
}

// Toggle flips a source between active and inactive.
func (r *Registry) Toggle(ctx context.Context, sourceID string) (Source, error) {
	source, err := r.Get(ctx, sourceID)
	if err != nil {
		return Source{}, err
	}
	if source.IsActive() {
		return r.Deactivate(ctx, sourceID)
	}
	return r.Activate(ctx, sourceID)
}

// Activate marks the source active and starts its adapter.
func (r *Registry) Activate(ctx context.Context, sourceID string) (Source, error) {
	source, err := r.setStatus(ctx, sourceID, StatusActive)
	if err != nil {
		return Source{}, err
	}
	r.startAdapter(source)
	return source, nil
}

// Deactivate stops the adapter and marks the source inactive.
func (r *Registry) Deactivate(ctx context.Context, sourceID string) (Source, error) {
	source, err := r.setStatus(ctx, sourceID, StatusInactive)
	if err != nil {
		return Source{}, err
	}
	r.stopAdapter(sourceID)
	return source, nil
}

func (r *Registry) setStatus(ctx context.Context, sourceID string, status Status) (Source, error) {
	updates := map[string]any{"status": status}
	if status == StatusActive {
		updates["processing_complete"] = false
	}
	if err := r.update(ctx, opSetStatus, sourceID, updates); err != nil {
		return Source{}, err
	}
	return r.Get(ctx, sourceID)
}

// Pause keeps the adapter connected but discards everything it reads.
func (r *Registry) Pause(ctx context.Context, sourceID string) (Source, error) {
	return r.setPaused(ctx, sourceID, true)
}

// Resume undoes Pause. A source whose adapter has exited is restarted.
func (r *Registry) Resume(ctx context.Context, sourceID string) (Source, error) {
	source, err := r.setPaused(ctx, sourceID, false)
	if err != nil {
		return Source{}, err
	}
	if source.IsActive() && !(source.Transport == transport.KindFile && source.ProcessingComplete) {
		r.startAdapter(source)
	}
	return source, nil
}

func (r *Registry) setPaused(ctx context.Context, sourceID string, paused bool) (Source, error) {
	if err := r.update(ctx, opSetPaused, sourceID, map[string]any{"paused": paused}); err != nil {
		return Source{}, err
	}
	r.pausedMu.Lock()
	r.paused[sourceID] = paused
	r.pausedMu.Unlock()
	return r.Get(ctx, sourceID)
}

// IsPaused implements tracking.SourceGate. It reads process memory so the
// check costs nothing per sentence.
func (r *Registry) IsPaused(sourceID string) bool {
	r.pausedMu.RLock()
	defer r.pausedMu.RUnlock()
	return r.paused[sourceID]
}

// UpdateMessageLimit sets the message quota and purges immediately when it shrinks.
func (r *Registry) UpdateMessageLimit(ctx context.Context, sourceID string, limit int) (Source, error) {
	if limit < 0 {
		return Source{}, fmt.Errorf("%w: message limit must not be negative", ErrInvalidLimit)
	}
	if err := r.update(ctx, opUpdate, sourceID, map[string]any{"message_limit": limit}); err != nil {
		return Source{}, err
	}
	if err := r.EnforceMessageLimit(ctx, sourceID); err != nil {
		r.logError(opMessageLimit, "purge_failed", err, zap.String("source_id", sourceID))
	}
	return r.Get(ctx, sourceID)
}

// UpdateTargetLimit sets the target quota and reapplies it.
func (r *Registry) UpdateTargetLimit(ctx context.Context, sourceID string, limit int) (Source, error) {
	if limit < 0 {
		return Source{}, fmt.Errorf("%w: target limit must not be negative", ErrInvalidLimit)
	}
	if err := r.update(ctx, opUpdate, sourceID, map[string]any{"target_limit": limit}); err != nil {
		return Source{}, err
	}
	if err := r.ReconcileTargets(ctx, sourceID); err != nil {
		r.logError(opTargetLimit, "reconcile_failed", err, zap.String("source_id", sourceID))
	}
	return r.Get(ctx, sourceID)
}

// UpdateKeepNonVessel sets whether base stations and aids to navigation bypass the target quota.
func (r *Registry) UpdateKeepNonVessel(ctx context.Context, sourceID string, keep bool) (Source, error) {
	if err := r.update(ctx, opUpdate, sourceID, map[string]any{"keep_non_vessel_targets": keep}); err != nil {
		return Source{}, err
	}
	if err := r.ReconcileTargets(ctx, sourceID); err != nil {
		r.logError(opTargetLimit, "reconcile_failed", err, zap.String("source_id", sourceID))
	}
	return r.Get(ctx, sourceID)
}

// UpdateSpoofLimit sets the reception radius cap used by the spoof detector.
func (r *Registry) UpdateSpoofLimit(ctx context.Context, sourceID string, limitKM float64) (Source, error) {
	if limitKM <= 0 {
		return Source{}, fmt.Errorf("%w: spoof limit must be positive", ErrInvalidLimit)
	}
	if err := r.update(ctx, opUpdate, sourceID, map[string]any{"spoof_limit_km": limitKM}); err != nil {
		return Source{}, err
	}
	return r.Get(ctx, sourceID)
}

// MarkProcessingComplete flags a file source as fully read.
func (r *Registry) MarkProcessingComplete(ctx context.Context, sourceID string) error {
	return r.update(ctx, opUpdate, sourceID, map[string]any{"processing_complete": true})
}

// Delete stops the source and removes it. With deleteData its messages,
// positions and text messages are removed too, and vessels left without any
// source attribution are deleted.
func (r *Registry) Delete(ctx context.Context, sourceID string, deleteData bool) error {
	if _, err := r.Get(ctx, sourceID); err != nil {
		return err
	}
	r.stopAdapter(sourceID)

	defer r.locks.forget(sourceID)
	unlock := r.locks.lock(sourceID)
	defer unlock()

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attributed []string
		if err := tx.Model(&tracking.VesselSource{}).Where("source_id = ?", sourceID).Pluck("station_id", &attributed).Error; err != nil {
			return r.deleteFailure("attribution_query_failed", sourceID, err)
		}

		var affected []string
		if deleteData {
			if err := tx.Model(&tracking.Position{}).Where("source_id = ?", sourceID).Distinct("station_id").Pluck("station_id", &affected).Error; err != nil {
				return r.deleteFailure("station_query_failed", sourceID, err)
			}
			for _, model := range []any{&tracking.Position{}, &tracking.Message{}, &tracking.TextMessage{}} {
				if err := tx.Where("source_id = ?", sourceID).Delete(model).Error; err != nil {
					return r.deleteFailure("data_delete_failed", sourceID, err)
				}
			}
		}

		if err := tx.Where("source_id = ?", sourceID).Delete(&tracking.VesselSource{}).Error; err != nil {
			return r.deleteFailure("attribution_delete_failed", sourceID, err)
		}

		if deleteData {
			candidates := mergeStations(attributed, affected)
			for _, batch := range chunk(candidates, purgeBatchSize) {
				if err := tx.Where("station_id IN ?", batch).
					Where("NOT EXISTS (SELECT 1 FROM vessel_sources WHERE vessel_sources.station_id = vessels.station_id)").
					Delete(&tracking.Vessel{}).Error; err != nil {
					return r.deleteFailure("vessel_delete_failed", sourceID, err)
				}
				if err := tracking.RecountPositions(tx, batch); err != nil {
					return r.deleteFailure("recount_failed", sourceID, err)
				}
			}
		}

		if err := tx.Where("source_id = ?", sourceID).Delete(&Source{}).Error; err != nil {
			return r.deleteFailure("source_delete_failed", sourceID, err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	r.pausedMu.Lock()
	delete(r.paused, sourceID)
	r.pausedMu.Unlock()
	if r.onDelete != nil {
		r.onDelete(sourceID)
	}
	r.logger.Info("source deleted", zap.String("source_id", sourceID), zap.Bool("delete_data", deleteData))
	return nil
}

func (r *Registry) deleteFailure(reason, sourceID string, err error) error {
	r.logError(opDelete, reason, err, zap.String("source_id", sourceID))
	return newServiceError(opDelete, reason, err)
}

// DisableAll deactivates every active source and returns how many changed.
func (r *Registry) DisableAll(ctx context.Context) (int, error) {
	var active []string
	if err := r.db.WithContext(ctx).Model(&Source{}).Where("status = ?", StatusActive).Pluck("source_id", &active).Error; err != nil {
		r.logError(opDisableAll, "query_failed", err)
		return 0, newServiceError(opDisableAll, "query_failed", err)
	}
	if len(active) == 0 {
		return 0, nil
	}
	if err := r.db.WithContext(ctx).Model(&Source{}).Where("source_id IN ?", active).Update("status", StatusInactive).Error; err != nil {
		r.logError(opDisableAll, "update_failed", err)
		return 0, newServiceError(opDisableAll, "update_failed", err)
	}
	for _, sourceID := range active {
		r.stopAdapter(sourceID)
	}
	return len(active), nil
}

// ResetCounters zeroes every source's counters after the datastore was cleared.
func (r *Registry) ResetCounters(ctx context.Context) error {
	err := r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&Source{}).
		Updates(map[string]any{
			"message_count":   0,
			"fragment_count":  0,
			"target_count":    0,
			"last_message_at": nil,
		}).Error
	if err != nil {
		r.logError(opCounters, "reset_failed", err)
		return newServiceError(opCounters, "reset_failed", err)
	}
	return nil
}

// RecordFragment implements tracking.SourceGate.
func (r *Registry) RecordFragment(ctx context.Context, sourceID string) error {
	return r.db.WithContext(ctx).Model(&Source{}).
		Where("source_id = ?", sourceID).
		Update("fragment_count", gorm.Expr("fragment_count + ?", 1)).Error
}

// RecordMessage implements tracking.SourceGate.
func (r *Registry) RecordMessage(ctx context.Context, sourceID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Source{}).
		Where("source_id = ?", sourceID).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + ?", 1),
			"last_message_at": at.UTC(),
		}).Error
}

// AttachSupervisor wires the adapter supervisor. Until it is attached,
// lifecycle changes are persisted without starting or stopping adapters.
func (r *Registry) AttachSupervisor(supervisor *Supervisor) {
	r.supervisorMu.Lock()
	r.supervisor = supervisor
	r.supervisorMu.Unlock()
}

// HandleAdapterExit records the end of an adapter that stopped on its own.
func (r *Registry) HandleAdapterExit(source Source, err error) {
	if err != nil || source.Transport != transport.KindFile {
		return
	}
	if markErr := r.MarkProcessingComplete(context.Background(), source.SourceID); markErr != nil {
		r.logError(opUpdate, "processing_complete_failed", markErr, zap.String("source_id", source.SourceID))
	}
}

// Restore loads pause flags and restarts the adapters of active sources.
// Completed file sources are not replayed.
func (r *Registry) Restore(ctx context.Context) error {
	sources, err := r.List(ctx)
	if err != nil {
		r.logError(opRestore, "list_failed", err)
		return err
	}
	r.pausedMu.Lock()
	for _, source := range sources {
		r.paused[source.SourceID] = source.Paused
	}
	r.pausedMu.Unlock()

	for _, source := range sources {
		if !source.IsActive() {
			continue
		}
		if source.Transport == transport.KindFile && source.ProcessingComplete {
			continue
		}
		r.startAdapter(source)
	}
	return nil
}

func (r *Registry) startAdapter(source Source) {
	r.supervisorMu.RLock()
	supervisor := r.supervisor
	r.supervisorMu.RUnlock()
	if supervisor == nil {
		return
	}
	if err := supervisor.Start(source); err != nil {
		r.logger.Warn("source adapter could not start",
			zap.String("source_id", source.SourceID),
			zap.Error(err))
	}
}

func (r *Registry) stopAdapter(sourceID string) {
	r.supervisorMu.RLock()
	supervisor := r.supervisor
	r.supervisorMu.RUnlock()
	if supervisor == nil {
		return
	}
	supervisor.Stop(sourceID)
}

func (r *Registry) update(ctx context.Context, operation, sourceID string, updates map[string]any) error {
	result := r.db.WithContext(ctx).Model(&Source{}).Where("source_id = ?", sourceID).Updates(updates)
	if result.Error != nil {
		r.logError(operation, "update_failed", result.Error, zap.String("source_id", sourceID))
		return newServiceError(operation, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, sourceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("source registry error", attrs...)
}

func mergeStations(groups ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, group := range groups {
		for _, stationID := range group {
			if _, ok := seen[stationID]; ok {
				continue
			}
			seen[stationID] = struct{}{}
			merged = append(merged, stationID)
		}
	}
	return merged
}
