package sources

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// purgeBatchSize bounds the length of IN lists sent to the datastore.
const purgeBatchSize = 500

// EnforceMessageLimit deletes the oldest messages of a source beyond its
// message limit together with their positions, then recounts position_count
// of the affected stations.
func (r *Registry) EnforceMessageLimit(ctx context.Context, sourceID string) error {
	unlock := r.locks.lock(sourceID)
	defer unlock()

	source, err := r.Get(ctx, sourceID)
	if errors.Is(err, ErrSourceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if source.MessageLimit <= 0 {
		return nil
	}

	db := r.db.WithContext(ctx)
	var total int64
	if err := db.Model(&tracking.Message{}).Where("source_id = ?", sourceID).Count(&total).Error; err != nil {
		r.logError(opMessageLimit, "count_failed", err, zap.String("source_id", sourceID))
		return newServiceError(opMessageLimit, "count_failed", err)
	}
	excess := int(total) - source.MessageLimit
	if excess <= 0 {
		return nil
	}

	var messageIDs []uint64
	if err := db.Model(&tracking.Message{}).
		Where("source_id = ?", sourceID).
		Order("timestamp ASC").
		Order("id ASC").
		Limit(excess).
		Pluck("id", &messageIDs).Error; err != nil {
		r.logError(opMessageLimit, "select_failed", err, zap.String("source_id", sourceID))
		return newServiceError(opMessageLimit, "select_failed", err)
	}

	txErr := db.Transaction(func(tx *gorm.DB) error {
		for _, batch := range chunk(messageIDs, purgeBatchSize) {
			var stations []string
			if err := tx.Model(&tracking.Position{}).Where("message_id IN ?", batch).Distinct("station_id").Pluck("station_id", &stations).Error; err != nil {
				return err
			}
			if err := tx.Where("message_id IN ?", batch).Delete(&tracking.Position{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", batch).Delete(&tracking.Message{}).Error; err != nil {
				return err
			}
			if err := tracking.RecountPositions(tx, stations); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		r.logError(opMessageLimit, "purge_failed", txErr, zap.String("source_id", sourceID))
		return newServiceError(opMessageLimit, "purge_failed", txErr)
	}

	r.metrics.MessagesPurged(len(messageIDs))
	r.logger.Debug("message limit enforced",
		zap.String("source_id", sourceID),
		zap.Int("purged", len(messageIDs)))
	return nil
}

// TouchTarget attributes stationID to sourceID and applies the target limit.
func (r *Registry) TouchTarget(ctx context.Context, sourceID, stationID string, seenAt time.Time, nonVessel bool) error {
	unlock := r.locks.lock(sourceID)
	defer unlock()

	attribution := tracking.VesselSource{
		StationID: stationID,
		SourceID:  sourceID,
		LastSeen:  seenAt.UTC(),
		NonVessel: nonVessel,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}, {Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "non_vessel"}),
	}).Create(&attribution).Error
	if err != nil {
		r.logError(opTargetLimit, "attribution_failed", err,
			zap.String("source_id", sourceID),
			zap.String("station_id", stationID))
		return newServiceError(opTargetLimit, "attribution_failed", err)
	}
	return r.applyTargetLimit(ctx, sourceID)
}

// ReconcileTargets reapplies the target limit of one source.
func (r *Registry) ReconcileTargets(ctx context.Context, sourceID string) error {
	unlock := r.locks.lock(sourceID)
	defer unlock()
	return r.applyTargetLimit(ctx, sourceID)
}

// ReconcileAll reapplies target limits of every source and returns how many
// sources were processed.
func (r *Registry) ReconcileAll(ctx context.Context) (int, error) {
	var sourceIDs []string
	if err := r.db.WithContext(ctx).Model(&Source{}).Pluck("source_id", &sourceIDs).Error; err != nil {
		r.logError(opTargetLimit, "list_failed", err)
		return 0, newServiceError(opTargetLimit, "list_failed", err)
	}
	processed := 0
	for _, sourceID := range sourceIDs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := r.ReconcileTargets(ctx, sourceID); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// applyTargetLimit keeps the target_limit most recently seen stations of a
// source. Non-vessel stations are exempt when keep_non_vessel_targets is set.
// Callers hold the source lock.
func (r *Registry) applyTargetLimit(ctx context.Context, sourceID string) error {
	source, err := r.Get(ctx, sourceID)
	if errors.Is(err, ErrSourceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if source.TargetLimit > 0 {
			query := tx.Model(&tracking.VesselSource{}).Where("source_id = ?", sourceID)
			if source.KeepNonVesselTargets {
				query = query.Where("non_vessel = ?", false)
			}
			var ranked []string
			if err := query.Order("last_seen DESC").Order("station_id ASC").Pluck("station_id", &ranked).Error; err != nil {
				return err
			}
			if len(ranked) > source.TargetLimit {
				for _, batch := range chunk(ranked[source.TargetLimit:], purgeBatchSize) {
					if err := tx.Where("source_id = ? AND station_id IN ?", sourceID, batch).Delete(&tracking.VesselSource{}).Error; err != nil {
						return err
					}
				}
			}
		}

		var count int64
		if err := tx.Model(&tracking.VesselSource{}).Where("source_id = ?", sourceID).Count(&count).Error; err != nil {
			return err
		}
		return tx.Model(&Source{}).Where("source_id = ?", sourceID).Update("target_count", count).Error
	})
	if txErr != nil {
		r.logError(opTargetLimit, "apply_failed", txErr, zap.String("source_id", sourceID))
		return newServiceError(opTargetLimit, "apply_failed", txErr)
	}
	return nil
}

func chunk[T any](values []T, size int) [][]T {
	if len(values) == 0 {
		return nil
	}
	batches := make([][]T, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		batches = append(batches, values[start:end])
	}
	return batches
}
