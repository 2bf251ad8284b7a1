package tracking

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type positionRoles struct {
	baseStation     bool
	aidToNavigation bool
}

// recordPosition validates the reported coordinates, derives the display
// coordinates and inserts the track point. When the report is the station's
// first valid fix, every earlier point without display coordinates is
// backfilled with it. firstFix reports whether that happened. A valid fix
// farther than spoofLimitKM from the previous one is flagged but still stored.
func (s *Service) recordPosition(tx *gorm.DB, env envelope, messageID uint64, roles positionRoles, spoofLimitKM float64) (Position, bool, error) {
	kinematics := env.Report.Kinematics
	position := Position{
		MessageID:         messageID,
		StationID:         env.Report.StationID,
		Timestamp:         env.Timestamp,
		OriginalLat:       kinematics.Lat,
		OriginalLon:       kinematics.Lon,
		Speed:             kinematics.Speed,
		Course:            kinematics.Course,
		Heading:           kinematics.Heading,
		NavStatus:         kinematics.NavStatus,
		SourceID:          env.SourceID,
		IsOwnShip:         env.OwnShip,
		RepeatIndicator:   env.Report.RepeatIndicator,
		IsBaseStation:     roles.baseStation,
		IsAidToNavigation: roles.aidToNavigation,
	}

	prior, err := lastValidPosition(tx, position.StationID)
	if err != nil {
		return Position{}, false, err
	}

	firstFix := false
	if s.validity.Accept(kinematics.Lat, kinematics.Lon) {
		lat, lon := *kinematics.Lat, *kinematics.Lon
		position.PositionValid = true
		position.DisplayLat = &lat
		position.DisplayLon = &lon
		firstFix = prior == nil
		if prior != nil {
			s.checkJump(env, *prior, lat, lon, spoofLimitKM)
		}
	} else if prior != nil && prior.HasDisplay() {
		lat, lon := *prior.DisplayLat, *prior.DisplayLon
		position.DisplayLat = &lat
		position.DisplayLon = &lon
	}

	if err := tx.Create(&position).Error; err != nil {
		return Position{}, false, err
	}
	if firstFix {
		if err := backfillDisplay(tx, position.StationID, *position.DisplayLat, *position.DisplayLon); err != nil {
			return Position{}, false, err
		}
	}
	return position, firstFix, nil
}

// checkJump reports whether (lat, lon) lies farther than limitKM from the
// station's previous valid fix. A non-positive limit disables the check.
func (s *Service) checkJump(env envelope, prior Position, lat, lon, limitKM float64) bool {
	if limitKM <= 0 || !prior.HasDisplay() {
		return false
	}
	distance := GreatCircleKM(*prior.DisplayLat, *prior.DisplayLon, lat, lon)
	if distance <= limitKM {
		return false
	}
	s.logger.Warn("potential spoof",
		zap.String("operation", opHandlePosition),
		zap.String("station_id", env.Report.StationID),
		zap.String("source_id", env.SourceID),
		zap.Float64("distance_km", distance),
		zap.Float64("spoof_limit_km", limitKM))
	s.metrics.SpoofJumpDetected(env.SourceID)
	return true
}

// spoofLimit resolves the jump threshold of sourceID; 0 disables the check.
func (s *Service) spoofLimit(ctx context.Context, sourceID string) float64 {
	if s.directory == nil {
		return 0
	}
	limitKM, err := s.directory.SpoofLimitKM(ctx, sourceID)
	if err != nil {
		s.logger.Debug("spoof limit unavailable",
			zap.String("operation", opSpoofLimit),
			zap.String("source_id", sourceID),
			zap.Error(err))
		return 0
	}
	return limitKM
}

func lastValidPosition(tx *gorm.DB, stationID string) (*Position, error) {
	var position Position
	err := tx.Where("station_id = ? AND position_valid = ?", stationID, true).
		Order("timestamp DESC").
		Order("id DESC").
		Take(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

// backfillDisplay only touches rows that have no display coordinates yet.
func backfillDisplay(tx *gorm.DB, stationID string, lat, lon float64) error {
	return tx.Model(&Position{}).
		Where("station_id = ? AND display_lat IS NULL", stationID).
		Updates(map[string]any{
			"display_lat": lat,
			"display_lon": lon,
			"backfilled":  true,
		}).Error
}

// RecountPositions refreshes position_count for the given stations.
func RecountPositions(tx *gorm.DB, stationIDs []string) error {
	if len(stationIDs) == 0 {
		return nil
	}
	counts := tx.Model(&Position{}).
		Select("COUNT(*)").
		Where("positions.station_id = vessels.station_id")
	return tx.Model(&Vessel{}).
		Where("station_id IN ?", stationIDs).
		Update("position_count", counts).Error
}
