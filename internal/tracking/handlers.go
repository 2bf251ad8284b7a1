package tracking

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// handled is the side-effect summary of one dispatched message.
type handled struct {
	events    []broadcast.Event
	touched   bool
	nonVessel bool
	enrich    bool
}

// PositionEvent is the payload of position, base station and aid-to-navigation updates.
type PositionEvent struct {
	StationID         string    `json:"station_id"`
	SourceID          string    `json:"source_id"`
	Timestamp         time.Time `json:"timestamp"`
	Lat               *float64  `json:"lat"`
	Lon               *float64  `json:"lon"`
	PositionValid     bool      `json:"position_valid"`
	Backfilled        bool      `json:"backfilled"`
	Speed             *float64  `json:"speed,omitempty"`
	Course            *float64  `json:"course,omitempty"`
	Heading           *int      `json:"heading,omitempty"`
	NavStatus         *int      `json:"nav_status,omitempty"`
	IsOwnShip         bool      `json:"is_own_ship"`
	RepeatIndicator   int       `json:"repeat_indicator"`
	IsBaseStation     bool      `json:"is_base_station"`
	IsAidToNavigation bool      `json:"is_aid_to_navigation"`
	Name              string    `json:"name,omitempty"`
	ShipTypeText      string    `json:"ship_type_text,omitempty"`
	Country           string    `json:"country,omitempty"`
	PositionCount     int64     `json:"position_count"`
}

func newPositionEvent(position Position, vessel Vessel) PositionEvent {
	return PositionEvent{
		StationID:         position.StationID,
		SourceID:          position.SourceID,
		Timestamp:         position.Timestamp,
		Lat:               position.DisplayLat,
		Lon:               position.DisplayLon,
		PositionValid:     position.PositionValid,
		Backfilled:        position.Backfilled,
		Speed:             position.Speed,
		Course:            position.Course,
		Heading:           position.Heading,
		NavStatus:         position.NavStatus,
		IsOwnShip:         position.IsOwnShip,
		RepeatIndicator:   position.RepeatIndicator,
		IsBaseStation:     position.IsBaseStation,
		IsAidToNavigation: position.IsAidToNavigation,
		Name:              vessel.Name,
		ShipTypeText:      vessel.ShipTypeText,
		Country:           vessel.Country,
		PositionCount:     vessel.PositionCount,
	}
}

func (s *Service) dispatch(ctx context.Context, env envelope, messageID uint64) (handled, error) {
	switch env.Report.Kind {
	case KindPosition:
		update := vesselUpdate{}
		if env.Report.MessageType == 19 {
			identity := env.Report.Identity
			update.Identity = &identity
		}
		if env.Report.MessageType == messageTypeSARAircraft {
			update.DefaultTypeText = shipTypeTextSARAircraft
		}
		return s.handlePositionReport(ctx, env, messageID, positionRoles{}, update, broadcast.EventPositionUpdate)
	case KindBaseStation:
		update := vesselUpdate{BaseStation: true, DefaultTypeText: shipTypeTextBaseStation}
		return s.handlePositionReport(ctx, env, messageID, positionRoles{baseStation: true}, update, broadcast.EventBaseStationUpdate)
	case KindAidToNavigation:
		identity := env.Report.Identity
		update := vesselUpdate{AidToNavigation: true, Identity: &identity, DefaultTypeText: shipTypeTextAidToNavigation}
		return s.handlePositionReport(ctx, env, messageID, positionRoles{aidToNavigation: true}, update, broadcast.EventAidToNavigationUpdate)
	case KindStatic:
		return s.handleStatic(ctx, env)
	case KindText:
		return s.handleText(ctx, env)
	default:
		return handled{}, nil
	}
}

// handlePositionReport runs validation, backfill and the vessel upsert in one transaction.
func (s *Service) handlePositionReport(ctx context.Context, env envelope, messageID uint64, roles positionRoles, update vesselUpdate, eventType string) (handled, error) {
	var (
		position Position
		firstFix bool
		change   vesselChange
	)
	spoofLimitKM := 0.0
	if s.validity.Accept(env.Report.Kinematics.Lat, env.Report.Kinematics.Lon) {
		spoofLimitKM = s.spoofLimit(ctx, env.SourceID)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		position, firstFix, err = s.recordPosition(tx, env, messageID, roles, spoofLimitKM)
		if err != nil {
			s.logError(opHandlePosition, "position_insert_failed", err,
				zap.String("station_id", env.Report.StationID),
				zap.String("source_id", env.SourceID))
			return newServiceError(opHandlePosition, "position_insert_failed", err)
		}
		update.StationID = env.Report.StationID
		update.SeenAt = env.Timestamp
		update.Position = &position
		change, err = applyVesselUpdate(tx, update)
		if err != nil {
			s.logError(opHandlePosition, "vessel_upsert_failed", err,
				zap.String("station_id", env.Report.StationID),
				zap.String("source_id", env.SourceID))
			return newServiceError(opHandlePosition, "vessel_upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return handled{}, txErr
	}

	result := handled{
		events: []broadcast.Event{{
			Type:      eventType,
			Payload:   newPositionEvent(position, change.Vessel),
			Timestamp: env.Timestamp,
		}},
		touched:   true,
		nonVessel: change.Vessel.IsNonVessel(),
		enrich:    change.Created || firstFix || (change.IdentityChanged && !change.Vessel.IsNonVessel()),
	}
	if change.IdentityChanged {
		result.events = append(result.events, broadcast.Event{
			Type:      broadcast.EventVesselUpdate,
			Payload:   change.Vessel,
			Timestamp: env.Timestamp,
		})
	}
	return result, nil
}

func (s *Service) handleStatic(ctx context.Context, env envelope) (handled, error) {
	var change vesselChange
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		identity := env.Report.Identity
		var err error
		change, err = applyVesselUpdate(tx, vesselUpdate{
			StationID: env.Report.StationID,
			SeenAt:    env.Timestamp,
			Identity:  &identity,
		})
		if err != nil {
			s.logError(opHandleStatic, "vessel_upsert_failed", err,
				zap.String("station_id", env.Report.StationID),
				zap.String("source_id", env.SourceID))
			return newServiceError(opHandleStatic, "vessel_upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return handled{}, txErr
	}
	return handled{
		events: []broadcast.Event{{
			Type:      broadcast.EventVesselUpdate,
			Payload:   change.Vessel,
			Timestamp: env.Timestamp,
		}},
		touched:   true,
		nonVessel: change.Vessel.IsNonVessel(),
		enrich:    change.Created || change.IdentityChanged,
	}, nil
}

func (s *Service) handleText(ctx context.Context, env envelope) (handled, error) {
	message := TextMessage{
		StationID:   env.Report.StationID,
		Timestamp:   env.Timestamp,
		MessageType: env.Report.MessageType,
		Text:        env.Report.Text.Text,
		SourceID:    env.SourceID,
	}
	if destination := env.Report.Text.DestinationStationID; destination != "" && destination != "0" {
		message.DestinationStationID = &destination
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opHandleText, "text_insert_failed", err,
			zap.String("station_id", env.Report.StationID),
			zap.String("source_id", env.SourceID))
		return handled{}, newServiceError(opHandleText, "text_insert_failed", err)
	}
	return handled{
		events: []broadcast.Event{{
			Type:      broadcast.EventTextMessage,
			Payload:   message,
			Timestamp: env.Timestamp,
		}},
	}, nil
}
