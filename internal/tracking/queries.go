package tracking

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultActiveLimit     = 1000
	defaultActiveHoursBack = 24
	defaultTrackLimit      = 1000
	defaultRecentLimit     = 100
	defaultTextLimit       = 100
	defaultSearchLimit     = 100
	maxQueryLimit          = 10000
)

// VesselView is a Vessel with its materialised source attribution and cached profile.
type VesselView struct {
	Vessel
	SourceIDs  []string          `json:"source_ids"`
	Enrichment *EnrichmentRecord `json:"enrichment,omitempty"`
}

// ActiveFilter selects the vessels returned by ActiveVessels.
type ActiveFilter struct {
	Limit             int
	MinPositions      int
	HoursBack         int
	IncludeNonVessels bool
}

func (f ActiveFilter) normalized() ActiveFilter {
	if f.Limit <= 0 {
		f.Limit = defaultActiveLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	if f.MinPositions <= 0 {
		f.MinPositions = 1
	}
	if f.HoursBack <= 0 {
		f.HoursBack = defaultActiveHoursBack
	}
	return f
}

// ActiveResult is the active-vessel listing with the spoof anchors of every active source.
type ActiveResult struct {
	Vessels      []VesselView  `json:"vessels"`
	SpoofAnchors []SpoofAnchor `json:"spoof_anchors"`
	Count        int           `json:"count"`
}

// TextFilter selects text messages.
type TextFilter struct {
	Limit     int
	StationID string
	SourceID  string
}

// SearchQuery filters the vessel listing.
type SearchQuery struct {
	StationID string
	Name      string
	Callsign  string
	ShipType  *int
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Status summarizes the datastore.
type Status struct {
	Messages            int64 `json:"messages"`
	Positions           int64 `json:"positions"`
	ValidPositions      int64 `json:"valid_positions"`
	BackfilledPositions int64 `json:"backfilled_positions"`
	Vessels             int64 `json:"vessels"`
	BaseStations        int64 `json:"base_stations"`
	AidsToNavigation    int64 `json:"aids_to_navigation"`
	TextMessages        int64 `json:"text_messages"`
}

// Vessel returns the current state of one station.
func (s *Service) Vessel(ctx context.Context, stationID string) (VesselView, error) {
	var vessel Vessel
	err := s.db.WithContext(ctx).Where("station_id = ?", strings.TrimSpace(stationID)).Take(&vessel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VesselView{}, ErrNotFound
	}
	if err != nil {
		s.logError(opQueryVessel, "query_failed", err, zap.String("station_id", stationID))
		return VesselView{}, newServiceError(opQueryVessel, "query_failed", err)
	}
	views, err := s.decorate(ctx, []Vessel{vessel})
	if err != nil {
		s.logError(opQueryVessel, "decorate_failed", err, zap.String("station_id", stationID))
		return VesselView{}, newServiceError(opQueryVessel, "decorate_failed", err)
	}
	return views[0], nil
}

// Track returns the display-bearing track points of a station, oldest first.
func (s *Service) Track(ctx context.Context, stationID string, limit int) ([]Position, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultTrackLimit
	}
	var newest []Position
	if err := s.db.WithContext(ctx).
		Where("station_id = ? AND display_lat IS NOT NULL AND display_lon IS NOT NULL", strings.TrimSpace(stationID)).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&newest).Error; err != nil {
		s.logError(opQueryTrack, "query_failed", err, zap.String("station_id", stationID))
		return nil, newServiceError(opQueryTrack, "query_failed", err)
	}
	track := make([]Position, len(newest))
	for index := range newest {
		track[len(newest)-1-index] = newest[index]
	}
	return track, nil
}

// ActiveVessels lists recently seen vessels that have display coordinates and
// at least one source attribution.
func (s *Service) ActiveVessels(ctx context.Context, filter ActiveFilter) (ActiveResult, error) {
	filter = filter.normalized()
	cutoff := s.clock().UTC().Add(-time.Duration(filter.HoursBack) * time.Hour)

	query := s.db.WithContext(ctx).Model(&Vessel{}).
		Where("position_count >= ? AND last_seen >= ?", filter.MinPositions, cutoff).
		Where("last_lat IS NOT NULL AND last_lon IS NOT NULL").
		Where("EXISTS (SELECT 1 FROM vessel_sources WHERE vessel_sources.station_id = vessels.station_id)")
	if !filter.IncludeNonVessels {
		query = query.Where("is_base_station = ? AND is_aid_to_navigation = ?", false, false)
	}

	var vessels []Vessel
	if err := query.Order("last_seen DESC").Limit(filter.Limit).Find(&vessels).Error; err != nil {
		s.logError(opQueryActive, "query_failed", err)
		return ActiveResult{}, newServiceError(opQueryActive, "query_failed", err)
	}
	views, err := s.decorate(ctx, vessels)
	if err != nil {
		s.logError(opQueryActive, "decorate_failed", err)
		return ActiveResult{}, newServiceError(opQueryActive, "decorate_failed", err)
	}
	anchors, err := s.spoof.Anchors(ctx)
	if err != nil {
		s.logError(opSpoofAnchors, "query_failed", err)
		return ActiveResult{}, newServiceError(opSpoofAnchors, "query_failed", err)
	}
	return ActiveResult{Vessels: views, SpoofAnchors: anchors, Count: len(views)}, nil
}

// SpoofAnchors returns the current anchors of every active source.
func (s *Service) SpoofAnchors(ctx context.Context) ([]SpoofAnchor, error) {
	anchors, err := s.spoof.Anchors(ctx)
	if err != nil {
		s.logError(opSpoofAnchors, "query_failed", err)
		return nil, newServiceError(opSpoofAnchors, "query_failed", err)
	}
	return anchors, nil
}

// RecentPositions returns the newest display-bearing positions across all stations.
func (s *Service) RecentPositions(ctx context.Context, limit int) ([]Position, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultRecentLimit
	}
	var positions []Position
	if err := s.db.WithContext(ctx).
		Where("display_lat IS NOT NULL AND display_lon IS NOT NULL").
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&positions).Error; err != nil {
		s.logError(opQueryPositions, "query_failed", err)
		return nil, newServiceError(opQueryPositions, "query_failed", err)
	}
	return positions, nil
}

// TextMessages returns text messages, newest first.
func (s *Service) TextMessages(ctx context.Context, filter TextFilter) ([]TextMessage, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultTextLimit
	}
	query := s.db.WithContext(ctx).Model(&TextMessage{})
	if stationID := strings.TrimSpace(filter.StationID); stationID != "" {
		query = query.Where("station_id = ?", stationID)
	}
	if sourceID := strings.TrimSpace(filter.SourceID); sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	var messages []TextMessage
	if err := query.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		s.logError(opQueryText, "query_failed", err)
		return nil, newServiceError(opQueryText, "query_failed", err)
	}
	return messages, nil
}

// Search filters vessels by identifier prefix, name, callsign, type and last-seen window.
func (s *Service) Search(ctx context.Context, search SearchQuery) ([]VesselView, error) {
	limit := search.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultSearchLimit
	}
	query := s.db.WithContext(ctx).Model(&Vessel{})
	if stationID := strings.TrimSpace(search.StationID); stationID != "" {
		query = query.Where("station_id LIKE ?", stationID+"%")
	}
	if name := strings.TrimSpace(search.Name); name != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
	}
	if callsign := strings.TrimSpace(search.Callsign); callsign != "" {
		query = query.Where("UPPER(callsign) = ?", strings.ToUpper(callsign))
	}
	if search.ShipType != nil {
		query = query.Where("ship_type = ?", *search.ShipType)
	}
	if !search.Since.IsZero() {
		query = query.Where("last_seen >= ?", search.Since.UTC())
	}
	if !search.Until.IsZero() {
		query = query.Where("last_seen <= ?", search.Until.UTC())
	}

	var vessels []Vessel
	if err := query.Order("last_seen DESC").Limit(limit).Find(&vessels).Error; err != nil {
		s.logError(opQuerySearch, "query_failed", err)
		return nil, newServiceError(opQuerySearch, "query_failed", err)
	}
	views, err := s.decorate(ctx, vessels)
	if err != nil {
		s.logError(opQuerySearch, "decorate_failed", err)
		return nil, newServiceError(opQuerySearch, "decorate_failed", err)
	}
	return views, nil
}

// Status counts the rows of every tracking table.
func (s *Service) Status(ctx context.Context) (Status, error) {
	db := s.db.WithContext(ctx)
	var status Status
	counts := []struct {
		target *int64
		query  *gorm.DB
	}{
		{&status.Messages, db.Model(&Message{})},
		{&status.Positions, db.Model(&Position{})},
		{&status.ValidPositions, db.Model(&Position{}).Where("position_valid = ?", true)},
		{&status.BackfilledPositions, db.Model(&Position{}).Where("backfilled = ?", true)},
		{&status.Vessels, db.Model(&Vessel{})},
		{&status.BaseStations, db.Model(&Vessel{}).Where("is_base_station = ?", true)},
		{&status.AidsToNavigation, db.Model(&Vessel{}).Where("is_aid_to_navigation = ?", true)},
		{&status.TextMessages, db.Model(&TextMessage{})},
	}
	for _, count := range counts {
		if err := count.query.Count(count.target).Error; err != nil {
			s.logError(opQueryStatus, "count_failed", err)
			return Status{}, newServiceError(opQueryStatus, "count_failed", err)
		}
	}
	return status, nil
}

// ClearAll deletes every message, position, vessel, attribution and text message.
// Cached enrichment profiles are kept.
func (s *Service) ClearAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Position{}, &Message{}, &TextMessage{}, &VesselSource{}, &Vessel{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				s.logError(opClearAll, "delete_failed", err)
				return newServiceError(opClearAll, "delete_failed", err)
			}
		}
		return nil
	})
}

func (s *Service) decorate(ctx context.Context, vessels []Vessel) ([]VesselView, error) {
	views := make([]VesselView, len(vessels))
	if len(vessels) == 0 {
		return views, nil
	}
	stationIDs := make([]string, len(vessels))
	for index, vessel := range vessels {
		stationIDs[index] = vessel.StationID
	}

	db := s.db.WithContext(ctx)
	var attributions []VesselSource
	if err := db.Where("station_id IN ?", stationIDs).Order("source_id").Find(&attributions).Error; err != nil {
		return nil, err
	}
	sourcesByStation := make(map[string][]string, len(vessels))
	for _, attribution := range attributions {
		sourcesByStation[attribution.StationID] = append(sourcesByStation[attribution.StationID], attribution.SourceID)
	}

	var records []EnrichmentRecord
	if err := db.Where("station_id IN ? AND not_found = ?", stationIDs, false).Find(&records).Error; err != nil {
		return nil, err
	}
	recordsByStation := make(map[string]EnrichmentRecord, len(records))
	for _, record := range records {
		recordsByStation[record.StationID] = record
	}

	for index, vessel := range vessels {
		views[index] = VesselView{Vessel: vessel, SourceIDs: sourcesByStation[vessel.StationID]}
		if views[index].SourceIDs == nil {
			views[index].SourceIDs = []string{}
		}
		if record, ok := recordsByStation[vessel.StationID]; ok {
			views[index].Enrichment = &record
		}
	}
	return views, nil
}
