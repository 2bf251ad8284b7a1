package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/geo/s2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	earthRadiusKM          = 6371.0
	defaultSpoofCacheTTL   = 10 * time.Second
	defaultSpoofCacheLimit = 256
)

// SpoofAnchor is a receiver reference point with the farthest plausible
// reception distance observed by its source.
type SpoofAnchor struct {
	SourceID          string  `json:"source_id"`
	SourceName        string  `json:"source_name"`
	StationID         string  `json:"station_id"`
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	RadiusKM          float64 `json:"radius_km"`
	SpoofLimitKM      float64 `json:"spoof_limit_km"`
	IsOwnTransmission bool    `json:"is_own_transmission"`
	IsBaseStation     bool    `json:"is_base_station"`
	MultiSource       bool    `json:"multi_source"`
}

// GreatCircleKM returns the great-circle distance between two points in kilometres.
func GreatCircleKM(lat1, lon1, lat2, lon2 float64) float64 {
	from := s2.LatLngFromDegrees(lat1, lon1)
	to := s2.LatLngFromDegrees(lat2, lon2)
	return from.Distance(to).Radians() * earthRadiusKM
}

// RadiusWithin returns the largest distance from (lat, lon) to any candidate
// that does not exceed limitKM, or 0 when no candidate qualifies.
func RadiusWithin(lat, lon float64, candidates [][2]float64, limitKM float64) float64 {
	radius := 0.0
	for _, candidate := range candidates {
		distance := GreatCircleKM(lat, lon, candidate[0], candidate[1])
		if distance <= limitKM && distance > radius {
			radius = distance
		}
	}
	return radius
}

type SpoofConfig struct {
	Database  *gorm.DB
	Directory SourceDirectory
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// SpoofDetector computes per-source anchors and caches them briefly.
type SpoofDetector struct {
	db        *gorm.DB
	directory SourceDirectory
	cache     *expirable.LRU[string, []SpoofAnchor]
	logger    *zap.Logger
}

func NewSpoofDetector(cfg SpoofConfig) *SpoofDetector {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultSpoofCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SpoofDetector{
		db:        cfg.Database,
		directory: cfg.Directory,
		cache:     expirable.NewLRU[string, []SpoofAnchor](defaultSpoofCacheLimit, nil, ttl),
		logger:    logger,
	}
}

type spoofCandidate struct {
	StationID  string  `gorm:"column:station_id"`
	DisplayLat float64 `gorm:"column:display_lat"`
	DisplayLon float64 `gorm:"column:display_lon"`
}

// Anchors returns the anchors of every active source. An anchor station that
// anchors more than one source is flagged MultiSource.
func (d *SpoofDetector) Anchors(ctx context.Context) ([]SpoofAnchor, error) {
	if d.directory == nil {
		return []SpoofAnchor{}, nil
	}
	sources, err := d.directory.ActiveSources(ctx)
	if err != nil {
		return nil, err
	}

	anchors := make([]SpoofAnchor, 0)
	for _, source := range sources {
		sourceAnchors, err := d.sourceAnchors(ctx, source)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, sourceAnchors...)
	}

	sourcesByStation := make(map[string]map[string]struct{})
	for _, anchor := range anchors {
		if sourcesByStation[anchor.StationID] == nil {
			sourcesByStation[anchor.StationID] = make(map[string]struct{})
		}
		sourcesByStation[anchor.StationID][anchor.SourceID] = struct{}{}
	}
	for index := range anchors {
		anchors[index].MultiSource = len(sourcesByStation[anchors[index].StationID]) > 1
	}
	return anchors, nil
}

func (d *SpoofDetector) sourceAnchors(ctx context.Context, source SourceInfo) ([]SpoofAnchor, error) {
	cacheKey := fmt.Sprintf("%s|%g", source.SourceID, source.SpoofLimitKM)
	if cached, ok := d.cache.Get(cacheKey); ok {
		return append([]SpoofAnchor(nil), cached...), nil
	}

	db := d.db.WithContext(ctx)
	var fixes []Position
	if err := db.Where("source_id = ? AND (is_own_ship = ? OR is_base_station = ?) AND display_lat IS NOT NULL AND display_lon IS NOT NULL",
		source.SourceID, true, true).
		Order("timestamp DESC").
		Order("id DESC").
		Find(&fixes).Error; err != nil {
		return nil, err
	}

	anchors := make([]SpoofAnchor, 0)
	seen := make(map[string]struct{})
	for _, fix := range fixes {
		if _, ok := seen[fix.StationID]; ok {
			continue
		}
		seen[fix.StationID] = struct{}{}
		anchors = append(anchors, SpoofAnchor{
			SourceID:          source.SourceID,
			SourceName:        source.Name,
			StationID:         fix.StationID,
			Lat:               *fix.DisplayLat,
			Lon:               *fix.DisplayLon,
			SpoofLimitKM:      source.SpoofLimitKM,
			IsOwnTransmission: fix.IsOwnShip,
			IsBaseStation:     fix.IsBaseStation,
		})
	}

	if len(anchors) > 0 && source.SpoofLimitKM > 0 {
		var candidates []spoofCandidate
		if err := db.Model(&Position{}).
			Distinct("station_id", "display_lat", "display_lon").
			Where("source_id = ? AND is_own_ship = ? AND repeat_indicator <= 0 AND display_lat IS NOT NULL AND display_lon IS NOT NULL",
				source.SourceID, false).
			Scan(&candidates).Error; err != nil {
			return nil, err
		}
		for index := range anchors {
			points := make([][2]float64, 0, len(candidates))
			for _, candidate := range candidates {
				if candidate.StationID == anchors[index].StationID {
					continue
				}
				points = append(points, [2]float64{candidate.DisplayLat, candidate.DisplayLon})
			}
			anchors[index].RadiusKM = RadiusWithin(anchors[index].Lat, anchors[index].Lon, points, source.SpoofLimitKM)
		}
	}

	d.cache.Add(cacheKey, anchors)
	return append([]SpoofAnchor(nil), anchors...), nil
}
