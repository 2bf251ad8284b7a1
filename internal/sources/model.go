package sources

import (
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
)

// Status is the lifecycle state of a source.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// DefaultSpoofLimitKM is the reception radius cap applied to new sources.
const DefaultSpoofLimitKM = 500.0

// Source is a registered ingestion endpoint with its counters and quotas.
type Source struct {
	SourceID             string         `gorm:"column:source_id;primaryKey;size:64;not null" json:"source_id"`
	Transport            transport.Kind `gorm:"column:transport;size:16;not null;uniqueIndex:idx_sources_transport_endpoint,priority:1" json:"transport"`
	Name                 string         `gorm:"column:name;size:190;not null" json:"name"`
	Endpoint             string         `gorm:"column:endpoint;size:512;not null;uniqueIndex:idx_sources_transport_endpoint,priority:2" json:"endpoint"`
	BaudRate             int            `gorm:"column:baud_rate;not null;default:0" json:"baud_rate,omitempty"`
	Status               Status         `gorm:"column:status;size:16;not null;index:idx_sources_status" json:"status"`
	Paused               bool           `gorm:"column:paused;not null;default:false" json:"is_paused"`
	ProcessingComplete   bool           `gorm:"column:processing_complete;not null;default:false" json:"processing_complete"`
	CreatedAt            time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	LastMessageAt        *time.Time     `gorm:"column:last_message_at" json:"last_message_at,omitempty"`
	MessageCount         int64          `gorm:"column:message_count;not null;default:0" json:"message_count"`
	FragmentCount        int64          `gorm:"column:fragment_count;not null;default:0" json:"fragment_count"`
	TargetCount          int64          `gorm:"column:target_count;not null;default:0" json:"target_count"`
	MessageLimit         int            `gorm:"column:message_limit;not null;default:0" json:"message_limit"`
	TargetLimit          int            `gorm:"column:target_limit;not null;default:0" json:"target_limit"`
	KeepNonVesselTargets bool           `gorm:"column:keep_non_vessel_targets;not null" json:"keep_non_vessel_targets"`
	SpoofLimitKM         float64        `gorm:"column:spoof_limit_km;not null" json:"spoof_limit_km"`
}

// TableName provides the explicit table binding for GORM.
func (Source) TableName() string {
	return "sources"
}

// IsActive reports whether the source is expected to be ingesting.
func (s Source) IsActive() bool {
	return s.Status == StatusActive
}

func (s Source) adapterSpec() transport.Spec {
	return transport.Spec{Kind: s.Transport, Endpoint: s.Endpoint, BaudRate: s.BaudRate}
}
