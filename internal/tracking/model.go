package tracking

import "time"

// Message is one successfully decoded sentence.
type Message struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StationID       string    `gorm:"column:station_id;size:16;not null;index:idx_messages_station_time,priority:1" json:"station_id"`
	Timestamp       time.Time `gorm:"column:timestamp;not null;index:idx_messages_station_time,priority:2;index:idx_messages_source_time,priority:2" json:"timestamp"`
	MessageType     int       `gorm:"column:message_type;not null" json:"message_type"`
	Raw             string    `gorm:"column:raw;type:text;not null" json:"raw"`
	Decoded         string    `gorm:"column:decoded;type:text;not null" json:"decoded"`
	SourceID        string    `gorm:"column:source_id;size:64;not null;index:idx_messages_source_time,priority:1" json:"source_id"`
	IsOwnShip       bool      `gorm:"column:is_own_ship;not null;default:false" json:"is_own_ship"`
	RepeatIndicator int       `gorm:"column:repeat_indicator;not null;default:0" json:"repeat_indicator"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Position is one historical track point. Display coordinates are either both
// set and in range or both nil.
type Position struct {
	ID                uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	MessageID         uint64    `gorm:"column:message_id;not null;index:idx_positions_message" json:"message_id"`
	StationID         string    `gorm:"column:station_id;size:16;not null;index:idx_positions_station_time,priority:1" json:"station_id"`
	Timestamp         time.Time `gorm:"column:timestamp;not null;index:idx_positions_station_time,priority:2;index:idx_positions_source_time,priority:2" json:"timestamp"`
	OriginalLat       *float64  `gorm:"column:original_lat" json:"original_lat"`
	OriginalLon       *float64  `gorm:"column:original_lon" json:"original_lon"`
	DisplayLat        *float64  `gorm:"column:display_lat" json:"display_lat"`
	DisplayLon        *float64  `gorm:"column:display_lon" json:"display_lon"`
	PositionValid     bool      `gorm:"column:position_valid;not null;default:false" json:"position_valid"`
	Backfilled        bool      `gorm:"column:backfilled;not null;default:false" json:"backfilled"`
	Speed             *float64  `gorm:"column:speed" json:"speed"`
	Course            *float64  `gorm:"column:course" json:"course"`
	Heading           *int      `gorm:"column:heading" json:"heading"`
	NavStatus         *int      `gorm:"column:nav_status" json:"nav_status"`
	SourceID          string    `gorm:"column:source_id;size:64;not null;index:idx_positions_source_time,priority:1" json:"source_id"`
	IsOwnShip         bool      `gorm:"column:is_own_ship;not null;default:false" json:"is_own_ship"`
	RepeatIndicator   int       `gorm:"column:repeat_indicator;not null;default:0" json:"repeat_indicator"`
	IsBaseStation     bool      `gorm:"column:is_base_station;not null;default:false" json:"is_base_station"`
	IsAidToNavigation bool      `gorm:"column:is_aid_to_navigation;not null;default:false" json:"is_aid_to_navigation"`
}

// TableName provides the explicit table binding for GORM.
func (Position) TableName() string {
	return "positions"
}

// HasDisplay reports whether the position carries display coordinates.
func (p Position) HasDisplay() bool {
	return p.DisplayLat != nil && p.DisplayLon != nil
}

// Vessel is the current-state record of a station.
type Vessel struct {
	StationID         string     `gorm:"column:station_id;primaryKey;size:16;not null" json:"station_id"`
	Name              string     `gorm:"column:name;size:64;not null;default:''" json:"name,omitempty"`
	Callsign          string     `gorm:"column:callsign;size:16;not null;default:''" json:"callsign,omitempty"`
	IMO               *int       `gorm:"column:imo" json:"imo,omitempty"`
	ShipType          *int       `gorm:"column:ship_type" json:"ship_type,omitempty"`
	ShipTypeText      string     `gorm:"column:ship_type_text;size:96;not null;default:''" json:"ship_type_text,omitempty"`
	DimensionA        *int       `gorm:"column:dimension_a" json:"dimension_a,omitempty"`
	DimensionB        *int       `gorm:"column:dimension_b" json:"dimension_b,omitempty"`
	DimensionC        *int       `gorm:"column:dimension_c" json:"dimension_c,omitempty"`
	DimensionD        *int       `gorm:"column:dimension_d" json:"dimension_d,omitempty"`
	Destination       string     `gorm:"column:destination;size:64;not null;default:''" json:"destination,omitempty"`
	ETA               string     `gorm:"column:eta;size:32;not null;default:''" json:"eta,omitempty"`
	AidType           *int       `gorm:"column:aid_type" json:"aid_type,omitempty"`
	Country           string     `gorm:"column:country;size:64;not null;default:''" json:"country"`
	LastSeen          time.Time  `gorm:"column:last_seen;not null;index:idx_vessels_last_seen" json:"last_seen"`
	LastLat           *float64   `gorm:"column:last_lat" json:"lat"`
	LastLon           *float64   `gorm:"column:last_lon" json:"lon"`
	LastSpeed         *float64   `gorm:"column:last_speed" json:"speed"`
	LastCourse        *float64   `gorm:"column:last_course" json:"course"`
	LastHeading       *int       `gorm:"column:last_heading" json:"heading"`
	LastNavStatus     *int       `gorm:"column:last_nav_status" json:"nav_status"`
	LastPositionAt    *time.Time `gorm:"column:last_position_at" json:"last_position_at,omitempty"`
	PositionCount     int64      `gorm:"column:position_count;not null;default:0" json:"position_count"`
	IsBaseStation     bool       `gorm:"column:is_base_station;not null;default:false" json:"is_base_station"`
	IsAidToNavigation bool       `gorm:"column:is_aid_to_navigation;not null;default:false" json:"is_aid_to_navigation"`
}

// TableName provides the explicit table binding for GORM.
func (Vessel) TableName() string {
	return "vessels"
}

// IsNonVessel reports whether the station is a fixed installation.
func (v Vessel) IsNonVessel() bool {
	return v.IsBaseStation || v.IsAidToNavigation
}

// VesselSource attributes a station to a source. The rows of one source are
// also that source's target set.
type VesselSource struct {
	StationID string    `gorm:"column:station_id;primaryKey;size:16;not null" json:"station_id"`
	SourceID  string    `gorm:"column:source_id;primaryKey;size:64;not null;index:idx_vessel_sources_source_seen,priority:1" json:"source_id"`
	LastSeen  time.Time `gorm:"column:last_seen;not null;index:idx_vessel_sources_source_seen,priority:2" json:"last_seen"`
	NonVessel bool      `gorm:"column:non_vessel;not null;default:false" json:"non_vessel"`
}

// TableName provides the explicit table binding for GORM.
func (VesselSource) TableName() string {
	return "vessel_sources"
}

// TextMessage is a decoded safety-related text broadcast.
type TextMessage struct {
	ID                   uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StationID            string    `gorm:"column:station_id;size:16;not null;index:idx_text_messages_station" json:"station_id"`
	Timestamp            time.Time `gorm:"column:timestamp;not null;index:idx_text_messages_time" json:"timestamp"`
	MessageType          int       `gorm:"column:message_type;not null" json:"message_type"`
	Text                 string    `gorm:"column:text;type:text;not null" json:"text"`
	DestinationStationID *string   `gorm:"column:destination_station_id;size:16" json:"destination_station_id,omitempty"`
	SourceID             string    `gorm:"column:source_id;size:64;not null;index:idx_text_messages_source" json:"source_id"`
}

// TableName provides the explicit table binding for GORM.
func (TextMessage) TableName() string {
	return "text_messages"
}

// EnrichmentRecord caches the external profile of a station. NotFound marks a
// negative lookup so the station is not queried again.
type EnrichmentRecord struct {
	StationID      string    `gorm:"column:station_id;primaryKey;size:16;not null" json:"station_id"`
	Profile        string    `gorm:"column:profile;type:text;not null;default:''" json:"profile,omitempty"`
	ImageURL       string    `gorm:"column:image_url;size:512;not null;default:''" json:"image_url,omitempty"`
	LatestLocation string    `gorm:"column:latest_location;type:text;not null;default:''" json:"latest_location,omitempty"`
	NotFound       bool      `gorm:"column:not_found;not null;default:false" json:"not_found"`
	EnrichedAt     time.Time `gorm:"column:enriched_at;not null" json:"enriched_at"`
}

// TableName provides the explicit table binding for GORM.
func (EnrichmentRecord) TableName() string {
	return "vessel_enrichment"
}

// Models lists every table owned by the tracking package.
func Models() []any {
	return []any{&Message{}, &Position{}, &Vessel{}, &VesselSource{}, &TextMessage{}, &EnrichmentRecord{}}
}
