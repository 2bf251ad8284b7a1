package decoder

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Canonical field names produced by every Decoder implementation.
const (
	FieldStationID            = "station_id"
	FieldRepeat               = "repeat"
	FieldLat                  = "lat"
	FieldLon                  = "lon"
	FieldSpeed                = "speed"
	FieldCourse               = "course"
	FieldHeading              = "heading"
	FieldNavStatus            = "nav_status"
	FieldName                 = "name"
	FieldCallsign             = "callsign"
	FieldIMO                  = "imo"
	FieldShipType             = "ship_type"
	FieldToBow                = "to_bow"
	FieldToStern              = "to_stern"
	FieldToPort               = "to_port"
	FieldToStarboard          = "to_starboard"
	FieldDestination          = "destination"
	FieldETA                  = "eta"
	FieldText                 = "text"
	FieldDestinationStationID = "destination_station_id"
	FieldAidType              = "aid_type"
	FieldPartNumber           = "part_num"
)

var (
	// ErrEmptySentence indicates that the raw input carried no sentence.
	ErrEmptySentence = errors.New("decoder: empty sentence")
	// ErrIncomplete indicates a multi-part sentence still waiting for its remaining parts.
	ErrIncomplete = errors.New("decoder: sentence incomplete")
	// ErrUndecodable indicates that the sentence framing was valid but the payload was not.
	ErrUndecodable = errors.New("decoder: undecodable payload")
)

// Fields is the flat map of decoded values keyed by the Field* names.
type Fields map[string]any

// Decoder converts one raw sentence into a decoded field map and its message
// type. Multi-part state is kept per sourceID.
type Decoder interface {
	Decode(sourceID, raw string) (Fields, int, error)
}

// Has reports whether key is present with a non-nil value.
func (f Fields) Has(key string) bool {
	value, ok := f[key]
	return ok && value != nil
}

// Float returns the numeric value stored under key.
func (f Fields) Float(key string) (float64, bool) {
	value, ok := f[key]
	if !ok || value == nil {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// Int returns the integral value stored under key.
func (f Fields) Int(key string) (int, bool) {
	value, ok := f.Float(key)
	if !ok {
		return 0, false
	}
	return int(value), true
}

// String returns the trimmed textual value stored under key, or "".
func (f Fields) String(key string) string {
	value, ok := f[key]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return cleanText(typed)
	case json.Number:
		return typed.String()
	default:
		if number, ok := f.Float(key); ok {
			return strconv.FormatInt(int64(number), 10)
		}
		return ""
	}
}

// StationID returns the decimal form of the station identifier.
func (f Fields) StationID() (string, bool) {
	if raw, ok := f[FieldStationID].(string); ok {
		trimmed := strings.TrimSpace(raw)
		return trimmed, trimmed != ""
	}
	number, ok := f.Float(FieldStationID)
	if !ok || number <= 0 {
		return "", false
	}
	return strconv.FormatUint(uint64(number), 10), true
}

// AIS six-bit text pads with '@' and trailing spaces.
func cleanText(value string) string {
	trimmed := strings.TrimRight(value, "@ ")
	return strings.TrimSpace(trimmed)
}
