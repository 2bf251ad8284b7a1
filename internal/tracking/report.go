package tracking

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
)

// ReportKind selects the handler for a decoded message.
type ReportKind int

const (
	KindNone ReportKind = iota
	KindPosition
	KindBaseStation
	KindStatic
	KindAidToNavigation
	KindText
)

func (k ReportKind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindBaseStation:
		return "base_station"
	case KindStatic:
		return "static"
	case KindAidToNavigation:
		return "aid_to_navigation"
	case KindText:
		return "text"
	default:
		return "none"
	}
}

const messageTypeSARAircraft = 9

// ErrMissingStationID indicates that a decoded message carried no station identifier.
var ErrMissingStationID = errors.New("tracking: missing station id")

// KindForMessageType maps an AIS message type to its handler.
func KindForMessageType(messageType int) ReportKind {
	switch messageType {
	case 1, 2, 3, 9, 18, 19, 27:
		return KindPosition
	case 4:
		return KindBaseStation
	case 5, 24:
		return KindStatic
	case 21:
		return KindAidToNavigation
	case 12, 14:
		return KindText
	default:
		return KindNone
	}
}

// Kinematics holds the position-bearing fields of a report.
type Kinematics struct {
	Lat       *float64
	Lon       *float64
	Speed     *float64
	Course    *float64
	Heading   *int
	NavStatus *int
}

// Identity holds the static fields of a report. Empty strings and nil
// pointers mean "not reported".
type Identity struct {
	Name        string
	Callsign    string
	IMO         *int
	ShipType    *int
	DimensionA  *int
	DimensionB  *int
	DimensionC  *int
	DimensionD  *int
	Destination string
	ETA         string
	AidType     *int
}

func (i Identity) empty() bool {
	return i.Name == "" && i.Callsign == "" && i.IMO == nil && i.ShipType == nil &&
		i.DimensionA == nil && i.DimensionB == nil && i.DimensionC == nil && i.DimensionD == nil &&
		i.Destination == "" && i.ETA == "" && i.AidType == nil
}

// TextBody holds a safety text message.
type TextBody struct {
	Text                 string
	DestinationStationID string
}

// Report is the typed form of a decoded message, resolved once from the field map.
type Report struct {
	Kind            ReportKind
	MessageType     int
	StationID       string
	RepeatIndicator int
	Kinematics      Kinematics
	Identity        Identity
	Text            TextBody
}

// ResolveReport converts a decoded field map into a Report.
func ResolveReport(fields decoder.Fields, messageType int) (Report, error) {
	stationID, ok := fields.StationID()
	if !ok {
		return Report{}, fmt.Errorf("%w: message type %d", ErrMissingStationID, messageType)
	}
	report := Report{
		Kind:        KindForMessageType(messageType),
		MessageType: messageType,
		StationID:   stationID,
	}
	if repeat, ok := fields.Int(decoder.FieldRepeat); ok {
		report.RepeatIndicator = repeat
	}

	switch report.Kind {
	case KindPosition:
		report.Kinematics = resolveKinematics(fields)
		if messageType == 19 {
			report.Identity = resolveIdentity(fields)
		}
	case KindBaseStation:
		report.Kinematics = resolveKinematics(fields)
	case KindStatic:
		report.Identity = resolveIdentity(fields)
	case KindAidToNavigation:
		report.Kinematics = resolveKinematics(fields)
		report.Identity = Identity{Name: fields.String(decoder.FieldName), AidType: optionalInt(fields, decoder.FieldAidType)}
	case KindText:
		report.Text = TextBody{
			Text:                 fields.String(decoder.FieldText),
			DestinationStationID: fields.String(decoder.FieldDestinationStationID),
		}
	}
	return report, nil
}

func resolveKinematics(fields decoder.Fields) Kinematics {
	return Kinematics{
		Lat:       optionalFloat(fields, decoder.FieldLat),
		Lon:       optionalFloat(fields, decoder.FieldLon),
		Speed:     optionalFloat(fields, decoder.FieldSpeed),
		Course:    optionalFloat(fields, decoder.FieldCourse),
		Heading:   optionalInt(fields, decoder.FieldHeading),
		NavStatus: optionalInt(fields, decoder.FieldNavStatus),
	}
}

func resolveIdentity(fields decoder.Fields) Identity {
	identity := Identity{
		Name:        fields.String(decoder.FieldName),
		Callsign:    fields.String(decoder.FieldCallsign),
		ShipType:    optionalInt(fields, decoder.FieldShipType),
		DimensionA:  optionalInt(fields, decoder.FieldToBow),
		DimensionB:  optionalInt(fields, decoder.FieldToStern),
		DimensionC:  optionalInt(fields, decoder.FieldToPort),
		DimensionD:  optionalInt(fields, decoder.FieldToStarboard),
		Destination: fields.String(decoder.FieldDestination),
		ETA:         fields.String(decoder.FieldETA),
	}
	// IMO 0 means "not available".
	if imo := optionalInt(fields, decoder.FieldIMO); imo != nil && *imo > 0 {
		identity.IMO = imo
	}
	return identity
}

func optionalFloat(fields decoder.Fields, key string) *float64 {
	value, ok := fields.Float(key)
	if !ok {
		return nil
	}
	return &value
}

func optionalInt(fields decoder.Fields, key string) *int {
	value, ok := fields.Int(key)
	if !ok {
		return nil
	}
	return &value
}
