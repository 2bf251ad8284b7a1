package decoder

import (
	"fmt"
	"strings"
	"sync"

	ais "github.com/BertoldVdb/go-ais"
	"github.com/BertoldVdb/go-ais/aisnmea"
)

// AISDecoder decodes NMEA AIS sentences with go-ais. Multi-part messages are
// reassembled per source, so interleaved feeds never complete each other's
// fragments.
type AISDecoder struct {
	mu     sync.Mutex
	codecs map[string]*sourceCodec
}

type sourceCodec struct {
	mu    sync.Mutex
	codec *aisnmea.NMEACodec
}

// NewAISDecoder constructs a decoder backed by go-ais.
func NewAISDecoder() *AISDecoder {
	return &AISDecoder{codecs: make(map[string]*sourceCodec)}
}

// Forget drops the reassembly state of sourceID.
func (d *AISDecoder) Forget(sourceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.codecs, sourceID)
}

func (d *AISDecoder) codecFor(sourceID string) *sourceCodec {
	d.mu.Lock()
	defer d.mu.Unlock()
	codec, ok := d.codecs[sourceID]
	if !ok {
		codec = &sourceCodec{codec: aisnmea.NMEACodecNew(ais.CodecNew(false, false))}
		d.codecs[sourceID] = codec
	}
	return codec
}

// Decode implements Decoder.
func (d *AISDecoder) Decode(sourceID, raw string) (Fields, int, error) {
	frame, ok := ParseFrame(raw)
	if !ok {
		if strings.TrimSpace(raw) == "" {
			return nil, 0, ErrEmptySentence
		}
		return nil, 0, fmt.Errorf("%w: not an AIS sentence", ErrUndecodable)
	}

	source := d.codecFor(sourceID)
	source.mu.Lock()
	packet, err := source.codec.ParseSentence(frame.Sentence)
	source.mu.Unlock()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if packet == nil {
		return nil, 0, ErrIncomplete
	}
	if packet.Packet == nil {
		return nil, 0, ErrUndecodable
	}

	header := packet.Packet.GetHeader()
	if header == nil {
		return nil, 0, ErrUndecodable
	}
	fields := Fields{
		FieldStationID: uint64(header.UserID),
		FieldRepeat:    int(header.RepeatIndicator),
	}
	populateFields(fields, packet.Packet)
	return fields, int(header.MessageID), nil
}

func populateFields(fields Fields, packet ais.Packet) {
	switch p := packet.(type) {
	case ais.PositionReport:
		setKinematics(fields, float64(p.Latitude), float64(p.Longitude), float64(p.Sog), float64(p.Cog), int(p.TrueHeading))
		fields[FieldNavStatus] = int(p.NavigationalStatus)
	case ais.StandardClassBPositionReport:
		setKinematics(fields, float64(p.Latitude), float64(p.Longitude), float64(p.Sog), float64(p.Cog), int(p.TrueHeading))
	case ais.ExtendedClassBPositionReport:
		setKinematics(fields, float64(p.Latitude), float64(p.Longitude), float64(p.Sog), float64(p.Cog), int(p.TrueHeading))
		fields[FieldName] = p.Name
		fields[FieldShipType] = int(p.Type)
		setDimensions(fields, int(p.Dimension.A), int(p.Dimension.B), int(p.Dimension.C), int(p.Dimension.D))
	case ais.LongRangeAisBroadcastMessage:
		setKinematics(fields, float64(p.Latitude), float64(p.Longitude), float64(p.Sog), float64(p.Cog), 511)
		fields[FieldNavStatus] = int(p.NavigationalStatus)
	case ais.StandardSearchAndRescueAircraftReport:
		setKinematics(fields, float64(p.Latitude), float64(p.Longitude), float64(p.Sog), float64(p.Cog), 511)
	case ais.BaseStationReport:
		fields[FieldLat] = float64(p.Latitude)
		fields[FieldLon] = float64(p.Longitude)
	case ais.ShipStaticData:
		fields[FieldName] = p.Name
		fields[FieldCallsign] = p.CallSign
		fields[FieldIMO] = int(p.ImoNumber)
		fields[FieldShipType] = int(p.Type)
		fields[FieldDestination] = p.Destination
		setDimensions(fields, int(p.Dimension.A), int(p.Dimension.B), int(p.Dimension.C), int(p.Dimension.D))
		if p.Eta.Month != 0 && p.Eta.Day != 0 {
			fields[FieldETA] = fmt.Sprintf("%02d-%02d %02d:%02d", p.Eta.Month, p.Eta.Day, p.Eta.Hour, p.Eta.Minute)
		}
	case ais.StaticDataReport:
		if !p.PartNumber {
			fields[FieldPartNumber] = 0
			fields[FieldName] = p.ReportA.Name
			return
		}
		fields[FieldPartNumber] = 1
		fields[FieldShipType] = int(p.ReportB.ShipType)
		fields[FieldCallsign] = p.ReportB.CallSign
		setDimensions(fields, int(p.ReportB.Dimension.A), int(p.ReportB.Dimension.B), int(p.ReportB.Dimension.C), int(p.ReportB.Dimension.D))
	case ais.AidsToNavigationReport:
		fields[FieldLat] = float64(p.Latitude)
		fields[FieldLon] = float64(p.Longitude)
		fields[FieldName] = p.Name
		fields[FieldAidType] = int(p.Type)
	case ais.AddessedSafetyMessage:
		fields[FieldText] = p.Text
		fields[FieldDestinationStationID] = uint64(p.DestinationID)
	case ais.SafetyBroadcastMessage:
		fields[FieldText] = p.Text
	}
}

func setKinematics(fields Fields, lat, lon, speed, course float64, heading int) {
	fields[FieldLat] = lat
	fields[FieldLon] = lon
	fields[FieldSpeed] = speed
	fields[FieldCourse] = course
	// 511 means "not available".
	if heading != 511 {
		fields[FieldHeading] = heading
	}
}

func setDimensions(fields Fields, bow, stern, port, starboard int) {
	fields[FieldToBow] = bow
	fields[FieldToStern] = stern
	fields[FieldToPort] = port
	fields[FieldToStarboard] = starboard
}
