package decoder

import (
	"errors"
	"math"
	"testing"

	ais "github.com/BertoldVdb/go-ais"
	"github.com/BertoldVdb/go-ais/aisnmea"
)

const (
	classAPositionSentence = "!AIVDM,1,1,,A,13u?etPv2;0n:dDPwUM1U1Cb069D,0*24"
	ownShipSentence        = "!AIVDO,1,1,,,B>qc:003wk?8mP=18D3Q3wgTiT;T,0*13"
)

// encodeSentences renders packet as NMEA sentences with a fresh go-ais encoder,
// so every call starts at sequence id 0 on channel A.
func encodeSentences(t *testing.T, formatter string, packet ais.Packet) []string {
	t.Helper()
	codec := aisnmea.NMEACodecNew(ais.CodecNew(false, false))
	sentences := codec.EncodeSentence(aisnmea.VdmPacket{TalkerID: "AI", MessageType: formatter, Packet: packet})
	if len(sentences) == 0 {
		t.Fatalf("failed to encode %T", packet)
	}
	return sentences
}

func shipStatic(stationID uint32, name string) ais.ShipStaticData {
	return ais.ShipStaticData{
		Header:      ais.Header{MessageID: 5, UserID: stationID},
		Valid:       true,
		ImoNumber:   9123456,
		CallSign:    "LA1234",
		Name:        name,
		Type:        70,
		Dimension:   ais.FieldDimension{A: 100, B: 20, C: 10, D: 12},
		Eta:         ais.FieldETA{Month: 6, Day: 15, Hour: 8, Minute: 30},
		Destination: "OSLO",
	}
}

func decodeAll(t *testing.T, decoder *AISDecoder, sourceID string, sentences []string) (Fields, int) {
	t.Helper()
	for index, sentence := range sentences {
		fields, messageType, err := decoder.Decode(sourceID, sentence)
		if index < len(sentences)-1 {
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("part %d: expected ErrIncomplete, got %v", index+1, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("final part: %v", err)
		}
		return fields, messageType
	}
	return nil, 0
}

func closeTo(value, expected float64) bool {
	return math.Abs(value-expected) < 1e-6
}

func TestAISDecoderClassAPosition(t *testing.T) {
	decoder := NewAISDecoder()
	fields, messageType, err := decoder.Decode("source-a", classAPositionSentence)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if messageType != 1 {
		t.Fatalf("expected type 1, got %d", messageType)
	}
	if stationID, _ := fields.StationID(); stationID != "265547250" {
		t.Fatalf("expected station 265547250, got %q", stationID)
	}
	lat, _ := fields.Float(FieldLat)
	lon, _ := fields.Float(FieldLon)
	if !closeTo(lat, 57.66035333) || !closeTo(lon, 11.83297667) {
		t.Fatalf("unexpected position %v,%v", lat, lon)
	}
	if speed, _ := fields.Float(FieldSpeed); !closeTo(speed, 13.9) {
		t.Fatalf("expected speed 13.9, got %v", speed)
	}
	if heading, ok := fields.Int(FieldHeading); !ok || heading != 41 {
		t.Fatalf("expected heading 41, got %v (%v)", heading, ok)
	}
}

func TestAISDecoderBaseStationReport(t *testing.T) {
	sentences := encodeSentences(t, "VDM", ais.BaseStationReport{
		Header:    ais.Header{MessageID: 4, UserID: 2570001},
		Valid:     true,
		UtcYear:   2024,
		UtcMonth:  3,
		UtcDay:    1,
		UtcHour:   12,
		Longitude: 5.25,
		Latitude:  60.5,
	})
	if len(sentences) != 1 {
		t.Fatalf("expected a single-part sentence, got %d", len(sentences))
	}

	fields, messageType, err := NewAISDecoder().Decode("source-a", sentences[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if messageType != 4 {
		t.Fatalf("expected type 4, got %d", messageType)
	}
	if stationID, _ := fields.StationID(); stationID != "2570001" {
		t.Fatalf("expected station 2570001, got %q", stationID)
	}
	lat, _ := fields.Float(FieldLat)
	lon, _ := fields.Float(FieldLon)
	if !closeTo(lat, 60.5) || !closeTo(lon, 5.25) {
		t.Fatalf("unexpected position %v,%v", lat, lon)
	}
}

func TestAISDecoderReassemblesShipStaticData(t *testing.T) {
	sentences := encodeSentences(t, "VDM", shipStatic(257123450, "NORDIC SWAN"))
	if len(sentences) != 2 {
		t.Fatalf("expected a two-part message, got %d", len(sentences))
	}

	fields, messageType := decodeAll(t, NewAISDecoder(), "source-a", sentences)
	if messageType != 5 {
		t.Fatalf("expected type 5, got %d", messageType)
	}
	if fields.String(FieldName) != "NORDIC SWAN" || fields.String(FieldCallsign) != "LA1234" || fields.String(FieldDestination) != "OSLO" {
		t.Fatalf("unexpected identity %v", fields)
	}
	if imo, _ := fields.Int(FieldIMO); imo != 9123456 {
		t.Fatalf("expected IMO 9123456, got %d", imo)
	}
	if bow, _ := fields.Int(FieldToBow); bow != 100 {
		t.Fatalf("expected to_bow 100, got %d", bow)
	}
	if fields.String(FieldETA) != "06-15 08:30" {
		t.Fatalf("unexpected ETA %q", fields.String(FieldETA))
	}
}

func TestAISDecoderKeepsMultiPartStatePerSource(t *testing.T) {
	alpha := encodeSentences(t, "VDM", shipStatic(111111111, "ALPHA"))
	bravo := encodeSentences(t, "VDM", shipStatic(222222222, "BRAVO"))
	if len(alpha) != 2 || len(bravo) != 2 {
		t.Fatalf("expected two-part messages, got %d and %d", len(alpha), len(bravo))
	}

	decoder := NewAISDecoder()
	if _, _, err := decoder.Decode("source-a", alpha[0]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("alpha part 1: expected ErrIncomplete, got %v", err)
	}
	if _, _, err := decoder.Decode("source-b", bravo[0]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("bravo part 1: expected ErrIncomplete, got %v", err)
	}

	fields, _, err := decoder.Decode("source-a", alpha[1])
	if err != nil {
		t.Fatalf("alpha part 2: %v", err)
	}
	if stationID, _ := fields.StationID(); stationID != "111111111" || fields.String(FieldName) != "ALPHA" {
		t.Fatalf("expected ALPHA from source-a, got %v", fields)
	}

	fields, _, err = decoder.Decode("source-b", bravo[1])
	if err != nil {
		t.Fatalf("bravo part 2: %v", err)
	}
	if stationID, _ := fields.StationID(); stationID != "222222222" || fields.String(FieldName) != "BRAVO" {
		t.Fatalf("expected BRAVO from source-b, got %v", fields)
	}
}

func TestAISDecoderForgetDropsPartialMessages(t *testing.T) {
	sentences := encodeSentences(t, "VDM", shipStatic(257123450, "NORDIC SWAN"))
	decoder := NewAISDecoder()
	if _, _, err := decoder.Decode("source-a", sentences[0]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}

	decoder.Forget("source-a")
	if _, _, err := decoder.Decode("source-a", sentences[1]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected the orphaned second part to wait, got %v", err)
	}
	decoder.Forget("source-a")
	decoder.Forget("never-seen")
}

func TestAISDecoderStaticDataReportParts(t *testing.T) {
	partA := ais.StaticDataReport{
		Header:  ais.Header{MessageID: 24, UserID: 257987650},
		Valid:   true,
		ReportA: ais.StaticDataReportA{Valid: true, Name: "SEA BREEZE"},
	}
	partB := ais.StaticDataReport{
		Header:     ais.Header{MessageID: 24, UserID: 257987650},
		Valid:      true,
		PartNumber: true,
		ReportB: ais.StaticDataReportB{
			Valid:     true,
			ShipType:  37,
			CallSign:  "LH2020",
			Dimension: ais.FieldDimension{A: 8, B: 4, C: 2, D: 2},
		},
	}

	decoder := NewAISDecoder()
	fields, messageType, err := decoder.Decode("source-a", encodeSentences(t, "VDM", partA)[0])
	if err != nil {
		t.Fatalf("part A: %v", err)
	}
	if messageType != 24 {
		t.Fatalf("expected type 24, got %d", messageType)
	}
	if part, _ := fields.Int(FieldPartNumber); part != 0 || fields.String(FieldName) != "SEA BREEZE" {
		t.Fatalf("unexpected part A fields %v", fields)
	}

	fields, _, err = decoder.Decode("source-a", encodeSentences(t, "VDM", partB)[0])
	if err != nil {
		t.Fatalf("part B: %v", err)
	}
	if part, _ := fields.Int(FieldPartNumber); part != 1 || fields.String(FieldCallsign) != "LH2020" {
		t.Fatalf("unexpected part B fields %v", fields)
	}
	if shipType, _ := fields.Int(FieldShipType); shipType != 37 {
		t.Fatalf("expected ship type 37, got %d", shipType)
	}
	if fields.Has(FieldName) {
		t.Fatalf("part B must not carry a name, got %v", fields)
	}
}

func TestAISDecoderSafetyMessages(t *testing.T) {
	addressed := encodeSentences(t, "VDM", ais.AddessedSafetyMessage{
		Header:        ais.Header{MessageID: 12, UserID: 257123450},
		Valid:         true,
		DestinationID: 257000001,
		Text:          "SECURITE",
	})
	broadcastText := encodeSentences(t, "VDM", ais.SafetyBroadcastMessage{
		Header: ais.Header{MessageID: 14, UserID: 2570001},
		Valid:  true,
		Text:   "GALE WARNING",
	})

	decoder := NewAISDecoder()
	fields, messageType := decodeAll(t, decoder, "source-a", addressed)
	if messageType != 12 || fields.String(FieldText) != "SECURITE" {
		t.Fatalf("unexpected type 12 decode %d %v", messageType, fields)
	}
	if destination, _ := fields.Int(FieldDestinationStationID); destination != 257000001 {
		t.Fatalf("expected destination 257000001, got %d", destination)
	}

	fields, messageType = decodeAll(t, decoder, "source-a", broadcastText)
	if messageType != 14 || fields.String(FieldText) != "GALE WARNING" {
		t.Fatalf("unexpected type 14 decode %d %v", messageType, fields)
	}
	if stationID, _ := fields.StationID(); stationID != "2570001" {
		t.Fatalf("expected station 2570001, got %q", stationID)
	}
}

func TestAISDecoderOwnShipSentence(t *testing.T) {
	frame, ok := ParseFrame(ownShipSentence)
	if !ok || !frame.OwnShip {
		t.Fatalf("expected VDO to be recognised as own ship")
	}
	fields, messageType, err := NewAISDecoder().Decode("source-a", ownShipSentence)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if messageType != 18 {
		t.Fatalf("expected type 18, got %d", messageType)
	}
	if stationID, _ := fields.StationID(); stationID != "1000000000" {
		t.Fatalf("expected station 1000000000, got %q", stationID)
	}
	if fields.Has(FieldHeading) {
		t.Fatalf("heading 511 must be omitted, got %v", fields[FieldHeading])
	}

	encoded := encodeSentences(t, "VDO", ais.PositionReport{
		Header:      ais.Header{MessageID: 1, UserID: 257555000},
		Valid:       true,
		Sog:         5.5,
		Longitude:   10.25,
		Latitude:    59.5,
		Cog:         180,
		TrueHeading: 179,
	})
	if !IsOwnShip(encoded[0]) {
		t.Fatalf("expected encoded VDO to be own ship: %q", encoded[0])
	}
	fields, messageType, err = NewAISDecoder().Decode("source-a", encoded[0])
	if err != nil || messageType != 1 {
		t.Fatalf("decode encoded VDO: %d %v", messageType, err)
	}
	if lat, _ := fields.Float(FieldLat); !closeTo(lat, 59.5) {
		t.Fatalf("expected latitude 59.5, got %v", lat)
	}
}

func TestAISDecoderRejectsChecksumMismatch(t *testing.T) {
	corrupted := "!AIVDM,1,1,,A,13u?etPv2;0n:dDPwUM1U1Cb069E,0*24"
	if _, _, err := NewAISDecoder().Decode("source-a", corrupted); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable for a checksum mismatch, got %v", err)
	}
}
