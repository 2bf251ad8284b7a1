package decoder

import "strings"

const (
	formatterVDM = "VDM"
	formatterVDO = "VDO"
)

// Frame describes the NMEA envelope of an AIS sentence.
type Frame struct {
	Sentence string
	Talker   string
	OwnShip  bool
}

// ParseFrame locates the AIS sentence inside line, skipping any tag block or
// prefix, and reports whether it uses the VDM or VDO formatter.
func ParseFrame(line string) (Frame, bool) {
	start := strings.IndexAny(line, "!$")
	if start < 0 {
		return Frame{}, false
	}
	sentence := strings.TrimSpace(line[start:])
	if len(sentence) < 7 || sentence[6] != ',' {
		return Frame{}, false
	}
	formatter := sentence[3:6]
	if formatter != formatterVDM && formatter != formatterVDO {
		return Frame{}, false
	}
	return Frame{
		Sentence: sentence,
		Talker:   sentence[1:3],
		OwnShip:  formatter == formatterVDO,
	}, true
}

// IsOwnShip reports whether the sentence was emitted by the receiver's own transponder.
func IsOwnShip(line string) bool {
	frame, ok := ParseFrame(line)
	return ok && frame.OwnShip
}
