package tracking

const (
	sentinelLatitude  = 91.0
	sentinelLongitude = 181.0
)

// IsValid reports whether (lat, lon) lies inside the geographic range.
func IsValid(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ValidityPolicy layers optional rejections on top of IsValid.
type ValidityPolicy struct {
	RejectNullIsland bool
	RejectSentinels  bool
}

// DefaultValidityPolicy rejects the "not available" sentinels and (0,0).
func DefaultValidityPolicy() ValidityPolicy {
	return ValidityPolicy{RejectNullIsland: true, RejectSentinels: true}
}

// Accept reports whether a reported coordinate pair is usable for display.
// Missing coordinates are never usable.
func (p ValidityPolicy) Accept(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	if p.RejectSentinels && (*lat == sentinelLatitude || *lon == sentinelLongitude) {
		return false
	}
	if p.RejectNullIsland && *lat == 0 && *lon == 0 {
		return false
	}
	return IsValid(*lat, *lon)
}
