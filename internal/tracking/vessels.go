package tracking

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	shipTypeTextBaseStation     = "Base Station"
	shipTypeTextAidToNavigation = "Aid to Navigation"
	shipTypeTextSARAircraft     = "SAR Aircraft"
)

// vesselUpdate is everything one message contributes to a station's current state.
type vesselUpdate struct {
	StationID       string
	SeenAt          time.Time
	Position        *Position
	Identity        *Identity
	BaseStation     bool
	AidToNavigation bool
	DefaultTypeText string
}

type vesselChange struct {
	Vessel          Vessel
	Created         bool
	IdentityChanged bool
}

// applyVesselUpdate upserts the station's Vessel row under a row lock.
// Identity fields are merged: only reported values overwrite stored ones.
// Last-position fields move only for a display-bearing fix that is not
// older than the current one.
func applyVesselUpdate(tx *gorm.DB, update vesselUpdate) (vesselChange, error) {
	seed := Vessel{
		StationID: update.StationID,
		Country:   CountryForStation(update.StationID),
		LastSeen:  update.SeenAt,
	}
	created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed)
	if created.Error != nil {
		return vesselChange{}, created.Error
	}

	var vessel Vessel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("station_id = ?", update.StationID).
		Take(&vessel).Error; err != nil {
		return vesselChange{}, err
	}

	change := vesselChange{Created: created.RowsAffected == 1}
	if update.SeenAt.After(vessel.LastSeen) {
		vessel.LastSeen = update.SeenAt
	}
	if vessel.Country == "" {
		vessel.Country = CountryForStation(update.StationID)
	}
	if update.BaseStation {
		vessel.IsBaseStation = true
	}
	if update.AidToNavigation {
		vessel.IsAidToNavigation = true
	}
	if update.Identity != nil {
		change.IdentityChanged = mergeIdentity(&vessel, *update.Identity)
	}
	if vessel.ShipTypeText == "" && update.DefaultTypeText != "" {
		vessel.ShipTypeText = update.DefaultTypeText
	}

	if position := update.Position; position != nil {
		if position.HasDisplay() && (vessel.LastPositionAt == nil || !position.Timestamp.Before(*vessel.LastPositionAt)) {
			at := position.Timestamp
			vessel.LastLat = copyFloat(position.DisplayLat)
			vessel.LastLon = copyFloat(position.DisplayLon)
			vessel.LastSpeed = copyFloat(position.Speed)
			vessel.LastCourse = copyFloat(position.Course)
			vessel.LastHeading = copyInt(position.Heading)
			vessel.LastNavStatus = copyInt(position.NavStatus)
			vessel.LastPositionAt = &at
		}
		var count int64
		if err := tx.Model(&Position{}).Where("station_id = ?", update.StationID).Count(&count).Error; err != nil {
			return vesselChange{}, err
		}
		vessel.PositionCount = count
	}

	if err := tx.Save(&vessel).Error; err != nil {
		return vesselChange{}, err
	}
	change.Vessel = vessel
	return change, nil
}

func mergeIdentity(vessel *Vessel, identity Identity) bool {
	changed := false
	setString := func(target *string, value string) {
		if value != "" && *target != value {
			*target = value
			changed = true
		}
	}
	setInt := func(target **int, value *int) {
		if value != nil && (*target == nil || **target != *value) {
			copied := *value
			*target = &copied
			changed = true
		}
	}

	setString(&vessel.Name, identity.Name)
	setString(&vessel.Callsign, identity.Callsign)
	setString(&vessel.Destination, identity.Destination)
	setString(&vessel.ETA, identity.ETA)
	setInt(&vessel.IMO, identity.IMO)
	setInt(&vessel.ShipType, identity.ShipType)
	setInt(&vessel.DimensionA, identity.DimensionA)
	setInt(&vessel.DimensionB, identity.DimensionB)
	setInt(&vessel.DimensionC, identity.DimensionC)
	setInt(&vessel.DimensionD, identity.DimensionD)
	setInt(&vessel.AidType, identity.AidType)
	if identity.ShipType != nil {
		vessel.ShipTypeText = ShipTypeText(*identity.ShipType)
	}
	return changed
}

func copyFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
