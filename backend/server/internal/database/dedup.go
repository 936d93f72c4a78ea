package database

import (
	"fmt"
	"time"

	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

type AdmitDecision int

const (
	// AdmitAccept: no marker existed, first write for this unit.
	AdmitAccept AdmitDecision = iota
	// AdmitUpdate: the unit is known and still open, overwrite counts.
	AdmitUpdate
	// AdmitReject: the unit was previously committed as closed and is
	// immutable. Retrying collectors treat this as success.
	AdmitReject
)

// admitUpload decides the fate of an upload for one logical unit and
// records/refreshes its marker. It must run inside the same transaction as
// the granularity-store write so the unique constraint on the marker is the
// single arbiter under concurrent retries: a racing first-writer loses with
// a duplicate-key error and the caller retries the whole write as an update.
func admitUpload(tx *gorm.DB, userID, machineID string, granularity shared.Granularity, identifier string, isClosed bool, now time.Time) (AdmitDecision, error) {
	var markers []shared.UploadMarker
	r := tx.Where("user_id = ? AND machine_id = ? AND granularity = ? AND identifier = ?",
		userID, machineID, granularity, identifier).Limit(1).Find(&markers)
	if r.Error != nil {
		return AdmitReject, fmt.Errorf("tx.Error: %w", r.Error)
	}

	if len(markers) == 0 {
		marker := shared.UploadMarker{
			UserId:      userID,
			MachineId:   machineID,
			Granularity: granularity,
			Identifier:  identifier,
			Closed:      isClosed,
			UploadedAt:  now,
		}
		if r := tx.Create(&marker); r.Error != nil {
			return AdmitReject, fmt.Errorf("create marker: %w", r.Error)
		}
		return AdmitAccept, nil
	}

	if markers[0].Closed {
		return AdmitReject, nil
	}

	updates := map[string]any{"uploaded_at": now}
	if isClosed {
		updates["closed"] = true
	}
	r = tx.Model(&shared.UploadMarker{}).
		Where("user_id = ? AND machine_id = ? AND granularity = ? AND identifier = ?",
			userID, machineID, granularity, identifier).
		Updates(updates)
	if r.Error != nil {
		return AdmitReject, fmt.Errorf("refresh marker: %w", r.Error)
	}

	return AdmitUpdate, nil
}

// markUnitClosed flips a unit's marker to closed without refreshing
// uploaded_at. Used when a write observes that a block passed its scheduled
// boundary since the marker was last touched.
func markUnitClosed(tx *gorm.DB, userID, machineID string, granularity shared.Granularity, identifier string) error {
	r := tx.Model(&shared.UploadMarker{}).
		Where("user_id = ? AND machine_id = ? AND granularity = ? AND identifier = ?",
			userID, machineID, granularity, identifier).
		Update("closed", true)
	if r.Error != nil {
		return fmt.Errorf("tx.Error: %w", r.Error)
	}
	return nil
}
