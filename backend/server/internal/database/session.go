package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

// SaveSessionUsage upserts one collector session. A session is closed once
// end_time is set; the open→closed transition also bumps sessions_count on
// the daily row of the session's start date.
func (db *DB) SaveSessionUsage(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	return withUploadRetry(func() (shared.UploadStatus, error) {
		return db.saveSessionUsageOnce(ctx, userID, req, impact)
	})
}

func (db *DB) saveSessionUsageOnce(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	now := db.Now().UTC()
	isClosed := req.EndTime != nil

	status := shared.UploadStatusRejected
	closedJustNow := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decision, err := admitUpload(tx, userID, req.MachineId, shared.GranularitySession, req.Identifier, isClosed, now)
		if err != nil {
			return err
		}

		switch decision {
		case AdmitReject:
			status = shared.UploadStatusRejected
			return nil
		case AdmitAccept:
			row := shared.SessionUsage{
				UserId:              userID,
				MachineId:           req.MachineId,
				SessionId:           req.Identifier,
				StartTime:           req.StartTime.UTC(),
				EndTime:             req.EndTime,
				DurationMinutes:     sessionDuration(*req.StartTime, req.EndTime),
				InputTokens:         req.TokenBreakdown.InputTokens,
				OutputTokens:        req.TokenBreakdown.OutputTokens,
				CacheCreationTokens: req.TokenBreakdown.CacheCreationTokens,
				CacheReadTokens:     req.TokenBreakdown.CacheReadTokens,
				TotalTokens:         req.TokenBreakdown.Sum(),
				TotalCost:           req.TotalCost,
				ModelsUsed:          req.ModelsUsed,
				ModelBreakdowns:     req.ModelBreakdowns,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			setEnvironmentalFields(&row.EnergyWh, &row.Co2EmissionsG, &row.TreeEquivalent, &row.EnvironmentalSource, impact)
			if r := tx.Create(&row); r.Error != nil {
				return fmt.Errorf("create session usage: %w", r.Error)
			}
			status = shared.UploadStatusAccepted
			closedJustNow = isClosed
			return nil
		case AdmitUpdate:
			updates := map[string]any{
				"input_tokens":          req.TokenBreakdown.InputTokens,
				"output_tokens":         req.TokenBreakdown.OutputTokens,
				"cache_creation_tokens": req.TokenBreakdown.CacheCreationTokens,
				"cache_read_tokens":     req.TokenBreakdown.CacheReadTokens,
				"total_tokens":          req.TokenBreakdown.Sum(),
				"total_cost":            req.TotalCost,
				"models_used":           req.ModelsUsed,
				"model_breakdowns":      req.ModelBreakdowns,
				"updated_at":            now,
			}
			if req.EndTime != nil {
				updates["end_time"] = req.EndTime.UTC()
				updates["duration_minutes"] = sessionDuration(*req.StartTime, req.EndTime)
				closedJustNow = true
			}
			for col, val := range environmentalColumns(impact) {
				updates[col] = val
			}
			r := tx.Model(&shared.SessionUsage{}).
				Where("user_id = ? AND machine_id = ? AND session_id = ?", userID, req.MachineId, req.Identifier).
				Updates(updates)
			if r.Error != nil {
				return fmt.Errorf("update session usage: %w", r.Error)
			}
			status = shared.UploadStatusUpdated
			return nil
		}
		return fmt.Errorf("unexpected admit decision %d", decision)
	})
	if err != nil {
		return shared.UploadStatusRejected, err
	}

	if closedJustNow {
		date := req.StartTime.UTC().Format(shared.DateOnly)
		if err := db.IncrementDailySessionsCount(ctx, userID, req.MachineId, date); err != nil {
			return status, fmt.Errorf("db.IncrementDailySessionsCount: %w", err)
		}
	}

	return status, nil
}

func sessionDuration(start time.Time, end *time.Time) *float64 {
	if end == nil {
		return nil
	}
	minutes := end.Sub(start).Minutes()
	return &minutes
}

func (db *DB) SessionsForUser(ctx context.Context, userID string, since, until time.Time, machineID string) ([]*shared.SessionUsage, error) {
	var sessions []*shared.SessionUsage
	tx := db.WithContext(ctx).Where("user_id = ? AND start_time >= ? AND start_time <= ?", userID, since, until)
	if machineID != "" {
		tx = tx.Where("machine_id = ?", machineID)
	}
	tx = tx.Order("start_time ASC").Find(&sessions)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessions, nil
}
