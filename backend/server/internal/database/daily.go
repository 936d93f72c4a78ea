package database

import (
	"context"
	"fmt"

	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

// SaveDailyUsage upserts one machine's daily record. A daily unit is closed
// once its date is more than one day behind the server's current UTC date;
// uploads for a closed date are rejected rather than overwriting immutable
// history. The one-day grace lets a machine west of UTC finish its local
// day after the server's date has already rolled over.
func (db *DB) SaveDailyUsage(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	return withUploadRetry(func() (shared.UploadStatus, error) {
		return db.saveDailyUsageOnce(ctx, userID, req, impact)
	})
}

func (db *DB) saveDailyUsageOnce(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	now := db.Now().UTC()
	isClosed := req.Identifier < now.AddDate(0, 0, -1).Format(shared.DateOnly)

	status := shared.UploadStatusRejected
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decision, err := admitUpload(tx, userID, req.MachineId, shared.GranularityDaily, req.Identifier, isClosed, now)
		if err != nil {
			return err
		}

		switch decision {
		case AdmitReject:
			status = shared.UploadStatusRejected
			return nil
		case AdmitAccept:
			row := shared.DailyUsage{
				UserId:              userID,
				MachineId:           req.MachineId,
				Date:                req.Identifier,
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
				return fmt.Errorf("create daily usage: %w", r.Error)
			}
			status = shared.UploadStatusAccepted
			return nil
		case AdmitUpdate:
			// The collector sends cumulative-to-date counts, so the update
			// replaces fields wholesale rather than summing deltas.
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
			for col, val := range environmentalColumns(impact) {
				updates[col] = val
			}
			r := tx.Model(&shared.DailyUsage{}).
				Where("user_id = ? AND machine_id = ? AND date = ?", userID, req.MachineId, req.Identifier).
				Updates(updates)
			if r.Error != nil {
				return fmt.Errorf("update daily usage: %w", r.Error)
			}
			status = shared.UploadStatusUpdated
			return nil
		}
		return fmt.Errorf("unexpected admit decision %d", decision)
	})
	if err != nil {
		return shared.UploadStatusRejected, err
	}
	return status, nil
}

// IncrementDailySessionsCount bumps the sessions counter on the daily row a
// session closed under. A no-op when the machine has no daily row for that
// date yet; the counter catches up when the daily record arrives.
func (db *DB) IncrementDailySessionsCount(ctx context.Context, userID, machineID, date string) error {
	r := db.WithContext(ctx).Exec(
		"UPDATE daily_usages SET sessions_count = COALESCE(sessions_count, 0) + 1 WHERE user_id = ? AND machine_id = ? AND date = ?",
		userID, machineID, date)
	if r.Error != nil {
		return fmt.Errorf("tx.Error: %w", r.Error)
	}
	return nil
}

func (db *DB) DailyUsageForUser(ctx context.Context, userID, since, until, machineID string) ([]*shared.DailyUsage, error) {
	var rows []*shared.DailyUsage
	tx := db.WithContext(ctx).Where("user_id = ? AND date >= ? AND date <= ?", userID, since, until)
	if machineID != "" {
		tx = tx.Where("machine_id = ?", machineID)
	}
	tx = tx.Order("date ASC").Find(&rows)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return rows, nil
}
