package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

// SaveUsageBlock upserts one 5-hour billing block. The scheduled end_time
// is fixed at start_time + 5h on first write and never recomputed; any
// caller-supplied end_time is ignored. A write that observes the scheduled
// boundary has passed closes the block at exactly that boundary.
func (db *DB) SaveUsageBlock(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	return withUploadRetry(func() (shared.UploadStatus, error) {
		return db.saveUsageBlockOnce(ctx, userID, req, impact)
	})
}

func (db *DB) saveUsageBlockOnce(ctx context.Context, userID string, req *shared.UploadRequest, impact *shared.EnvironmentalImpact) (shared.UploadStatus, error) {
	now := db.Now().UTC()
	start := req.StartTime.UTC()
	scheduledEnd := start.Add(shared.BlockDuration)
	isClosed := req.ActualEndTime != nil || !now.Before(scheduledEnd)

	status := shared.UploadStatusRejected
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decision, err := admitUpload(tx, userID, req.MachineId, shared.GranularityBlock, req.Identifier, isClosed, now)
		if err != nil {
			return err
		}

		switch decision {
		case AdmitReject:
			status = shared.UploadStatusRejected
			return nil
		case AdmitAccept:
			row := shared.UsageBlock{
				UserId:              userID,
				MachineId:           req.MachineId,
				BlockId:             req.Identifier,
				StartTime:           start,
				EndTime:             scheduledEnd,
				ActualEndTime:       blockCloseTime(req.ActualEndTime, scheduledEnd, now),
				EntryCount:          req.EntryCount,
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
			row.IsActive = row.Active(now)
			setEnvironmentalFields(&row.EnergyWh, &row.Co2EmissionsG, &row.TreeEquivalent, &row.EnvironmentalSource, impact)
			if r := tx.Create(&row); r.Error != nil {
				return fmt.Errorf("create usage block: %w", r.Error)
			}
			status = shared.UploadStatusAccepted
			return nil
		case AdmitUpdate:
			var existing []shared.UsageBlock
			r := tx.Where("user_id = ? AND machine_id = ? AND block_id = ?", userID, req.MachineId, req.Identifier).
				Limit(1).Find(&existing)
			if r.Error != nil {
				return fmt.Errorf("tx.Error: %w", r.Error)
			}
			if len(existing) == 0 {
				return fmt.Errorf("upload marker exists but usage block %s/%s/%s is missing", userID, req.MachineId, req.Identifier)
			}
			block := existing[0]

			if block.ActualEndTime != nil {
				// A reader closed this block lazily after our marker was last
				// refreshed. Catch the marker up and refuse the overwrite.
				if err := markUnitClosed(tx, userID, req.MachineId, shared.GranularityBlock, req.Identifier); err != nil {
					return err
				}
				status = shared.UploadStatusRejected
				return nil
			}

			entryCount := block.EntryCount
			if req.EntryCount > entryCount {
				entryCount = req.EntryCount
			}
			actualEnd := blockCloseTime(req.ActualEndTime, block.EndTime, now)
			updates := map[string]any{
				"entry_count":           entryCount,
				"input_tokens":          req.TokenBreakdown.InputTokens,
				"output_tokens":         req.TokenBreakdown.OutputTokens,
				"cache_creation_tokens": req.TokenBreakdown.CacheCreationTokens,
				"cache_read_tokens":     req.TokenBreakdown.CacheReadTokens,
				"total_tokens":          req.TokenBreakdown.Sum(),
				"total_cost":            req.TotalCost,
				"models_used":           req.ModelsUsed,
				"model_breakdowns":      req.ModelBreakdowns,
				"updated_at":            now,
				"is_active":             actualEnd == nil && now.Before(block.EndTime),
			}
			if actualEnd != nil {
				updates["actual_end_time"] = *actualEnd
			}
			for col, val := range environmentalColumns(impact) {
				updates[col] = val
			}
			r = tx.Model(&shared.UsageBlock{}).
				Where("user_id = ? AND machine_id = ? AND block_id = ?", userID, req.MachineId, req.Identifier).
				Updates(updates)
			if r.Error != nil {
				return fmt.Errorf("update usage block: %w", r.Error)
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

// blockCloseTime resolves the actual_end_time a write should record:
// the explicit close when the collector supplied one, the scheduled
// boundary when the clock has passed it, nil while the block stays open.
func blockCloseTime(explicit *time.Time, scheduledEnd, now time.Time) *time.Time {
	if explicit != nil {
		t := explicit.UTC()
		return &t
	}
	if !now.Before(scheduledEnd) {
		t := scheduledEnd
		return &t
	}
	return nil
}

// CloseOverdueBlocks materializes the lazy OPEN→CLOSED transition for every
// block whose scheduled boundary has passed. The write is expressed as "set
// actual_end_time if still NULL", so concurrent observers computing the
// same transition are a no-op on the losing side. Run from the cron as a
// best-effort sweep; correctness never depends on it.
func (db *DB) CloseOverdueBlocks(ctx context.Context, asOf time.Time) (int64, error) {
	r := db.WithContext(ctx).Exec(
		"UPDATE usage_blocks SET actual_end_time = end_time, is_active = ? WHERE actual_end_time IS NULL AND end_time <= ?",
		false, asOf)
	if r.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", r.Error)
	}
	return r.RowsAffected, nil
}

func (db *DB) closeOverdueBlocksForUser(ctx context.Context, userID string, asOf time.Time) error {
	r := db.WithContext(ctx).Exec(
		"UPDATE usage_blocks SET actual_end_time = end_time, is_active = ? WHERE user_id = ? AND actual_end_time IS NULL AND end_time <= ?",
		false, userID, asOf)
	if r.Error != nil {
		return fmt.Errorf("tx.Error: %w", r.Error)
	}
	return nil
}

// BlocksForUser returns the user's blocks in a window, closing any overdue
// ones first so is_active is correct relative to wall-clock time at the
// moment it is observed.
func (db *DB) BlocksForUser(ctx context.Context, userID string, since, until time.Time, machineID string) ([]*shared.UsageBlock, error) {
	now := db.Now().UTC()
	if err := db.closeOverdueBlocksForUser(ctx, userID, now); err != nil {
		return nil, err
	}

	var blocks []*shared.UsageBlock
	tx := db.WithContext(ctx).Where("user_id = ? AND start_time >= ? AND start_time <= ?", userID, since, until)
	if machineID != "" {
		tx = tx.Where("machine_id = ?", machineID)
	}
	tx = tx.Order("start_time ASC").Find(&blocks)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	// is_active is a projection, not stored ground truth.
	for _, block := range blocks {
		block.IsActive = block.Active(now)
	}

	return blocks, nil
}
