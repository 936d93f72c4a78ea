package database

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/tokenboard/tokenboard/shared"
	"golang.org/x/exp/slices"
)

// AggregateDailyUsage merges a user's daily rows across machines into
// totals plus a per-date series. Aggregation happens in Go rather than SQL
// because the model mix columns are JSONB and merging them is a per-key
// numeric sum. An empty window returns a well-formed zero aggregate.
func (db *DB) AggregateDailyUsage(ctx context.Context, userID, since, until, machineID string) (*shared.UsageAggregate, error) {
	rows, err := db.DailyUsageForUser(ctx, userID, since, until, machineID)
	if err != nil {
		return nil, fmt.Errorf("db.DailyUsageForUser: %w", err)
	}

	totals := shared.UsageTotals{
		ModelsUsed:      shared.ModelList{},
		ModelBreakdowns: shared.ModelBreakdowns{},
	}
	points := make(map[string]*shared.SeriesPoint)
	machines := make([]string, 0, len(rows))

	for _, row := range rows {
		totals.InputTokens += row.InputTokens
		totals.OutputTokens += row.OutputTokens
		totals.CacheCreationTokens += row.CacheCreationTokens
		totals.CacheReadTokens += row.CacheReadTokens
		totals.TotalTokens += row.TotalTokens
		totals.TotalCost += row.TotalCost
		totals.SessionsCount += row.SessionsCount
		totals.ModelsUsed = append(totals.ModelsUsed, row.ModelsUsed...)
		totals.ModelBreakdowns = shared.AddModelBreakdowns(totals.ModelBreakdowns, row.ModelBreakdowns)
		machines = append(machines, row.MachineId)

		point, ok := points[row.Date]
		if !ok {
			point = &shared.SeriesPoint{
				Date:            row.Date,
				ModelsUsed:      shared.ModelList{},
				ModelBreakdowns: shared.ModelBreakdowns{},
			}
			points[row.Date] = point
		}
		point.InputTokens += row.InputTokens
		point.OutputTokens += row.OutputTokens
		point.CacheCreationTokens += row.CacheCreationTokens
		point.CacheReadTokens += row.CacheReadTokens
		point.TotalTokens += row.TotalTokens
		point.TotalCost += row.TotalCost
		point.SessionsCount += row.SessionsCount
		point.ModelsUsed = append(point.ModelsUsed, row.ModelsUsed...)
		point.ModelBreakdowns = shared.AddModelBreakdowns(point.ModelBreakdowns, row.ModelBreakdowns)
	}

	totals.ModelsUsed = lo.Uniq(totals.ModelsUsed)
	slices.Sort(totals.ModelsUsed)
	totals.TotalMachines = len(lo.Uniq(machines))

	dates := lo.Keys(points)
	slices.Sort(dates)
	series := make([]shared.SeriesPoint, 0, len(dates))
	for _, date := range dates {
		point := points[date]
		point.ModelsUsed = lo.Uniq(point.ModelsUsed)
		slices.Sort(point.ModelsUsed)
		series = append(series, *point)
	}

	return &shared.UsageAggregate{Totals: totals, Series: series}, nil
}

// SessionTotals folds a session listing into cross-machine totals.
func SessionTotals(sessions []*shared.SessionUsage) shared.UsageTotals {
	totals := shared.UsageTotals{
		ModelsUsed:      shared.ModelList{},
		ModelBreakdowns: shared.ModelBreakdowns{},
	}
	machines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		totals.InputTokens += s.InputTokens
		totals.OutputTokens += s.OutputTokens
		totals.CacheCreationTokens += s.CacheCreationTokens
		totals.CacheReadTokens += s.CacheReadTokens
		totals.TotalTokens += s.TotalTokens
		totals.TotalCost += s.TotalCost
		totals.SessionsCount++
		totals.ModelsUsed = append(totals.ModelsUsed, s.ModelsUsed...)
		totals.ModelBreakdowns = shared.AddModelBreakdowns(totals.ModelBreakdowns, s.ModelBreakdowns)
		machines = append(machines, s.MachineId)
	}
	totals.ModelsUsed = lo.Uniq(totals.ModelsUsed)
	slices.Sort(totals.ModelsUsed)
	totals.TotalMachines = len(lo.Uniq(machines))
	return totals
}

// BlockTotals folds a block listing into cross-machine totals.
func BlockTotals(blocks []*shared.UsageBlock) shared.UsageTotals {
	totals := shared.UsageTotals{
		ModelsUsed:      shared.ModelList{},
		ModelBreakdowns: shared.ModelBreakdowns{},
	}
	machines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		totals.InputTokens += b.InputTokens
		totals.OutputTokens += b.OutputTokens
		totals.CacheCreationTokens += b.CacheCreationTokens
		totals.CacheReadTokens += b.CacheReadTokens
		totals.TotalTokens += b.TotalTokens
		totals.TotalCost += b.TotalCost
		totals.EntryCount += b.EntryCount
		totals.ModelsUsed = append(totals.ModelsUsed, b.ModelsUsed...)
		totals.ModelBreakdowns = shared.AddModelBreakdowns(totals.ModelBreakdowns, b.ModelBreakdowns)
		machines = append(machines, b.MachineId)
	}
	totals.ModelsUsed = lo.Uniq(totals.ModelsUsed)
	slices.Sort(totals.ModelsUsed)
	totals.TotalMachines = len(lo.Uniq(machines))
	return totals
}
