package testutils

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tokenboard/tokenboard/shared"
)

func BackupAndRestoreEnv(k string) func() {
	origValue := os.Getenv(k)
	return func() {
		if origValue == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, origValue)
		}
	}
}

var fakeUploadTimestamp int64 = 1666068191

func ResetFakeUploadTimestamp() {
	fakeUploadTimestamp = 1666068191
}

// MakeDailyUpload builds a valid daily upload for the given date with a
// small fixed token mix.
func MakeDailyUpload(machineId, date string) shared.UploadRequest {
	return shared.UploadRequest{
		MachineId:   machineId,
		Granularity: shared.GranularityDaily,
		Identifier:  date,
		TokenBreakdown: shared.TokenBreakdown{
			InputTokens:         100,
			OutputTokens:        200,
			CacheCreationTokens: 30,
			CacheReadTokens:     70,
		},
		TotalCost:  1.25,
		ModelsUsed: shared.ModelList{"claude-3-5-sonnet-20241022"},
		ModelBreakdowns: shared.ModelBreakdowns{
			"claude-3-5-sonnet-20241022": {InputTokens: 100, OutputTokens: 200, CacheCreationTokens: 30, CacheReadTokens: 70, Cost: 1.25},
		},
	}
}

// MakeSessionUpload builds a valid open-session upload with a fresh
// session id and a monotonically advancing fake start time.
func MakeSessionUpload(machineId string) shared.UploadRequest {
	fakeUploadTimestamp += 5
	start := time.Unix(fakeUploadTimestamp, 0).UTC()
	return shared.UploadRequest{
		MachineId:   machineId,
		Granularity: shared.GranularitySession,
		Identifier:  uuid.Must(uuid.NewRandom()).String(),
		TokenBreakdown: shared.TokenBreakdown{
			InputTokens:  50,
			OutputTokens: 80,
		},
		TotalCost:  0.4,
		ModelsUsed: shared.ModelList{"claude-3-5-sonnet-20241022"},
		ModelBreakdowns: shared.ModelBreakdowns{
			"claude-3-5-sonnet-20241022": {InputTokens: 50, OutputTokens: 80, Cost: 0.4},
		},
		StartTime: &start,
	}
}

// MakeBlockUpload builds a valid open-block upload starting at the given
// time with a fresh block id.
func MakeBlockUpload(machineId string, start time.Time) shared.UploadRequest {
	start = start.UTC()
	return shared.UploadRequest{
		MachineId:   machineId,
		Granularity: shared.GranularityBlock,
		Identifier:  uuid.Must(uuid.NewRandom()).String(),
		TokenBreakdown: shared.TokenBreakdown{
			InputTokens:  1000,
			OutputTokens: 2000,
		},
		TotalCost:  3.5,
		ModelsUsed: shared.ModelList{"claude-3-opus-20240229"},
		ModelBreakdowns: shared.ModelBreakdowns{
			"claude-3-opus-20240229": {InputTokens: 1000, OutputTokens: 2000, Cost: 3.5},
		},
		StartTime:  &start,
		EntryCount: 10,
	}
}
