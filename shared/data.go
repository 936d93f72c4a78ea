package shared

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const DateOnly = "2006-01-02"

// BlockDuration is the fixed billing window length. A block's end_time is
// start_time + BlockDuration, set once at creation and never recomputed.
const BlockDuration = 5 * time.Hour

var (
	// ErrValidation marks malformed uploads (negative counts, total mismatch,
	// bad identifiers). Surfaced verbatim to the caller, nothing is persisted.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrentWrite marks a unique-constraint race that persisted after
	// the internal retry. Callers may safely retry the request.
	ErrConcurrentWrite = errors.New("concurrent write conflict")
)

type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularitySession Granularity = "session"
	GranularityBlock   Granularity = "block"
)

func (g Granularity) Valid() bool {
	return g == GranularityDaily || g == GranularitySession || g == GranularityBlock
}

type UploadStatus string

const (
	UploadStatusAccepted UploadStatus = "accepted"
	UploadStatusUpdated  UploadStatus = "updated"
	UploadStatusRejected UploadStatus = "rejected"
)

type TokenBreakdown struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
}

// Sum returns the authoritative total. The caller-supplied TotalTokens is
// never trusted; stored rows always carry this recomputed value.
func (t TokenBreakdown) Sum() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheCreationTokens + t.CacheReadTokens
}

func (t TokenBreakdown) validate() error {
	if t.InputTokens < 0 || t.OutputTokens < 0 || t.CacheCreationTokens < 0 || t.CacheReadTokens < 0 || t.TotalTokens < 0 {
		return fmt.Errorf("%w: token counts must be non-negative, got %+v", ErrValidation, t)
	}
	if t.TotalTokens != 0 && t.TotalTokens != t.Sum() {
		return fmt.Errorf("%w: total_tokens=%d does not match input+output+cache_creation+cache_read=%d", ErrValidation, t.TotalTokens, t.Sum())
	}
	return nil
}

type ModelBreakdown struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// ModelBreakdowns maps a model name to its share of a record. Stored as a
// JSONB column; merge semantics are a per-key numeric sum (see AddModelBreakdowns).
type ModelBreakdowns map[string]ModelBreakdown

func (m *ModelBreakdowns) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		s, isString := value.(string)
		if !isString {
			return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
		}
		bytes = []byte(s)
	}

	result := ModelBreakdowns{}
	err := json.Unmarshal(bytes, &result)
	*m = result
	return err
}

func (m ModelBreakdowns) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(ModelBreakdowns{})
	}
	return json.Marshal(m)
}

// AddModelBreakdowns sums src into dst per model key and returns dst.
func AddModelBreakdowns(dst, src ModelBreakdowns) ModelBreakdowns {
	if dst == nil {
		dst = ModelBreakdowns{}
	}
	for model, b := range src {
		merged := dst[model]
		merged.InputTokens += b.InputTokens
		merged.OutputTokens += b.OutputTokens
		merged.CacheCreationTokens += b.CacheCreationTokens
		merged.CacheReadTokens += b.CacheReadTokens
		merged.Cost += b.Cost
		dst[model] = merged
	}
	return dst
}

// ModelList is the set of model names seen in a record, stored as JSONB.
type ModelList []string

func (m *ModelList) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		s, isString := value.(string)
		if !isString {
			return fmt.Errorf("failed to unmarshal JSONB value: %v", value)
		}
		bytes = []byte(s)
	}

	result := ModelList{}
	err := json.Unmarshal(bytes, &result)
	*m = result
	return err
}

func (m ModelList) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(ModelList{})
	}
	return json.Marshal(m)
}

func (m ModelList) Contains(model string) bool {
	for _, name := range m {
		if name == model {
			return true
		}
	}
	return false
}

// DailyUsage is one machine's usage for one calendar date. The date
// identifier is fixed by the collector at ingestion time and never
// re-bucketed by the server. Unique per (user_id, machine_id, date).
type DailyUsage struct {
	UserId              string          `json:"user_id" gorm:"not null; uniqueIndex:dailyUsageUniqueIndex"`
	MachineId           string          `json:"machine_id" gorm:"not null; uniqueIndex:dailyUsageUniqueIndex"`
	Date                string          `json:"date" gorm:"not null; uniqueIndex:dailyUsageUniqueIndex"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	ModelsUsed          ModelList       `json:"models_used"`
	ModelBreakdowns     ModelBreakdowns `json:"model_breakdowns"`
	SessionsCount       int64           `json:"sessions_count"`
	EnergyWh            *float64        `json:"energy_wh"`
	Co2EmissionsG       *float64        `json:"co2_emissions_g"`
	TreeEquivalent      *float64        `json:"tree_equivalent"`
	EnvironmentalSource string          `json:"environmental_source"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SessionUsage is one collector session on one machine. Open sessions
// (EndTime unset) are re-uploaded with cumulative counts until they close.
// Unique per (user_id, machine_id, session_id).
type SessionUsage struct {
	UserId              string          `json:"user_id" gorm:"not null; uniqueIndex:sessionUsageUniqueIndex"`
	MachineId           string          `json:"machine_id" gorm:"not null; uniqueIndex:sessionUsageUniqueIndex"`
	SessionId           string          `json:"session_id" gorm:"not null; uniqueIndex:sessionUsageUniqueIndex"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             *time.Time      `json:"end_time"`
	DurationMinutes     *float64        `json:"duration_minutes"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	ModelsUsed          ModelList       `json:"models_used"`
	ModelBreakdowns     ModelBreakdowns `json:"model_breakdowns"`
	EnergyWh            *float64        `json:"energy_wh"`
	Co2EmissionsG       *float64        `json:"co2_emissions_g"`
	TreeEquivalent      *float64        `json:"tree_equivalent"`
	EnvironmentalSource string          `json:"environmental_source"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (s *SessionUsage) Closed() bool {
	return s.EndTime != nil
}

// UsageBlock is a 5-hour billing window on one machine. EndTime is the
// scheduled boundary (StartTime + BlockDuration), fixed at creation.
// IsActive is a stored convenience column for raw SQL filters; the ground
// truth is the Active() projection, and the column is refreshed by the
// same statement that sets ActualEndTime.
// Unique per (user_id, machine_id, block_id).
type UsageBlock struct {
	UserId              string          `json:"user_id" gorm:"not null; uniqueIndex:usageBlockUniqueIndex"`
	MachineId           string          `json:"machine_id" gorm:"not null; uniqueIndex:usageBlockUniqueIndex"`
	BlockId             string          `json:"block_id" gorm:"not null; uniqueIndex:usageBlockUniqueIndex"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             time.Time       `json:"end_time"`
	ActualEndTime       *time.Time      `json:"actual_end_time"`
	IsActive            bool            `json:"is_active"`
	EntryCount          int64           `json:"entry_count"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	ModelsUsed          ModelList       `json:"models_used"`
	ModelBreakdowns     ModelBreakdowns `json:"model_breakdowns"`
	EnergyWh            *float64        `json:"energy_wh"`
	Co2EmissionsG       *float64        `json:"co2_emissions_g"`
	TreeEquivalent      *float64        `json:"tree_equivalent"`
	EnvironmentalSource string          `json:"environmental_source"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Active reports whether the block is OPEN as observed at now. A block with
// a future StartTime (clock skew) is OPEN; a block past its scheduled
// boundary is CLOSED even if no writer has materialized the close yet.
func (b *UsageBlock) Active(now time.Time) bool {
	if b.ActualEndTime != nil {
		return false
	}
	return now.Before(b.EndTime)
}

// UploadMarker proves a (user, machine, granularity, identifier) unit has
// been ingested at least once. Markers for open units allow cumulative
// re-uploads; a marker with Closed set makes the unit immutable. Markers
// are never deleted by normal operation.
type UploadMarker struct {
	UserId      string      `json:"user_id" gorm:"not null; uniqueIndex:uploadMarkerUniqueIndex"`
	MachineId   string      `json:"machine_id" gorm:"not null; uniqueIndex:uploadMarkerUniqueIndex"`
	Granularity Granularity `json:"granularity" gorm:"not null; uniqueIndex:uploadMarkerUniqueIndex"`
	Identifier  string      `json:"identifier" gorm:"not null; uniqueIndex:uploadMarkerUniqueIndex"`
	Closed      bool        `json:"closed"`
	UploadedAt  time.Time   `json:"uploaded_at"`
}

// UploadRequest is the collector's ingestion payload. The collector always
// sends cumulative-to-date counts for an open unit, never increments.
type UploadRequest struct {
	MachineId            string           `json:"machine_id"`
	Granularity          Granularity      `json:"granularity"`
	Identifier           string           `json:"identifier"`
	TokenBreakdown       TokenBreakdown   `json:"token_breakdown"`
	TotalCost            float64          `json:"total_cost"`
	ModelsUsed           ModelList        `json:"models_used"`
	ModelBreakdowns      ModelBreakdowns  `json:"model_breakdowns"`
	StartTime            *time.Time       `json:"start_time,omitempty"`
	EndTime              *time.Time       `json:"end_time,omitempty"`
	ActualEndTime        *time.Time       `json:"actual_end_time,omitempty"`
	EntryCount           int64            `json:"entry_count,omitempty"`
	ThinkingOutputTokens map[string]int64 `json:"thinking_output_tokens,omitempty"`
}

// Validate hard-rejects malformed uploads; invariant violations are never
// silently clamped. Models that appear only in ModelBreakdowns are
// backfilled into ModelsUsed so breakdown keys stay a subset of it.
func (r *UploadRequest) Validate() error {
	if r.MachineId == "" {
		return fmt.Errorf("%w: machine_id is required", ErrValidation)
	}
	if !r.Granularity.Valid() {
		return fmt.Errorf("%w: unknown granularity %#v", ErrValidation, string(r.Granularity))
	}
	if r.Identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	if err := r.TokenBreakdown.validate(); err != nil {
		return err
	}
	if r.TotalCost < 0 {
		return fmt.Errorf("%w: total_cost must be non-negative, got %f", ErrValidation, r.TotalCost)
	}
	if r.EntryCount < 0 {
		return fmt.Errorf("%w: entry_count must be non-negative, got %d", ErrValidation, r.EntryCount)
	}
	for model, b := range r.ModelBreakdowns {
		if b.InputTokens < 0 || b.OutputTokens < 0 || b.CacheCreationTokens < 0 || b.CacheReadTokens < 0 || b.Cost < 0 {
			return fmt.Errorf("%w: model_breakdowns[%s] contains negative values", ErrValidation, model)
		}
		if !r.ModelsUsed.Contains(model) {
			r.ModelsUsed = append(r.ModelsUsed, model)
		}
	}
	for model, thinkingTokens := range r.ThinkingOutputTokens {
		if thinkingTokens < 0 {
			return fmt.Errorf("%w: thinking_output_tokens[%s] must be non-negative", ErrValidation, model)
		}
		if b, ok := r.ModelBreakdowns[model]; ok && thinkingTokens > b.OutputTokens {
			return fmt.Errorf("%w: thinking_output_tokens[%s]=%d exceeds output_tokens=%d", ErrValidation, model, thinkingTokens, b.OutputTokens)
		}
	}
	switch r.Granularity {
	case GranularityDaily:
		if _, err := time.Parse(DateOnly, r.Identifier); err != nil {
			return fmt.Errorf("%w: daily identifier must be a YYYY-MM-DD date, got %#v", ErrValidation, r.Identifier)
		}
	case GranularitySession, GranularityBlock:
		if r.StartTime == nil {
			return fmt.Errorf("%w: start_time is required for %s uploads", ErrValidation, r.Granularity)
		}
		if r.EndTime != nil && r.EndTime.Before(*r.StartTime) {
			return fmt.Errorf("%w: end_time precedes start_time", ErrValidation)
		}
	}
	return nil
}

// EnvironmentalImpact is the enrichment collaborator's estimate for one
// record. A nil impact leaves the persisted fields NULL with
// environmental_source = "unavailable"; it never fails the parent write.
type EnvironmentalImpact struct {
	EnergyWh       float64 `json:"energy_wh"`
	Co2EmissionsG  float64 `json:"co2_emissions_g"`
	TreeEquivalent float64 `json:"tree_equivalent"`
	Source         string  `json:"source"`
}

type UploadResponse struct {
	Status UploadStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// UsageTotals is the cross-machine sum for a query window. Missing numeric
// fields are treated as zero before summation; an empty window yields a
// well-formed all-zero value, never an error.
type UsageTotals struct {
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	EntryCount          int64           `json:"entry_count"`
	SessionsCount       int64           `json:"sessions_count"`
	ModelsUsed          ModelList       `json:"models_used"`
	ModelBreakdowns     ModelBreakdowns `json:"model_breakdowns"`
	TotalMachines       int             `json:"total_machines"`
}

// SeriesPoint is one pre-merged day of the time series; rows from multiple
// machines on the same date collapse into a single point.
type SeriesPoint struct {
	Date                string          `json:"date"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	TotalCost           float64         `json:"total_cost"`
	SessionsCount       int64           `json:"sessions_count"`
	ModelsUsed          ModelList       `json:"models_used"`
	ModelBreakdowns     ModelBreakdowns `json:"model_breakdowns"`
}

type UsageAggregate struct {
	Totals UsageTotals   `json:"totals"`
	Series []SeriesPoint `json:"series"`
}

type AggregateResponse struct {
	Since    string          `json:"since"`
	Until    string          `json:"until"`
	Totals   UsageTotals     `json:"totals"`
	Series   []SeriesPoint   `json:"series,omitempty"`
	Sessions []*SessionUsage `json:"sessions,omitempty"`
	Blocks   []*UsageBlock   `json:"blocks,omitempty"`
}

type LeaderboardPeriod string

const (
	LeaderboardPeriodDaily  LeaderboardPeriod = "daily"
	LeaderboardPeriodWeekly LeaderboardPeriod = "weekly"
)

type LeaderboardScope string

const (
	LeaderboardScopePublic LeaderboardScope = "public"
	LeaderboardScopeTeam   LeaderboardScope = "team"
)

// LeaderboardEntry is derived per query and never persisted.
type LeaderboardEntry struct {
	UserId      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	TotalCost   float64 `json:"total_cost"`
	TotalTokens int64   `json:"total_tokens"`
	Rank        int     `json:"rank"`
	Percentile  int     `json:"percentile"`
}

type LeaderboardResponse struct {
	Period            LeaderboardPeriod  `json:"period"`
	Scope             LeaderboardScope   `json:"scope"`
	Entries           []LeaderboardEntry `json:"entries"`
	TotalParticipants int                `json:"total_participants"`
	// UserRank is null when the requesting user is not eligible for the
	// requested scope; that is not an error.
	UserRank *int `json:"user_rank"`
}

// LeaderboardSettingsRequest mutates the two independent opt-in flags.
// Nil fields are left unchanged.
type LeaderboardSettingsRequest struct {
	LeaderboardEnabled     *bool   `json:"leaderboard_enabled,omitempty"`
	DisplayName            *string `json:"display_name,omitempty"`
	TeamLeaderboardEnabled *bool   `json:"team_leaderboard_enabled,omitempty"`
	TeamDisplayName        *string `json:"team_display_name,omitempty"`
}

func Chunks[k any](slice []k, chunkSize int) [][]k {
	var chunks [][]k
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
