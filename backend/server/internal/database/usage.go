package database

import (
	"fmt"

	"github.com/tokenboard/tokenboard/shared"
)

const environmentalSourceUnavailable = "unavailable"

// environmentalColumns maps an enrichment result onto the nullable columns
// shared by all three granularity tables.
func environmentalColumns(impact *shared.EnvironmentalImpact) map[string]any {
	if impact == nil {
		return map[string]any{
			"energy_wh":            nil,
			"co2_emissions_g":      nil,
			"tree_equivalent":      nil,
			"environmental_source": environmentalSourceUnavailable,
		}
	}
	return map[string]any{
		"energy_wh":            impact.EnergyWh,
		"co2_emissions_g":      impact.Co2EmissionsG,
		"tree_equivalent":      impact.TreeEquivalent,
		"environmental_source": impact.Source,
	}
}

func setEnvironmentalFields(energyWh, co2, tree **float64, source *string, impact *shared.EnvironmentalImpact) {
	if impact == nil {
		*source = environmentalSourceUnavailable
		return
	}
	e, c, t := impact.EnergyWh, impact.Co2EmissionsG, impact.TreeEquivalent
	*energyWh, *co2, *tree = &e, &c, &t
	*source = impact.Source
}

// withUploadRetry runs an admit+write attempt and, when it loses a
// unique-constraint race to a concurrent first-writer, retries exactly once
// (the second attempt observes the winner's marker and takes the update
// path). A second loss is surfaced as a retryable conflict.
func withUploadRetry(attempt func() (shared.UploadStatus, error)) (shared.UploadStatus, error) {
	status, err := attempt()
	if !isDuplicateKeyError(err) {
		return status, err
	}
	status, err = attempt()
	if err != nil {
		return shared.UploadStatusRejected, fmt.Errorf("%w: %v", shared.ErrConcurrentWrite, err)
	}
	return status, nil
}
