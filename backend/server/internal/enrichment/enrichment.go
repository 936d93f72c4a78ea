package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tokenboard/tokenboard/shared"
)

const (
	// DefaultTimeout bounds the remote call so ingestion never stalls on
	// enrichment; past it the local estimate is used instead.
	DefaultTimeout = 2 * time.Second

	// Default grid carbon intensity in gCO2/kWh when the remote service
	// (which knows the region) is unavailable.
	fallbackCarbonIntensity = 400.0

	// A tree absorbs roughly 50g of CO2 per day.
	gramsCo2PerTreeDay = 50.0

	// Extended-thinking output burns more compute per emitted token than
	// plain sampling; charged with a flat multiplier on the output rate.
	thinkingOutputMultiplier = 1.5

	sourceEcologitsEstimate = "ecologits_estimate"
	sourceFallbackEstimate  = "fallback_estimate"
)

// profile is a per-model-family energy estimate in Wh per token, with a
// fixed base cost per request.
type profile struct {
	inputWhPerToken  float64
	outputWhPerToken float64
	baseWh           float64
}

var (
	haikuProfile   = profile{inputWhPerToken: 0.00005, outputWhPerToken: 0.00015, baseWh: 0.005}
	sonnetProfile  = profile{inputWhPerToken: 0.0001, outputWhPerToken: 0.0003, baseWh: 0.01}
	opusProfile    = profile{inputWhPerToken: 0.0002, outputWhPerToken: 0.0005, baseWh: 0.02}
	defaultProfile = profile{inputWhPerToken: 0.0001, outputWhPerToken: 0.0003, baseWh: 0.01}
)

func profileForModel(model string) profile {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "haiku"):
		return haikuProfile
	case strings.Contains(m, "opus"):
		return opusProfile
	case strings.Contains(m, "sonnet"), strings.Contains(m, "claude"):
		return sonnetProfile
	default:
		return defaultProfile
	}
}

// Calculator estimates the environmental impact of a usage record. It
// prefers the remote enrichment service (which has live grid carbon
// intensity) and degrades to a local per-family estimate when the service
// is slow, down, or unconfigured. It never returns an error to ingestion.
type Calculator struct {
	serviceUrl string
	client     *http.Client
}

func NewCalculator(serviceUrl string, timeout time.Duration) *Calculator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Calculator{
		serviceUrl: serviceUrl,
		client:     &http.Client{Timeout: timeout},
	}
}

type calculateRequest struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

type calculateResponse struct {
	EnergyWh       float64 `json:"energy_wh"`
	Co2EmissionsG  float64 `json:"co2_emissions_g"`
	TreeEquivalent float64 `json:"tree_equivalent"`
	Source         string  `json:"source"`
}

// Calculate estimates impact for one model's token counts.
func (c *Calculator) Calculate(ctx context.Context, model string, inputTokens, outputTokens int64) shared.EnvironmentalImpact {
	if c.serviceUrl != "" {
		impact, err := c.calculateRemote(ctx, model, inputTokens, outputTokens)
		if err == nil {
			return impact
		}
		logrus.Warnf("enrichment service unavailable, using local estimate: %v", err)
	}
	return c.estimateLocally(model, inputTokens, outputTokens)
}

func (c *Calculator) calculateRemote(ctx context.Context, model string, inputTokens, outputTokens int64) (shared.EnvironmentalImpact, error) {
	body, err := json.Marshal(calculateRequest{Model: model, InputTokens: inputTokens, OutputTokens: outputTokens})
	if err != nil {
		return shared.EnvironmentalImpact{}, fmt.Errorf("json.Marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceUrl+"/calculate", bytes.NewReader(body))
	if err != nil {
		return shared.EnvironmentalImpact{}, fmt.Errorf("http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return shared.EnvironmentalImpact{}, fmt.Errorf("client.Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return shared.EnvironmentalImpact{}, fmt.Errorf("enrichment service returned status_code=%d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return shared.EnvironmentalImpact{}, fmt.Errorf("io.ReadAll: %w", err)
	}
	var parsed calculateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return shared.EnvironmentalImpact{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	source := parsed.Source
	if source == "" {
		source = sourceEcologitsEstimate
	}
	return shared.EnvironmentalImpact{
		EnergyWh:       parsed.EnergyWh,
		Co2EmissionsG:  parsed.Co2EmissionsG,
		TreeEquivalent: parsed.TreeEquivalent,
		Source:         source,
	}, nil
}

func (c *Calculator) estimateLocally(model string, inputTokens, outputTokens int64) shared.EnvironmentalImpact {
	p := profileForModel(model)
	energyWh := float64(inputTokens)*p.inputWhPerToken + float64(outputTokens)*p.outputWhPerToken + p.baseWh
	return impactFromEnergy(energyWh)
}

func impactFromEnergy(energyWh float64) shared.EnvironmentalImpact {
	co2 := (energyWh / 1000) * fallbackCarbonIntensity
	return shared.EnvironmentalImpact{
		EnergyWh:       energyWh,
		Co2EmissionsG:  co2,
		TreeEquivalent: co2 / gramsCo2PerTreeDay,
		Source:         sourceFallbackEstimate,
	}
}

// CalculateRecord estimates impact for a whole upload by summing per-model
// estimates. Output tokens flagged as extended-thinking are charged at the
// thinking multiplier. Returns nil when the upload carries no per-model
// breakdown to estimate from; the caller persists NULL fields in that case.
func (c *Calculator) CalculateRecord(ctx context.Context, req *shared.UploadRequest) *shared.EnvironmentalImpact {
	if len(req.ModelBreakdowns) == 0 {
		return nil
	}

	total := shared.EnvironmentalImpact{}
	sources := make(map[string]bool)
	for model, b := range req.ModelBreakdowns {
		thinkingTokens := req.ThinkingOutputTokens[model]
		plainTokens := b.OutputTokens - thinkingTokens

		impact := c.Calculate(ctx, model, b.InputTokens, plainTokens)
		if thinkingTokens > 0 {
			p := profileForModel(model)
			thinkingWh := float64(thinkingTokens) * p.outputWhPerToken * thinkingOutputMultiplier
			thinkingImpact := impactFromEnergy(thinkingWh)
			impact.EnergyWh += thinkingImpact.EnergyWh
			impact.Co2EmissionsG += thinkingImpact.Co2EmissionsG
			impact.TreeEquivalent += thinkingImpact.TreeEquivalent
			sources[thinkingImpact.Source] = true
		}

		total.EnergyWh += impact.EnergyWh
		total.Co2EmissionsG += impact.Co2EmissionsG
		total.TreeEquivalent += impact.TreeEquivalent
		sources[impact.Source] = true
	}

	// A record mixing remote and fallback estimates is labeled with the
	// weaker source so consumers know part of it is approximate.
	total.Source = sourceEcologitsEstimate
	if sources[sourceFallbackEstimate] {
		total.Source = sourceFallbackEstimate
	}
	return &total
}
