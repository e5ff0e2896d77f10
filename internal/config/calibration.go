package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/calibration.defaults.json"

// CalibrationConfig holds the empirically tuned thresholds of the ADC
// calibration chain. Every field is optional; the Get* accessors supply the
// values the SciFi readout was tuned with when a field is omitted.
type CalibrationConfig struct {
	// Peak search
	PeakSigma           *float64 `json:"peak_sigma,omitempty"`
	PeakThreshold       *float64 `json:"peak_threshold,omitempty"`
	PeakMinSignificance *float64 `json:"peak_min_significance,omitempty"`
	PeakMinWidth        *int     `json:"peak_min_width,omitempty"`
	PeakLowCutoff       *float64 `json:"peak_low_cutoff,omitempty"`
	PeakRefitMaxShift   *float64 `json:"peak_refit_max_shift,omitempty"`
	GainTolerance       *float64 `json:"gain_tolerance,omitempty"` // fraction of the median spacing

	// Breakdown detection
	BreakdownADC      *float64 `json:"breakdown_adc,omitempty"`
	BreakdownLowBins  *int     `json:"breakdown_low_bins,omitempty"`
	BreakdownMaxRatio *float64 `json:"breakdown_max_ratio,omitempty"`

	// Dark count estimation
	DarkCountFloor   *float64 `json:"dark_count_floor,omitempty"`
	DarkFitBelow     *float64 `json:"dark_fit_below,omitempty"`
	DarkFitAbove     *float64 `json:"dark_fit_above,omitempty"`
	DarkCountMinBin  *int     `json:"dark_count_min_bin,omitempty"`
	DarkCountMaxBin  *int     `json:"dark_count_max_bin,omitempty"`
	DarkCountMinimum *float64 `json:"dark_count_minimum,omitempty"` // total counts below which the estimate is 0

	// Internal/external LED batch
	LEDZeroBins        *int     `json:"led_zero_bins,omitempty"`
	NoLEDZeroBins      *int     `json:"noled_zero_bins,omitempty"`
	PoissonFitEnabled  *bool    `json:"poisson_fit_enabled,omitempty"`
	PoissonMaxChiNDF   *float64 `json:"poisson_max_chi_ndf,omitempty"`
	LEDMatchMaxPValue  *float64 `json:"led_match_max_p_value,omitempty"`
	DeadPedestal       *float64 `json:"dead_pedestal,omitempty"`
	MaxMissingChannels *int     `json:"max_missing_channels,omitempty"`

	// Calibration update
	UpdateMaxChiNDF      *float64 `json:"update_max_chi_ndf,omitempty"`
	UpdateSevereChiNDF   *float64 `json:"update_severe_chi_ndf,omitempty"`
	PedestalTolerance    *float64 `json:"pedestal_tolerance,omitempty"`
	PedestalDriftWarning *float64 `json:"pedestal_drift_warning,omitempty"`
	UpdateFitBelow       *float64 `json:"update_fit_below,omitempty"`
	UpdateFitAbove       *float64 `json:"update_fit_above,omitempty"`
	UpdateInitialSigma   *float64 `json:"update_initial_sigma,omitempty"`
	UpdateSkipSeverity   *int     `json:"update_skip_severity,omitempty"`
	UpdateMaxIssues      *int     `json:"update_max_issues,omitempty"`

	// Export
	ExportGainMin *float64 `json:"export_gain_min,omitempty"`
	ExportGainMax *float64 `json:"export_gain_max,omitempty"`

	// Stability check
	StabilityDarkMax      *float64 `json:"stability_dark_max,omitempty"`
	StabilityLightMax     *float64 `json:"stability_light_max,omitempty"`
	StabilityDarkOutlier  *float64 `json:"stability_dark_outlier,omitempty"`
	StabilityLightOutlier *float64 `json:"stability_light_outlier,omitempty"`
	StabilityMaxOutliers  *int     `json:"stability_max_outliers,omitempty"`
	StabilityMinGain      *float64 `json:"stability_min_gain,omitempty"`
	StabilityMinPedestal  *float64 `json:"stability_min_pedestal,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// EmptyCalibrationConfig returns a config with every field unset, so all
// accessors return defaults.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// DefaultCalibrationConfig returns a config with every field populated with
// its default value. It is what `adccal config` writes out.
func DefaultCalibrationConfig() *CalibrationConfig {
	e := EmptyCalibrationConfig()
	return &CalibrationConfig{
		PeakSigma:             ptrFloat64(e.GetPeakSigma()),
		PeakThreshold:         ptrFloat64(e.GetPeakThreshold()),
		PeakMinSignificance:   ptrFloat64(e.GetPeakMinSignificance()),
		PeakMinWidth:          ptrInt(e.GetPeakMinWidth()),
		PeakLowCutoff:         ptrFloat64(e.GetPeakLowCutoff()),
		PeakRefitMaxShift:     ptrFloat64(e.GetPeakRefitMaxShift()),
		GainTolerance:         ptrFloat64(e.GetGainTolerance()),
		BreakdownADC:          ptrFloat64(e.GetBreakdownADC()),
		BreakdownLowBins:      ptrInt(e.GetBreakdownLowBins()),
		BreakdownMaxRatio:     ptrFloat64(e.GetBreakdownMaxRatio()),
		DarkCountFloor:        ptrFloat64(e.GetDarkCountFloor()),
		DarkFitBelow:          ptrFloat64(e.GetDarkFitBelow()),
		DarkFitAbove:          ptrFloat64(e.GetDarkFitAbove()),
		DarkCountMinBin:       ptrInt(e.GetDarkCountMinBin()),
		DarkCountMaxBin:       ptrInt(e.GetDarkCountMaxBin()),
		DarkCountMinimum:      ptrFloat64(e.GetDarkCountMinimum()),
		LEDZeroBins:           ptrInt(e.GetLEDZeroBins()),
		NoLEDZeroBins:         ptrInt(e.GetNoLEDZeroBins()),
		PoissonFitEnabled:     ptrBool(e.GetPoissonFitEnabled()),
		PoissonMaxChiNDF:      ptrFloat64(e.GetPoissonMaxChiNDF()),
		LEDMatchMaxPValue:     ptrFloat64(e.GetLEDMatchMaxPValue()),
		DeadPedestal:          ptrFloat64(e.GetDeadPedestal()),
		MaxMissingChannels:    ptrInt(e.GetMaxMissingChannels()),
		UpdateMaxChiNDF:       ptrFloat64(e.GetUpdateMaxChiNDF()),
		UpdateSevereChiNDF:    ptrFloat64(e.GetUpdateSevereChiNDF()),
		PedestalTolerance:     ptrFloat64(e.GetPedestalTolerance()),
		PedestalDriftWarning:  ptrFloat64(e.GetPedestalDriftWarning()),
		UpdateFitBelow:        ptrFloat64(e.GetUpdateFitBelow()),
		UpdateFitAbove:        ptrFloat64(e.GetUpdateFitAbove()),
		UpdateInitialSigma:    ptrFloat64(e.GetUpdateInitialSigma()),
		UpdateSkipSeverity:    ptrInt(e.GetUpdateSkipSeverity()),
		UpdateMaxIssues:       ptrInt(e.GetUpdateMaxIssues()),
		ExportGainMin:         ptrFloat64(e.GetExportGainMin()),
		ExportGainMax:         ptrFloat64(e.GetExportGainMax()),
		StabilityDarkMax:      ptrFloat64(e.GetStabilityDarkMax()),
		StabilityLightMax:     ptrFloat64(e.GetStabilityLightMax()),
		StabilityDarkOutlier:  ptrFloat64(e.GetStabilityDarkOutlier()),
		StabilityLightOutlier: ptrFloat64(e.GetStabilityLightOutlier()),
		StabilityMaxOutliers:  ptrInt(e.GetStabilityMaxOutliers()),
		StabilityMinGain:      ptrFloat64(e.GetStabilityMinGain()),
		StabilityMinPedestal:  ptrFloat64(e.GetStabilityMinPedestal()),
	}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Unknown keys are
// rejected so that typos in threshold names do not silently fall back to
// defaults.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are physically sensible.
func (c *CalibrationConfig) Validate() error {
	positive := map[string]*float64{
		"peak_sigma":            c.PeakSigma,
		"peak_min_significance": c.PeakMinSignificance,
		"peak_refit_max_shift":  c.PeakRefitMaxShift,
		"poisson_max_chi_ndf":   c.PoissonMaxChiNDF,
		"update_max_chi_ndf":    c.UpdateMaxChiNDF,
		"update_severe_chi_ndf": c.UpdateSevereChiNDF,
		"pedestal_tolerance":    c.PedestalTolerance,
		"update_initial_sigma":  c.UpdateInitialSigma,
		"dark_count_floor":      c.DarkCountFloor,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	fractions := map[string]*float64{
		"peak_threshold":        c.PeakThreshold,
		"gain_tolerance":        c.GainTolerance,
		"breakdown_max_ratio":   c.BreakdownMaxRatio,
		"led_match_max_p_value": c.LEDMatchMaxPValue,
	}
	for name, v := range fractions {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	nonNegativeInts := map[string]*int{
		"peak_min_width":         c.PeakMinWidth,
		"breakdown_low_bins":     c.BreakdownLowBins,
		"led_zero_bins":          c.LEDZeroBins,
		"noled_zero_bins":        c.NoLEDZeroBins,
		"max_missing_channels":   c.MaxMissingChannels,
		"update_skip_severity":   c.UpdateSkipSeverity,
		"stability_max_outliers": c.StabilityMaxOutliers,
	}
	for name, v := range nonNegativeInts {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	if c.GetDarkCountMinBin() > c.GetDarkCountMaxBin() {
		return fmt.Errorf("dark_count_min_bin (%d) must not exceed dark_count_max_bin (%d)",
			c.GetDarkCountMinBin(), c.GetDarkCountMaxBin())
	}
	if c.GetExportGainMin() >= c.GetExportGainMax() {
		return fmt.Errorf("export_gain_min (%f) must be below export_gain_max (%f)",
			c.GetExportGainMin(), c.GetExportGainMax())
	}
	if c.GetPedestalDriftWarning() > c.GetPedestalTolerance() {
		return fmt.Errorf("pedestal_drift_warning (%f) must not exceed pedestal_tolerance (%f)",
			c.GetPedestalDriftWarning(), c.GetPedestalTolerance())
	}
	if c.GetUpdateSevereChiNDF() < c.GetUpdateMaxChiNDF() {
		return fmt.Errorf("update_severe_chi_ndf (%f) must not be below update_max_chi_ndf (%f)",
			c.GetUpdateSevereChiNDF(), c.GetUpdateMaxChiNDF())
	}
	return nil
}

// GetPeakSigma returns the peak search kernel width in bins.
func (c *CalibrationConfig) GetPeakSigma() float64 { return orDefault(c.PeakSigma, 1.95) }

// GetPeakThreshold returns the minimum peak height relative to the highest peak.
func (c *CalibrationConfig) GetPeakThreshold() float64 { return orDefault(c.PeakThreshold, 0.005) }

// GetPeakMinSignificance returns the minimum filter response in standard deviations.
func (c *CalibrationConfig) GetPeakMinSignificance() float64 {
	return orDefault(c.PeakMinSignificance, 3.0)
}

// GetPeakMinWidth returns the minimum peak width in bins.
func (c *CalibrationConfig) GetPeakMinWidth() int { return orDefault(c.PeakMinWidth, 2) }

// GetPeakLowCutoff returns the ADC value at or below which peaks are discarded.
func (c *CalibrationConfig) GetPeakLowCutoff() float64 { return orDefault(c.PeakLowCutoff, 1.0) }

// GetPeakRefitMaxShift returns the largest accepted shift of a refitted peak.
func (c *CalibrationConfig) GetPeakRefitMaxShift() float64 {
	return orDefault(c.PeakRefitMaxShift, 3.0)
}

// GetGainTolerance returns the accepted deviation of a peak spacing from the median.
func (c *CalibrationConfig) GetGainTolerance() float64 { return orDefault(c.GainTolerance, 0.2) }

func (c *CalibrationConfig) GetBreakdownADC() float64 { return orDefault(c.BreakdownADC, 240) }
func (c *CalibrationConfig) GetBreakdownLowBins() int { return orDefault(c.BreakdownLowBins, 5) }
func (c *CalibrationConfig) GetBreakdownMaxRatio() float64 {
	return orDefault(c.BreakdownMaxRatio, 0.01)
}

// GetDarkCountFloor returns the smallest dark count reported for a channel with data.
func (c *CalibrationConfig) GetDarkCountFloor() float64 { return orDefault(c.DarkCountFloor, 1e-4) }

func (c *CalibrationConfig) GetDarkFitBelow() float64 { return orDefault(c.DarkFitBelow, 14) }
func (c *CalibrationConfig) GetDarkFitAbove() float64 { return orDefault(c.DarkFitAbove, 3) }
func (c *CalibrationConfig) GetDarkCountMinBin() int { return orDefault(c.DarkCountMinBin, 1) }
func (c *CalibrationConfig) GetDarkCountMaxBin() int { return orDefault(c.DarkCountMaxBin, 127) }
func (c *CalibrationConfig) GetDarkCountMinimum() float64 {
	return orDefault(c.DarkCountMinimum, 0.5)
}

// GetLEDZeroBins returns how many low ADC bins are cleared in LED spectra.
func (c *CalibrationConfig) GetLEDZeroBins() int { return orDefault(c.LEDZeroBins, 10) }

// GetNoLEDZeroBins returns how many low ADC bins are cleared in LED-off spectra.
func (c *CalibrationConfig) GetNoLEDZeroBins() int { return orDefault(c.NoLEDZeroBins, 15) }

func (c *CalibrationConfig) GetPoissonFitEnabled() bool { return orDefault(c.PoissonFitEnabled, true) }

// GetPoissonMaxChiNDF returns the reduced chi-square above which a joint fit is rejected.
func (c *CalibrationConfig) GetPoissonMaxChiNDF() float64 {
	return orDefault(c.PoissonMaxChiNDF, 5.0)
}

// GetLEDMatchMaxPValue returns the p-value above which LED and LED-off
// spectra are considered indistinguishable.
func (c *CalibrationConfig) GetLEDMatchMaxPValue() float64 {
	return orDefault(c.LEDMatchMaxPValue, 0.03)
}

// GetDeadPedestal returns the pedestal at or below which a channel is dead.
func (c *CalibrationConfig) GetDeadPedestal() float64 { return orDefault(c.DeadPedestal, 1.0) }

func (c *CalibrationConfig) GetMaxMissingChannels() int {
	return orDefault(c.MaxMissingChannels, 1500)
}

func (c *CalibrationConfig) GetUpdateMaxChiNDF() float64 { return orDefault(c.UpdateMaxChiNDF, 8.0) }
func (c *CalibrationConfig) GetUpdateSevereChiNDF() float64 {
	return orDefault(c.UpdateSevereChiNDF, 250.0)
}

// GetPedestalTolerance returns the largest pedestal jump accepted by an update.
func (c *CalibrationConfig) GetPedestalTolerance() float64 {
	return orDefault(c.PedestalTolerance, 3.0)
}

// GetPedestalDriftWarning returns the pedestal drift that is accepted but noted.
func (c *CalibrationConfig) GetPedestalDriftWarning() float64 {
	return orDefault(c.PedestalDriftWarning, 0.5)
}

func (c *CalibrationConfig) GetUpdateFitBelow() float64 { return orDefault(c.UpdateFitBelow, 8) }
func (c *CalibrationConfig) GetUpdateFitAbove() float64 { return orDefault(c.UpdateFitAbove, 3) }
func (c *CalibrationConfig) GetUpdateInitialSigma() float64 { return orDefault(c.UpdateInitialSigma, 1.8) }
func (c *CalibrationConfig) GetUpdateSkipSeverity() int { return orDefault(c.UpdateSkipSeverity, 4) }

// GetUpdateMaxIssues returns how many issues a single update pass may
// raise before the old constants are retained.
func (c *CalibrationConfig) GetUpdateMaxIssues() int {
	return orDefault(c.UpdateMaxIssues, 1)
}

func (c *CalibrationConfig) GetExportGainMin() float64 { return orDefault(c.ExportGainMin, 2) }
func (c *CalibrationConfig) GetExportGainMax() float64 { return orDefault(c.ExportGainMax, 30) }

func (c *CalibrationConfig) GetStabilityDarkMax() float64 {
	return orDefault(c.StabilityDarkMax, 0.01)
}
func (c *CalibrationConfig) GetStabilityLightMax() float64 {
	return orDefault(c.StabilityLightMax, 0.02)
}
func (c *CalibrationConfig) GetStabilityDarkOutlier() float64 {
	return orDefault(c.StabilityDarkOutlier, 0.05)
}
func (c *CalibrationConfig) GetStabilityLightOutlier() float64 {
	return orDefault(c.StabilityLightOutlier, 0.08)
}
func (c *CalibrationConfig) GetStabilityMaxOutliers() int {
	return orDefault(c.StabilityMaxOutliers, 32)
}
func (c *CalibrationConfig) GetStabilityMinGain() float64 {
	return orDefault(c.StabilityMinGain, 1.0)
}
func (c *CalibrationConfig) GetStabilityMinPedestal() float64 {
	return orDefault(c.StabilityMinPedestal, 1.0)
}
