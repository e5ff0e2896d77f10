package frontend

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/mice-scifi/adccal/internal/fsutil"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// MAUSEntry is one channel of the calibration consumed by the MAUS
// reconstruction.
type MAUSEntry struct {
	Bank        int     `json:"bank"`
	Channel     int     `json:"channel"`
	ADCPedestal float64 `json:"adc_pedestal"`
	ADCGain     float64 `json:"adc_gain"`
	TDCPedestal float64 `json:"tdc_pedestal"`
	TDCGain     float64 `json:"tdc_gain"`
}

// round2 rounds to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MAUSEntries converts chans to export entries. A gain outside
// [gainMin, gainMax] exports as zero pedestal and gain. TDC constants are
// always zero.
func MAUSEntries(chans []Channel, gainMin, gainMax float64) []MAUSEntry {
	out := make([]MAUSEntry, 0, len(chans))
	for _, c := range chans {
		e := MAUSEntry{
			Bank:        c.BankUID,
			Channel:     c.BankChannel,
			ADCPedestal: round2(c.ADCPedestal),
			ADCGain:     round2(c.ADCGain),
		}
		if c.ADCGain < gainMin || c.ADCGain > gainMax {
			if c.ADCGain > 1e-3 {
				monitoring.Channelf(c.ChannelUID, "gain %.2f outside [%g, %g], exporting zero", c.ADCGain, gainMin, gainMax)
			}
			e.ADCPedestal, e.ADCGain = 0, 0
		}
		out = append(out, e)
	}
	return out
}

// WriteMAUS writes the export entries of chans as JSON.
func WriteMAUS(w io.Writer, chans []Channel, gainMin, gainMax float64) error {
	if err := json.NewEncoder(w).Encode(MAUSEntries(chans, gainMin, gainMax)); err != nil {
		return fmt.Errorf("failed to encode MAUS calibration: %w", err)
	}
	return nil
}

// ExportMAUS writes the MAUS calibration file.
func ExportMAUS(path string, chans []Channel, gainMin, gainMax float64) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		return WriteMAUS(w, chans, gainMin, gainMax)
	})
}
