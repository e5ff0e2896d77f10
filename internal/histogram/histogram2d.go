package histogram

import (
	"errors"
	"fmt"
)

// ErrChannelOutOfRange is returned when a projection is requested for a
// channel the 2D histogram does not hold.
var ErrChannelOutOfRange = errors.New("channel out of range")

// Histogram2D is a channel-by-ADC count histogram as recorded by the DAQ.
// The channel axis is addressed by 1-based bin number: bin 1 holds
// ChannelUID 0.
type Histogram2D struct {
	NXBins int
	YLow   float64
	YHigh  float64
	rows   [][]float64 // rows[xbin-1]
	nybins int
}

// New2D returns an empty histogram with nx channel bins and ny ADC bins
// over [ylow, yhigh).
func New2D(nx, ny int, ylow, yhigh float64) *Histogram2D {
	if nx <= 0 || ny <= 0 || !(yhigh > ylow) {
		panic(fmt.Sprintf("histogram: invalid 2D binning %dx%d [%g, %g)", nx, ny, ylow, yhigh))
	}
	rows := make([][]float64, nx)
	for i := range rows {
		rows[i] = make([]float64, ny)
	}
	return &Histogram2D{NXBins: nx, YLow: ylow, YHigh: yhigh, rows: rows, nybins: ny}
}

// NYBins returns the number of ADC bins.
func (h *Histogram2D) NYBins() int { return h.nybins }

// SetBinContent sets the count at 1-based channel bin xbin and ADC bin ybin.
func (h *Histogram2D) SetBinContent(xbin, ybin int, v float64) error {
	if xbin < 1 || xbin > h.NXBins {
		return fmt.Errorf("x bin %d: %w", xbin, ErrChannelOutOfRange)
	}
	if ybin < 0 || ybin >= h.nybins {
		return fmt.Errorf("y bin %d outside [0, %d)", ybin, h.nybins)
	}
	h.rows[xbin-1][ybin] = v
	return nil
}

// BinContent returns the count at 1-based channel bin xbin and ADC bin ybin.
func (h *Histogram2D) BinContent(xbin, ybin int) float64 {
	if xbin < 1 || xbin > h.NXBins || ybin < 0 || ybin >= h.nybins {
		return 0
	}
	return h.rows[xbin-1][ybin]
}

// ProjectionY returns a copy of the ADC spectrum held in 1-based channel
// bin xbin.
func (h *Histogram2D) ProjectionY(xbin int) (*Histogram1D, error) {
	if xbin < 1 || xbin > h.NXBins {
		return nil, fmt.Errorf("x bin %d: %w", xbin, ErrChannelOutOfRange)
	}
	return FromContents(h.rows[xbin-1], h.YLow, h.YHigh), nil
}

// ProjectChannel returns the ADC spectrum of a front-end channel. Channel
// ids are 0-based while the channel axis is 1-based, so the spectrum lives
// in bin channelUID+1.
func (h *Histogram2D) ProjectChannel(channelUID int) (*Histogram1D, error) {
	return h.ProjectionY(channelUID + 1)
}

// SetChannel stores spectrum as the projection of channelUID.
func (h *Histogram2D) SetChannel(channelUID int, spectrum *Histogram1D) error {
	xbin := channelUID + 1
	if xbin < 1 || xbin > h.NXBins {
		return fmt.Errorf("channel %d: %w", channelUID, ErrChannelOutOfRange)
	}
	if spectrum.NBins() != h.nybins {
		return fmt.Errorf("channel %d: spectrum has %d bins, want %d", channelUID, spectrum.NBins(), h.nybins)
	}
	copy(h.rows[xbin-1], spectrum.Contents)
	return nil
}
