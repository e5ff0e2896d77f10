package lye

import (
	"encoding/json"
	"fmt"
)

// ChannelState classifies a processed spectrum. PEPeaks is the only state
// that carries a calibration.
type ChannelState string

const (
	StateInvalid         ChannelState = "INVALID"
	StateNoData          ChannelState = "NoData"
	StateBreakdown       ChannelState = "Breakdown"
	StateNoPeaks         ChannelState = "NoPeaks"
	StateNoPEPeaks       ChannelState = "NoPEPeaks"
	StateLEDPeakMismatch ChannelState = "LEDPeakMismatch"
	StatePEPeaks         ChannelState = "PEPeaks"
)

var knownStates = map[ChannelState]bool{
	StateInvalid:         true,
	StateNoData:          true,
	StateBreakdown:       true,
	StateNoPeaks:         true,
	StateNoPEPeaks:       true,
	StateLEDPeakMismatch: true,
	StatePEPeaks:         true,
}

// UnmarshalJSON rejects unknown states.
func (s *ChannelState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !knownStates[ChannelState(v)] {
		return fmt.Errorf("unknown channel state %q", v)
	}
	*s = ChannelState(v)
	return nil
}
