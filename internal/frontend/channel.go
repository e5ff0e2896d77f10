// Package frontend holds the per-channel calibration records of the SciFi
// tracker front-end electronics and the files they are read from and
// written to.
package frontend

import (
	"github.com/mice-scifi/adccal/internal/lye"
	"github.com/mice-scifi/adccal/internal/poisson"
)

// Electronics geometry.
const (
	ChannelsPerModule = 64
	ChannelsPerBank   = 128
	ModulesPerBoard   = 8
	BanksPerBoard     = 4
	NumBoards         = 16
	NumChannels       = NumBoards * ModulesPerBoard * ChannelsPerModule
)

// ChannelStatus is the overall verdict on a channel.
type ChannelStatus string

const (
	StatusNoData ChannelStatus = "NODATA"
	StatusGood   ChannelStatus = "GOOD"
	StatusBad    ChannelStatus = "BAD"
)

// Issue tags.
const (
	IssueInternalLED       = "InternalLED"
	IssueExternalLED       = "ExternalLED"
	IssuePoissonFit        = "PoissonFit"
	IssueData              = "Data"
	IssueCalibrationUpdate = "Calibration Update"
	IssueAcceptedBad       = "AcceptedBad"
	IssueBadChannel        = "BadChannel"
)

// UnusableSeverity is the lowest severity that marks a channel unusable.
const UnusableSeverity = 5

// Issue is one entry of a channel's audit trail.
type Issue struct {
	ChannelUID int    `json:"ChannelUID"`
	Severity   int    `json:"Severity"`
	Issue      string `json:"Issue"`
	Comment    string `json:"Comment"`
}

// IsAcceptedBad reports whether the issue is a manual severity-0 override.
func (i Issue) IsAcceptedBad() bool {
	return i.Issue == IssueAcceptedBad && i.Severity == 0
}

// Channel is the calibration record of one front-end channel.
type Channel struct {
	ClassName string `json:"ClassName,omitempty"`

	ChannelUID    int `json:"ChannelUID"`
	Module        int `json:"Module"`
	ModuleUID     int `json:"ModuleUID"`
	Bank          int `json:"Bank"`
	BankUID       int `json:"BankUID"`
	Board         int `json:"Board"`
	ModuleChannel int `json:"ModuleChannel"`
	BankChannel   int `json:"BankChannel"`

	InTracker    int `json:"InTracker"`
	Tracker      int `json:"Tracker"`
	Station      int `json:"Station"`
	Plane        int `json:"Plane"`
	PlaneChannel int `json:"PlaneChannel"`

	Status ChannelStatus `json:"Status"`
	Issues []Issue       `json:"Issues"`

	LightYieldExtLED   *lye.Result     `json:"LightYieldExtLED"`
	LightYieldExtNoLED *lye.Result     `json:"LightYieldExtNoLED"`
	LightYieldIntLED   *lye.Result     `json:"LightYieldIntLED"`
	LightYieldIntNoLED *lye.Result     `json:"LightYieldIntNoLED"`
	InternalPoissonFit *poisson.Result `json:"InternalPoissonFitResult,omitempty"`

	ADCPedestal  float64 `json:"ADC_Pedestal"`
	ADCGain      float64 `json:"ADC_Gain"`
	LightYield   float64 `json:"Light_Yield"`
	DarkYield    float64 `json:"Dark_Yield"`
	Noise1PERate float64 `json:"noise_1pe_rate"`
	Noise2PERate float64 `json:"noise_2pe_rate"`
}

// NewChannel returns an unmapped channel with its electronics identity
// derived from uid.
func NewChannel(uid int) Channel {
	moduleUID := uid / ChannelsPerModule
	bankUID := uid / ChannelsPerBank
	return Channel{
		ClassName:     "FrontEndChannel",
		ChannelUID:    uid,
		ModuleUID:     moduleUID,
		Module:        moduleUID % ModulesPerBoard,
		BankUID:       bankUID,
		Bank:          bankUID % BanksPerBoard,
		Board:         moduleUID / ModulesPerBoard,
		ModuleChannel: uid % ChannelsPerModule,
		BankChannel:   uid % ChannelsPerBank,
		Status:        StatusNoData,
		Issues:        []Issue{},
	}
}

// GenerateChannels returns every front-end channel in ChannelUID order.
func GenerateChannels() []Channel {
	chans := make([]Channel, NumChannels)
	for uid := range chans {
		chans[uid] = NewChannel(uid)
	}
	return chans
}

// AddIssue appends an issue tagged with the channel's UID.
func (c *Channel) AddIssue(severity int, tag, comment string) {
	c.Issues = append(c.Issues, Issue{
		ChannelUID: c.ChannelUID,
		Severity:   severity,
		Issue:      tag,
		Comment:    comment,
	})
}

// MaxSeverity returns the highest severity among the issues, ignoring
// AcceptedBad overrides.
func (c *Channel) MaxSeverity() int {
	max := 0
	for _, i := range c.Issues {
		if i.Issue == IssueAcceptedBad {
			continue
		}
		if i.Severity > max {
			max = i.Severity
		}
	}
	return max
}

// AcceptedBad reports whether a severity-0 AcceptedBad override is present.
func (c *Channel) AcceptedBad() bool {
	for _, i := range c.Issues {
		if i.IsAcceptedBad() {
			return true
		}
	}
	return false
}

// ClearAcceptedBad removes every AcceptedBad issue.
func (c *Channel) ClearAcceptedBad() {
	kept := c.Issues[:0]
	for _, i := range c.Issues {
		if i.Issue != IssueAcceptedBad {
			kept = append(kept, i)
		}
	}
	c.Issues = kept
}

// Usable reports whether the channel carries no issue at or above
// UnusableSeverity, or has been accepted despite them.
func (c *Channel) Usable() bool {
	return c.AcceptedBad() || c.MaxSeverity() < UnusableSeverity
}

// Calibrated reports whether the pedestal is above the dead-channel
// threshold.
func (c *Channel) Calibrated(deadPedestal float64) bool {
	return c.ADCPedestal > deadPedestal
}

// Clone returns a deep copy.
func (c Channel) Clone() Channel {
	out := c
	if c.Issues != nil {
		out.Issues = append(make([]Issue, 0, len(c.Issues)), c.Issues...)
	}
	out.LightYieldExtLED = cloneLYE(c.LightYieldExtLED)
	out.LightYieldExtNoLED = cloneLYE(c.LightYieldExtNoLED)
	out.LightYieldIntLED = cloneLYE(c.LightYieldIntLED)
	out.LightYieldIntNoLED = cloneLYE(c.LightYieldIntNoLED)
	if c.InternalPoissonFit != nil {
		pf := *c.InternalPoissonFit
		out.InternalPoissonFit = &pf
	}
	return out
}

func cloneLYE(r *lye.Result) *lye.Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Peaks = cloneFloats(r.Peaks)
	out.Integrals = cloneFloats(r.Integrals)
	return &out
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append(make([]float64, 0, len(v)), v...)
}

// CloneChannels deep-copies a channel list.
func CloneChannels(chans []Channel) []Channel {
	out := make([]Channel, len(chans))
	for i := range chans {
		out[i] = chans[i].Clone()
	}
	return out
}
