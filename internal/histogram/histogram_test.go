package histogram

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogram1DBasics(t *testing.T) {
	h := NewADC()
	require.Equal(t, 256, h.NBins())
	assert.Equal(t, 1.0, h.BinWidth())
	assert.Equal(t, 25.5, h.BinCenter(25))

	h.SetBinContent(24, 10)
	h.SetBinContent(25, 20)
	h.SetBinContent(26, 10)
	h.SetBinContent(-1, 99)
	h.SetBinContent(256, 99)

	assert.Equal(t, 40.0, h.Entries())
	assert.InDelta(t, 25.5, h.Mean(), 1e-12)
	assert.InDelta(t, math.Sqrt(0.5), h.RMS(), 1e-12)
	assert.Equal(t, 25, h.MaximumBin())
	assert.Equal(t, 30.0, h.Integral(25, 1000))
	assert.Equal(t, 40.0, h.Integral(-5, 26))
	assert.Equal(t, 0.0, h.Integral(30, 20))
}

func TestFindBin(t *testing.T) {
	h := New(10, 0, 20)
	tests := []struct {
		x    float64
		want int
	}{
		{-0.1, -1},
		{0, 0},
		{1.99, 0},
		{2, 1},
		{19.99, 9},
		{20, 10},
		{math.NaN(), -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.FindBin(tt.x), "x=%v", tt.x)
	}
}

func TestZeroBelowAndClone(t *testing.T) {
	h := NewADC()
	for i := range h.Contents {
		h.Contents[i] = 1
	}
	c := h.Clone()
	h.ZeroBelow(10)

	assert.Equal(t, 246.0, h.Entries())
	assert.Equal(t, 256.0, c.Entries(), "clone must not share storage")
	assert.Equal(t, 0.0, h.BinContent(9))
	assert.Equal(t, 1.0, h.BinContent(10))
}

func TestEmptyHistogramStatistics(t *testing.T) {
	h := NewADC()
	assert.Zero(t, h.Entries())
	assert.Zero(t, h.Mean())
	assert.Zero(t, h.RMS())
}

func TestProjectChannelOffByOne(t *testing.T) {
	h2 := New2D(8, 256, 0, 256)
	require.NoError(t, h2.SetBinContent(1, 30, 5)) // channel 0
	require.NoError(t, h2.SetBinContent(4, 40, 7)) // channel 3
	require.Error(t, h2.SetBinContent(0, 40, 7))   // no bin 0
	require.Error(t, h2.SetBinContent(9, 40, 7))   // beyond last channel

	ch0, err := h2.ProjectChannel(0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, ch0.BinContent(30))
	assert.Equal(t, 5.0, ch0.Entries())

	ch3, err := h2.ProjectChannel(3)
	require.NoError(t, err)
	assert.Equal(t, 7.0, ch3.BinContent(40))

	_, err = h2.ProjectChannel(8)
	assert.ErrorIs(t, err, ErrChannelOutOfRange)

	// Projections are copies.
	ch3.ZeroBelow(256)
	assert.Equal(t, 7.0, h2.BinContent(4, 40))
}

func TestSetChannel(t *testing.T) {
	h2 := New2D(4, 256, 0, 256)
	s := NewADC()
	s.SetBinContent(12, 3)
	require.NoError(t, h2.SetChannel(2, s))
	assert.Equal(t, 3.0, h2.BinContent(3, 12))

	assert.ErrorIs(t, h2.SetChannel(4, s), ErrChannelOutOfRange)
	assert.Error(t, h2.SetChannel(0, New(10, 0, 10)))
}

func TestCSVRoundTrip(t *testing.T) {
	h2 := New2D(3, 256, 0, 256)
	require.NoError(t, h2.SetBinContent(1, 25, 100))
	require.NoError(t, h2.SetBinContent(3, 31, 12.5))

	path := filepath.Join(t.TempDir(), "led.csv")
	require.NoError(t, SaveHistogram2DCSV(path, h2))

	got, err := LoadHistogram2DCSV(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NXBins)
	assert.Equal(t, 256, got.NYBins())
	assert.Equal(t, 100.0, got.BinContent(1, 25))
	assert.Equal(t, 12.5, got.BinContent(3, 31))
	assert.Equal(t, 0.0, got.BinContent(2, 25))
}

func TestReadHistogram2DCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"bad magic", "hist1d,1,256,0,256\n"},
		{"bad binning", "hist2d,0,256,0,256\n"},
		{"short record", "hist2d,1,256,0,256\n1,2\n"},
		{"channel bin zero", "hist2d,1,256,0,256\n0,2,3\n"},
		{"negative count", "hist2d,1,256,0,256\n1,2,-3\n"},
		{"garbage count", "hist2d,1,256,0,256\n1,2,abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadHistogram2DCSV(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestReadHistogram2DCSVComments(t *testing.T) {
	in := "# exported from run 1234\nhist2d,2,256,0,256\n# pedestal\n2,25,40\n"
	h2, err := ReadHistogram2DCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 40.0, h2.BinContent(2, 25))

	var buf bytes.Buffer
	require.NoError(t, WriteHistogram2DCSV(&buf, h2))
	assert.Equal(t, "hist2d,2,256,0,256\n2,25,40\n", buf.String())
}

func TestChi2Test(t *testing.T) {
	a := NewADC()
	b := NewADC()
	for i := 20; i < 40; i++ {
		a.Contents[i] = 100
		b.Contents[i] = 200
	}

	chi2, ndf, p, err := Chi2Test(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0, chi2, 1e-12)
	assert.Equal(t, 19, ndf)
	assert.InDelta(t, 1, p, 1e-9, "identical shapes are compatible")

	c := NewADC()
	for i := 60; i < 80; i++ {
		c.Contents[i] = 100
	}
	_, _, p, err = Chi2Test(a, c)
	require.NoError(t, err)
	assert.Less(t, p, 1e-6, "disjoint spectra are incompatible")

	_, _, _, err = Chi2Test(a, NewADC())
	assert.Error(t, err)
	_, _, _, err = Chi2Test(a, New(10, 0, 10))
	assert.Error(t, err)
}
