// Package plots draws the monitoring plots of a calibration: per-channel
// spectra with the fits that calibrated them, and the stability check
// residuals.
package plots

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/lye"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/stability"
)

// Default plot size.
const (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

// Palette returns n evenly spaced hues.
func Palette(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := range colors {
		colors[i] = colorful.Hsl(360*float64(i)/float64(n), 0.7, 0.45).Clamped()
	}
	return colors
}

// histXYs returns one point per bin centre.
func histXYs(h *histogram.Histogram1D) plotter.XYs {
	pts := make(plotter.XYs, h.NBins())
	for i := range pts {
		pts[i] = plotter.XY{X: h.BinCenter(i), Y: h.BinContent(i)}
	}
	return pts
}

func histLine(h *histogram.Histogram1D, c color.Color) (*plotter.Line, error) {
	l, err := plotter.NewLine(histXYs(h))
	if err != nil {
		return nil, err
	}
	l.StepStyle = plotter.MidStep
	l.Color = c
	l.Width = vg.Points(1)
	return l, nil
}

func verticalLine(x, ymin, ymax float64, c color.Color) (*plotter.Line, error) {
	l, err := plotter.NewLine(plotter.XYs{{X: x, Y: ymin}, {X: x, Y: ymax}})
	if err != nil {
		return nil, err
	}
	l.Color = c
	l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	return l, nil
}

func maxContent(hs ...*histogram.Histogram1D) float64 {
	var m float64
	for _, h := range hs {
		if h == nil {
			continue
		}
		m = math.Max(m, h.BinContent(h.MaximumBin()))
	}
	return m
}

// Spectrum plots the LED and NoLED spectra of ch, the peaks its light yield
// estimate found and, when present, the Poisson fit curves. Either spectrum
// may be nil.
func Spectrum(ch *frontend.Channel, led, noLED *histogram.Histogram1D) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Channel %d (bank %d, channel %d)", ch.ChannelUID, ch.BankUID, ch.BankChannel)
	p.X.Label.Text = "ADC"
	p.Y.Label.Text = "counts"
	colors := Palette(4)

	for i, s := range []struct {
		name string
		h    *histogram.Histogram1D
		res  *lye.Result
	}{
		{"LED", led, ch.LightYieldIntLED},
		{"NoLED", noLED, ch.LightYieldIntNoLED},
	} {
		if s.h == nil {
			continue
		}
		l, err := histLine(s.h, colors[i])
		if err != nil {
			return nil, err
		}
		p.Add(l)
		p.Legend.Add(s.name, l)

		if !s.res.Valid() {
			continue
		}
		marks := make(plotter.XYs, len(s.res.Peaks))
		for j, x := range s.res.Peaks {
			marks[j] = plotter.XY{X: x, Y: s.h.BinContent(s.h.FindBin(x))}
		}
		sc, err := plotter.NewScatter(marks)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Color = colors[i]
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
	}

	if fr := ch.InternalPoissonFit; fr != nil && fr.Status == fit.StatusOK {
		binWidth := 1.0
		if led != nil {
			binWidth = led.BinWidth()
		}
		for i, c := range []struct {
			name  string
			curve func(float64) float64
		}{
			{"dark fit", fr.Params.Dark().Curve(binWidth)},
			{"light fit", fr.Params.Light().Curve(binWidth)},
		} {
			f := plotter.NewFunction(c.curve)
			f.Samples = 512
			f.XMin, f.XMax = 0, 256
			f.Color = colors[2+i]
			f.Width = vg.Points(1)
			p.Add(f)
			p.Legend.Add(fmt.Sprintf("%s (chi2/ndf %.2f)", c.name, fr.ChiNDF()), f)
		}
	}

	if ch.ADCPedestal > 0 {
		l, err := verticalLine(ch.ADCPedestal, 0, maxContent(led, noLED), color.Gray{Y: 96})
		if err != nil {
			return nil, err
		}
		p.Add(l)
		p.Legend.Add(fmt.Sprintf("pedestal %.2f, gain %.2f", ch.ADCPedestal, ch.ADCGain), l)
	}

	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// Residuals plots one stability residual distribution with its outlier
// window.
func Residuals(r *stability.Residuals) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s residuals: mean %.4f, RMS %.4f, %d outliers", r.Name, r.Mean, r.RMS, r.Outliers)
	p.X.Label.Text = "new - old"
	p.Y.Label.Text = "channels"

	c := color.Color(color.RGBA{R: 0, G: 130, B: 60, A: 255})
	if !r.Pass {
		c = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	}
	l, err := histLine(r.Hist, c)
	if err != nil {
		return nil, err
	}
	p.Add(l)

	top := maxContent(r.Hist)
	for _, x := range []float64{-r.OutlierWindow, r.OutlierWindow} {
		w, err := verticalLine(x, 0, top, color.Gray{Y: 96})
		if err != nil {
			return nil, err
		}
		p.Add(w)
	}
	return p, nil
}

// PedestalDiff plots the pedestal change per channel.
func PedestalDiff(h *histogram.Histogram1D) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Pedestal change"
	p.X.Label.Text = "ChannelUID"
	p.Y.Label.Text = "new - old pedestal"
	sc, err := plotter.NewScatter(histXYs(h))
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Radius = vg.Points(1)
	p.Add(sc)
	return p, nil
}

// Yields plots the distribution of one per-channel quantity over the
// channels in the tracker.
func Yields(title string, chans []frontend.Channel, value func(*frontend.Channel) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "channels"

	var vs plotter.Values
	for i := range chans {
		if chans[i].InTracker == 0 {
			continue
		}
		vs = append(vs, value(&chans[i]))
	}
	if len(vs) == 0 {
		return p, nil
	}
	h, err := plotter.NewHist(vs, 100)
	if err != nil {
		return nil, err
	}
	h.FillColor = Palette(1)[0]
	p.Add(h)
	return p, nil
}

// Save writes p to path. The format follows the file extension.
func Save(p *plot.Plot, path string) error {
	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// saveTiles draws plots side by side into one file.
func saveTiles(plots []*plot.Plot, path string) error {
	format := filepath.Ext(path)
	if format == "" {
		return fmt.Errorf("plot file %s has no extension", path)
	}
	c, err := draw.NewFormattedCanvas(Width*vg.Length(len(plots)), Height, format[1:])
	if err != nil {
		return fmt.Errorf("failed to create %s canvas: %w", format, err)
	}
	tiles := draw.Tiles{Rows: 1, Cols: len(plots), PadX: vg.Millimeter, PadY: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{plots}, tiles, draw.New(c))
	for i, p := range plots {
		p.Draw(canvases[0][i])
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to create plot file: %w", err)
	}
	if _, err := c.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write plot %s: %w", path, err)
	}
	return f.Close()
}

// StabilityCheck writes StabilityCheck.png and StabilityCheck.pdf to dir,
// showing both residual distributions and the pedestal changes.
func StabilityCheck(res *stability.Result, dir string) ([]string, error) {
	dark, err := Residuals(res.Dark)
	if err != nil {
		return nil, err
	}
	light, err := Residuals(res.Light)
	if err != nil {
		return nil, err
	}
	ped, err := PedestalDiff(res.PedestalDiff)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}

	var written []string
	for _, ext := range []string{".png", ".pdf"} {
		path := filepath.Join(dir, "StabilityCheck"+ext)
		if err := saveTiles([]*plot.Plot{dark, light, ped}, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	monitoring.Logf("wrote stability plots to %s", dir)
	return written, nil
}

// ChannelSpectra writes channel_NNNN.png for each uid, using the internal
// LED histograms of h.
func ChannelSpectra(dir string, chans []frontend.Channel, h frontend.Histograms, uids []int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}
	var written []string
	for _, uid := range uids {
		if uid < 0 || uid >= len(chans) {
			return written, fmt.Errorf("channel %d out of range", uid)
		}
		led, err := project(h.LED, uid)
		if err != nil {
			return written, err
		}
		noLED, err := project(h.NoLED, uid)
		if err != nil {
			return written, err
		}
		p, err := Spectrum(&chans[uid], led, noLED)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, fmt.Sprintf("channel_%04d.png", uid))
		if err := Save(p, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func project(h *histogram.Histogram2D, uid int) (*histogram.Histogram1D, error) {
	if h == nil {
		return nil, nil
	}
	return h.ProjectChannel(uid)
}
