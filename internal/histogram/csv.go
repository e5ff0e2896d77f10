package histogram

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// The 2D histogram text format is a sparse CSV:
//
//	hist2d,<nxbins>,<nybins>,<ylow>,<yhigh>
//	<xbin>,<ybin>,<count>
//	...
//
// xbin is the 1-based channel bin (ChannelUID+1), ybin the 0-based ADC bin.
// Lines starting with '#' are comments. Empty bins are omitted.
const csvMagic = "hist2d"

// LoadHistogram2DCSV reads a 2D histogram from path.
func LoadHistogram2DCSV(path string) (*Histogram2D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open histogram file: %w", err)
	}
	defer f.Close()

	h, err := ReadHistogram2DCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// ReadHistogram2DCSV parses the sparse CSV format from r.
func ReadHistogram2DCSV(r io.Reader) (*Histogram2D, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) != 5 || strings.TrimSpace(header[0]) != csvMagic {
		return nil, fmt.Errorf("invalid header %q, want %s,nx,ny,ylow,yhigh", strings.Join(header, ","), csvMagic)
	}
	nx, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("invalid nxbins '%s': %w", header[1], err)
	}
	ny, err := strconv.Atoi(header[2])
	if err != nil {
		return nil, fmt.Errorf("invalid nybins '%s': %w", header[2], err)
	}
	ylow, err := strconv.ParseFloat(header[3], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ylow '%s': %w", header[3], err)
	}
	yhigh, err := strconv.ParseFloat(header[4], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid yhigh '%s': %w", header[4], err)
	}
	if nx <= 0 || ny <= 0 || !(yhigh > ylow) {
		return nil, fmt.Errorf("invalid binning %dx%d [%g, %g)", nx, ny, ylow, yhigh)
	}

	h := New2D(nx, ny, ylow, yhigh)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		if len(rec) != 3 {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", line, len(rec))
		}
		xbin, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid xbin '%s': %w", rec[0], err)
		}
		ybin, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("invalid ybin '%s': %w", rec[1], err)
		}
		count, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid count '%s': %w", rec[2], err)
		}
		if count < 0 {
			return nil, fmt.Errorf("negative count %g at (%d, %d)", count, xbin, ybin)
		}
		if err := h.SetBinContent(xbin, ybin, count); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// WriteHistogram2DCSV writes h in the sparse CSV format.
func WriteHistogram2DCSV(w io.Writer, h *Histogram2D) error {
	cw := csv.NewWriter(w)
	header := []string{
		csvMagic,
		strconv.Itoa(h.NXBins),
		strconv.Itoa(h.nybins),
		strconv.FormatFloat(h.YLow, 'g', -1, 64),
		strconv.FormatFloat(h.YHigh, 'g', -1, 64),
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for x := 1; x <= h.NXBins; x++ {
		for y, v := range h.rows[x-1] {
			if v == 0 {
				continue
			}
			rec := []string{strconv.Itoa(x), strconv.Itoa(y), strconv.FormatFloat(v, 'g', -1, 64)}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveHistogram2DCSV writes h to path.
func SaveHistogram2DCSV(path string, h *Histogram2D) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create histogram file: %w", err)
	}
	if err := WriteHistogram2DCSV(f, h); err != nil {
		f.Close()
		return fmt.Errorf("failed to write histogram file: %w", err)
	}
	return f.Close()
}
