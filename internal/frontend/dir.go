package frontend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mice-scifi/adccal/internal/fsutil"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/security"
)

// DirConfigFile is the name of the config file inside a calibration
// directory.
const DirConfigFile = "config.json"

// DirConfig names the files of a calibration directory. Relative names are
// resolved against the directory.
type DirConfig struct {
	FECalibrations  string `json:"FECalibrations"`
	InternalLED     string `json:"InternalLED,omitempty"`
	InternalNoLED   string `json:"InternalNoLED,omitempty"`
	ExternalLED     string `json:"ExternalLED,omitempty"`
	ExternalNoLED   string `json:"ExternalNoLED,omitempty"`
	Mapping         string `json:"Mapping,omitempty"`
	BadChannels     string `json:"BadChannels,omitempty"`
	MAUSCalibration string `json:"MAUSCalibration,omitempty"`
}

// Dir is an opened calibration directory.
type Dir struct {
	Path   string
	Config DirConfig
	Status Status
}

// OpenDir reads the config and status of the calibration directory at path.
func OpenDir(path string) (*Dir, error) {
	data, err := os.ReadFile(filepath.Join(path, DirConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration config: %w", err)
	}
	d := &Dir{Path: path}
	if err := decodeStrict(data, &d.Config); err != nil {
		return nil, fmt.Errorf("failed to parse calibration config: %w", err)
	}
	if d.Config.FECalibrations == "" {
		return nil, fmt.Errorf("calibration config %s: FECalibrations is required", path)
	}
	for _, name := range d.Config.names() {
		if name == "" || filepath.IsAbs(name) {
			continue
		}
		if err := security.ValidatePathWithinDirectory(d.File(name), path); err != nil {
			return nil, fmt.Errorf("calibration config %s: %w", path, err)
		}
	}
	if d.Status, err = LoadStatus(path); err != nil {
		return nil, err
	}
	return d, nil
}

func (c DirConfig) names() []string {
	return []string{
		c.FECalibrations, c.InternalLED, c.InternalNoLED, c.ExternalLED,
		c.ExternalNoLED, c.Mapping, c.BadChannels, c.MAUSCalibration,
	}
}

// File resolves a configured file name. Empty names stay empty.
func (d *Dir) File(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.Path, name)
}

// LoadChannels reads the directory's channel list, generating a fresh
// unmapped list when none has been written yet.
func (d *Dir) LoadChannels() ([]Channel, error) {
	path := d.File(d.Config.FECalibrations)
	if !fsutil.Exists(path) {
		monitoring.Logf("no channel list at %s, generating %d empty channels", path, NumChannels)
		return GenerateChannels(), nil
	}
	return LoadChannels(path)
}

// SaveChannels writes the directory's channel list.
func (d *Dir) SaveChannels(chans []Channel) error {
	return SaveChannels(d.File(d.Config.FECalibrations), chans)
}

// SaveStatus writes the directory's status.
func (d *Dir) SaveStatus() error {
	return SaveStatus(d.Path, d.Status)
}

// LoadHistogram reads one of the configured 2D histograms. A name that is
// not configured returns nil and no error.
func (d *Dir) LoadHistogram(name string) (*histogram.Histogram2D, error) {
	if name == "" {
		return nil, nil
	}
	return histogram.LoadHistogram2DCSV(d.File(name))
}

// Histograms holds the LED on/off spectra of one light source.
type Histograms struct {
	LED   *histogram.Histogram2D
	NoLED *histogram.Histogram2D
}

// LoadInternal reads the internal LED histograms.
func (d *Dir) LoadInternal() (Histograms, error) {
	return d.loadPair(d.Config.InternalLED, d.Config.InternalNoLED)
}

// LoadExternal reads the external LED histograms.
func (d *Dir) LoadExternal() (Histograms, error) {
	return d.loadPair(d.Config.ExternalLED, d.Config.ExternalNoLED)
}

func (d *Dir) loadPair(led, noLED string) (Histograms, error) {
	var h Histograms
	var err error
	if h.LED, err = d.LoadHistogram(led); err != nil {
		return h, err
	}
	if h.NoLED, err = d.LoadHistogram(noLED); err != nil {
		return h, err
	}
	return h, nil
}
