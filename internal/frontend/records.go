package frontend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mice-scifi/adccal/internal/fsutil"
)

// DecodeChannels reads a JSON channel list. Unknown keys are rejected.
func DecodeChannels(r io.Reader) ([]Channel, error) {
	var chans []Channel
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&chans); err != nil {
		return nil, fmt.Errorf("failed to parse channel list: %w", err)
	}
	for i, c := range chans {
		if c.ChannelUID != i {
			return nil, fmt.Errorf("channel at index %d has ChannelUID %d", i, c.ChannelUID)
		}
	}
	return chans, nil
}

// EncodeChannels writes chans as a JSON list.
func EncodeChannels(w io.Writer, chans []Channel) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(chans); err != nil {
		return fmt.Errorf("failed to encode channel list: %w", err)
	}
	return nil
}

// LoadChannels reads a channel list from path.
func LoadChannels(path string) ([]Channel, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open channel list: %w", err)
	}
	defer f.Close()
	return DecodeChannels(bufio.NewReader(f))
}

// SaveChannels writes chans to path, replacing any existing file.
func SaveChannels(path string, chans []Channel) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		return EncodeChannels(w, chans)
	})
}

// Status records which steps of the calibration workflow have run.
type Status struct {
	Mapped        bool   `json:"Mapped,omitempty"`
	BadFE         bool   `json:"BadFE,omitempty"`
	InternalLED   bool   `json:"InternalLED,omitempty"`
	ExternalLED   bool   `json:"ExternalLED,omitempty"`
	PostProcessed bool   `json:"PostProcessed,omitempty"`
	Checked       bool   `json:"Checked,omitempty"`
	Quality       bool   `json:"Quality,omitempty"`
	CheckedBy     string `json:"CheckedBy,omitempty"`
}

// StatusFile is the name of the status file inside a calibration directory.
const StatusFile = "status.json"

// LoadStatus reads dir/status.json. A missing file is an empty status.
func LoadStatus(dir string) (Status, error) {
	var st Status
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read status: %w", err)
	}
	if err := decodeStrict(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse status: %w", err)
	}
	return st, nil
}

// SaveStatus writes dir/status.json.
func SaveStatus(dir string, st Status) error {
	return fsutil.WriteFileAtomic(filepath.Join(dir, StatusFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
