package frontend

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMappingIncomplete is returned when too many front-end channels are
// missing from the tracker mapping for the run to be trusted.
var ErrMappingIncomplete = errors.New("too many channels missing from tracker mapping")

// MapEntry locates one electronics channel in the tracker.
type MapEntry struct {
	ChannelUID   int
	Board        int
	Bank         int
	BankChannel  int
	Tracker      int
	Station      int // 0-based
	Plane        int
	PlaneChannel int
}

// Mapping is keyed by ChannelUID.
type Mapping map[int]MapEntry

// ReadMapping parses whitespace separated lines of
// "board bank elchannel tracker station plane planechannel". Stations are
// stored 0-based. Blank lines and lines starting with '#' are skipped.
func ReadMapping(r io.Reader) (Mapping, error) {
	m := make(Mapping)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		words := strings.Fields(text)
		if len(words) < 7 {
			return nil, fmt.Errorf("mapping line %d: want 7 fields, got %d", line, len(words))
		}
		var v [7]int
		for i := range v {
			n, err := strconv.Atoi(words[i])
			if err != nil {
				return nil, fmt.Errorf("mapping line %d field %d: %w", line, i+1, err)
			}
			v[i] = n
		}
		uid := v[0]*ModulesPerBoard*ChannelsPerModule + v[1]*ChannelsPerBank + v[2]
		if uid < 0 || uid >= NumChannels {
			return nil, fmt.Errorf("mapping line %d: channel %d out of range", line, uid)
		}
		m[uid] = MapEntry{
			ChannelUID:   uid,
			Board:        v[0],
			Bank:         v[1],
			BankChannel:  v[2],
			Tracker:      v[3],
			Station:      v[4] - 1,
			Plane:        v[5],
			PlaneChannel: v[6],
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	return m, nil
}

// LoadMapping reads a mapping file.
func LoadMapping(path string) (Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping: %w", err)
	}
	defer f.Close()
	return ReadMapping(f)
}

// ApplyMapping sets the tracker location of every mapped channel and clears
// InTracker on the rest. It fails with ErrMappingIncomplete when more than
// maxMissing channels are unmapped; chans are modified either way.
func ApplyMapping(chans []Channel, m Mapping, maxMissing int) (missing int, err error) {
	for i := range chans {
		c := &chans[i]
		e, ok := m[c.ChannelUID]
		if !ok {
			c.InTracker = 0
			missing++
			continue
		}
		c.InTracker = 1
		c.Tracker = e.Tracker
		c.Station = e.Station
		c.Plane = e.Plane
		c.PlaneChannel = e.PlaneChannel
	}
	if missing > maxMissing {
		return missing, fmt.Errorf("%w: %d missing, at most %d allowed", ErrMappingIncomplete, missing, maxMissing)
	}
	return missing, nil
}
