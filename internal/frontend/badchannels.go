package frontend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var badChannelHeader = []string{"ChannelUID", "Severity", "Issue", "Comment"}

// ReadBadChannels parses a CSV list of known bad channels with the header
// ChannelUID,Severity,Issue,Comment.
func ReadBadChannels(r io.Reader) ([]Issue, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read bad channel header: %w", err)
	}
	if len(header) != len(badChannelHeader) {
		return nil, fmt.Errorf("bad channel header %q, want %q", strings.Join(header, ","), strings.Join(badChannelHeader, ","))
	}
	for i, h := range header {
		if strings.TrimSpace(h) != badChannelHeader[i] {
			return nil, fmt.Errorf("bad channel header column %d is %q, want %q", i+1, h, badChannelHeader[i])
		}
	}

	var issues []Issue
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read bad channel record: %w", err)
		}
		uid, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid ChannelUID '%s': %w", rec[0], err)
		}
		sev, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid Severity '%s': %w", rec[1], err)
		}
		if sev < 0 || sev > 10 {
			return nil, fmt.Errorf("channel %d: severity %d outside 0..10", uid, sev)
		}
		issues = append(issues, Issue{ChannelUID: uid, Severity: sev, Issue: rec[2], Comment: rec[3]})
	}
	return issues, nil
}

// ApplyBadChannels appends each issue to its channel and marks the channel
// BAD. chans must be indexed by ChannelUID.
func ApplyBadChannels(chans []Channel, issues []Issue) error {
	for _, is := range issues {
		if is.ChannelUID < 0 || is.ChannelUID >= len(chans) {
			return fmt.Errorf("bad channel %d out of range", is.ChannelUID)
		}
		c := &chans[is.ChannelUID]
		if c.ChannelUID != is.ChannelUID {
			return fmt.Errorf("channel list out of order at %d", is.ChannelUID)
		}
		c.Issues = append(c.Issues, is)
		c.Status = StatusBad
	}
	return nil
}

// LoadBadChannels reads a bad channel list from path.
func LoadBadChannels(path string) ([]Issue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bad channel list: %w", err)
	}
	defer f.Close()
	return ReadBadChannels(f)
}
