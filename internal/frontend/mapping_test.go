package frontend

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapping = `# board bank elch tracker station plane planech
0 0 0   0 1 0 212
0 1 5   0 1 1 3

1 0 88  1 5 2 100
`

func TestReadMapping(t *testing.T) {
	m, err := ReadMapping(strings.NewReader(testMapping))
	require.NoError(t, err)
	require.Len(t, m, 3)

	assert.Equal(t, MapEntry{ChannelUID: 0, Tracker: 0, Station: 0, Plane: 0, PlaneChannel: 212}, m[0])
	assert.Equal(t, MapEntry{ChannelUID: 133, Bank: 1, BankChannel: 5, Tracker: 0, Station: 0, Plane: 1, PlaneChannel: 3}, m[133])
	e := m[600]
	assert.Equal(t, 1, e.Board)
	assert.Equal(t, 4, e.Station)
	assert.Equal(t, 100, e.PlaneChannel)

	// Electronics ids in the file agree with those derived from the UID.
	c := NewChannel(600)
	assert.Equal(t, c.Board, e.Board)
	assert.Equal(t, c.Bank, e.Bank)
	assert.Equal(t, c.BankChannel, e.BankChannel)
}

func TestReadMapping_Errors(t *testing.T) {
	for name, in := range map[string]string{
		"short line":   "0 0 0 0 1 0\n",
		"not a number": "0 0 x 0 1 0 3\n",
		"out of range": "16 0 0 0 1 0 3\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMapping(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestApplyMapping(t *testing.T) {
	m, err := ReadMapping(strings.NewReader(testMapping))
	require.NoError(t, err)

	chans := GenerateChannels()
	chans[1].InTracker = 1

	missing, err := ApplyMapping(chans, m, NumChannels)
	require.NoError(t, err)
	assert.Equal(t, NumChannels-3, missing)

	assert.Equal(t, 1, chans[600].InTracker)
	assert.Equal(t, 1, chans[600].Tracker)
	assert.Equal(t, 4, chans[600].Station)
	assert.Equal(t, 2, chans[600].Plane)
	assert.Zero(t, chans[1].InTracker, "unmapped channels leave the tracker")

	_, err = ApplyMapping(chans, m, 10)
	assert.True(t, errors.Is(err, ErrMappingIncomplete))
}
