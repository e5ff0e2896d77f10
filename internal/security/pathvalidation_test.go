package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "hist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hist", "led.csv"), nil, 0o644))

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"existing file", filepath.Join(dir, "hist", "led.csv"), true},
		{"file not written yet", filepath.Join(dir, "maus.json"), true},
		{"missing subdirectory", filepath.Join(dir, "plots", "a.png"), true},
		{"parent reference", filepath.Join(dir, "..", "fe.json"), false},
		{"nested escape", filepath.Join(dir, "hist", "..", "..", "x"), false},
		{"absolute elsewhere", "/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	dir, outside := t.TempDir(), t.TempDir()
	link := filepath.Join(dir, "data")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "led.csv"), dir))
}
