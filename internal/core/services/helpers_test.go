package services

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// newWorkspace creates a root with every shared parameter file in place.
func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{InputStructureFile, LoopsFile, ResfileFile, RestraintsFile, ScoreFunctionFile, FlagsFile} {
		writeFile(t, filepath.Join(root, name), name)
	}
	for _, focus := range []string{"build_models", "design_models", "validate_designs"} {
		writeFile(t, filepath.Join(root, focus+".xml"), "<ROSETTASCRIPTS/>")
	}
	return root
}
