package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactWriter stores a rendered export and returns where it lives.
type ArtifactWriter interface {
	Write(ctx context.Context, runID, format string, data []byte) (string, error)
}

// MemoryArtifacts keeps nothing and hands out a stable pseudo URI. The bytes
// are returned to the caller of Export directly.
type MemoryArtifacts struct{}

// Write implements ArtifactWriter.
func (MemoryArtifacts) Write(_ context.Context, runID, format string, _ []byte) (string, error) {
	return fmt.Sprintf("memory://runs/%s/report.%s", runID, format), nil
}

// FileArtifacts writes exports under Dir/<run_id>/report.<format>.
type FileArtifacts struct {
	Dir string
}

// Write implements ArtifactWriter.
func (f FileArtifacts) Write(_ context.Context, runID, format string, data []byte) (string, error) {
	dir := filepath.Join(f.Dir, runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, "report."+format)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
