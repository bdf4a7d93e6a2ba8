// Package artifacts discovers and classifies files a run produced in its
// workspace. Scanning is read-only and deterministic.
package artifacts

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

// Scan enumerates the regular files directly under the workspace, skipping
// scratch files, and classifies each by extension. Results are ordered by
// filename. An empty or missing workspace yields an empty slice.
func Scan(workspacePath string) ([]domain.Artifact, error) {
	entries, err := os.ReadDir(workspacePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Artifact{}, nil
		}
		return nil, err
	}

	artifacts := make([]domain.Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || skip(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, domain.Artifact{
			Filename: entry.Name(),
			Path:     filepath.Join(workspacePath, entry.Name()),
			Kind:     domain.ClassifyArtifact(entry.Name()),
			Size:     info.Size(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Filename < artifacts[j].Filename
	})
	return artifacts, nil
}

// skip filters scratch and interpreter leftovers out of the artifact list.
func skip(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, ".pyc") || strings.HasSuffix(name, ".tmp") {
		return true
	}
	return name == "__pycache__"
}
