package domain

import (
	"path/filepath"
	"strings"
)

// ArtifactKind classifies a discovered workspace file
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactText  ArtifactKind = "text"
	ArtifactData  ArtifactKind = "data"
	ArtifactCode  ArtifactKind = "code"
	ArtifactOther ArtifactKind = "other"
)

// Artifact is a file discovered in a run's workspace after completion.
// Artifacts are discovered, never created, by the scanner.
type Artifact struct {
	Filename string       `json:"filename"`
	Path     string       `json:"path"`
	Kind     ArtifactKind `json:"kind"`
	Size     int64        `json:"size"`
}

var kindByExt = map[string]ArtifactKind{
	".png":  ArtifactImage,
	".jpg":  ArtifactImage,
	".jpeg": ArtifactImage,
	".gif":  ArtifactImage,
	".svg":  ArtifactImage,
	".md":   ArtifactText,
	".txt":  ArtifactText,
	".html": ArtifactText,
	".json": ArtifactData,
	".csv":  ArtifactData,
	".yaml": ArtifactData,
	".yml":  ArtifactData,
	".py":   ArtifactCode,
	".go":   ArtifactCode,
	".js":   ArtifactCode,
	".sh":   ArtifactCode,
	".sql":  ArtifactCode,
}

// ClassifyArtifact maps a filename to its artifact kind by extension
func ClassifyArtifact(filename string) ArtifactKind {
	ext := strings.ToLower(filepath.Ext(filename))
	if kind, ok := kindByExt[ext]; ok {
		return kind
	}
	return ArtifactOther
}
