package config

import (
	"fmt"
	"path/filepath"
)

// ArtifactConfig configures the artifact store.
type ArtifactConfig struct {
	Root          string              `yaml:"root"`
	RetentionDays int                 `yaml:"retention_days"`
	MaxFileBytes  int64               `yaml:"max_file_bytes"`
	AllowedExt    map[string][]string `yaml:"allowed_ext"` // kind -> extensions
}

// DefaultArtifact returns the artifact store defaults for a workspace.
func DefaultArtifact(workspace string) ArtifactConfig {
	return ArtifactConfig{
		Root:          filepath.Join(workspace, ".qanerd", "artifacts"),
		RetentionDays: 30,
		MaxFileBytes:  100 << 20, // 100 MB
		AllowedExt: map[string][]string{
			"LOG":        {".log", ".txt"},
			"SCREENSHOT": {".png", ".jpg", ".jpeg"},
			"VIDEO":      {".mp4", ".webm"},
			"REPORT":     {".html", ".json", ".xml"},
		},
	}
}

// Validate checks the artifact settings.
func (c ArtifactConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("artifact.root is required")
	}
	if c.MaxFileBytes <= 0 {
		return fmt.Errorf("artifact.max_file_bytes must be positive, got %d", c.MaxFileBytes)
	}
	return nil
}
