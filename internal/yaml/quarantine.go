package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// Known file types under .foreman/.
const (
	FileTypeRun      = "run_backlog"
	FileTypeRunState = "run_state"
)

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// ValidateSchemaHeaderFromBytes checks that content parses and carries the
// expected file_type and a known schema_version.
func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if header.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (expected %d)",
			header.SchemaVersion, CurrentSchemaVersion)
	}
	if header.FileType != expectedFileType {
		return fmt.Errorf("unexpected file_type %q (expected %q)",
			header.FileType, expectedFileType)
	}
	return nil
}

// Quarantine moves a corrupted file into <foremanDir>/quarantine with a
// timestamped name so it stays available for diagnosis.
func Quarantine(foremanDir, filePath string) error {
	quarantineDir := filepath.Join(foremanDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s -> %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup replaces filePath with its .bak sibling if the backup is
// still valid YAML.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s -> %s", bakPath, filePath)
	return nil
}

// RecoverCorruptedFile quarantines the file, then restores from .bak, then
// falls back to a minimal skeleton of the given file type.
func RecoverCorruptedFile(foremanDir, filePath, fileType string) error {
	if err := Quarantine(foremanDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v — falling back to skeleton", filePath, err)
	} else {
		return nil
	}

	if err := generateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func generateSkeleton(filePath, fileType string) error {
	var skeleton any
	switch fileType {
	case FileTypeRun:
		skeleton = map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeRun,
			"run_id":         "",
			"epics":          []any{},
			"stories":        []any{},
		}
	case FileTypeRunState:
		skeleton = map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeRunState,
			"run_id":         "",
			"status":         "planning",
			"story_states":   map[string]any{},
			"story_results":  map[string]any{},
		}
	default:
		skeleton = map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}

	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}
