package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".foreman")

	expectedDirs := []string{
		"runs",
		"state",
		"logs",
		"locks",
		"quarantine",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(base, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_CopiesTemplateFiles(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".foreman")
	for _, f := range []string{"foreman.md", "config.yaml"} {
		path := filepath.Join(base, f)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("file %s does not exist: %v", f, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("file %s is empty", f)
		}
	}
}

func TestRun_AutoFillsConfig(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".foreman")
	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Worker.Model == "" {
		t.Error("worker.model is empty")
	}
	if cfg.Worker.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("worker.api_key_env: got %q", cfg.Worker.APIKeyEnv)
	}
	if cfg.Executor.MaxSteps != 40 {
		t.Errorf("executor.max_steps: got %d, want 40", cfg.Executor.MaxSteps)
	}
	if cfg.Executor.RetryAttempts != 3 {
		t.Errorf("executor.retry_attempts: got %d, want 3", cfg.Executor.RetryAttempts)
	}
}

func TestRun_NameOverride(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, "renamed"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".foreman", "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if cfg.Project.Name != "renamed" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "renamed")
	}
}

func TestRun_CreatesServeLock(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lockPath := filepath.Join(projectDir, ".foreman", "locks", "foreman.lock")
	info, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("foreman.lock does not exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("foreman.lock permissions: got %04o, want 0600", info.Mode().Perm())
	}
}

func TestRun_RejectsExistingDir(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)
	os.Mkdir(filepath.Join(projectDir, ".foreman"), 0755)

	err := Run(projectDir, "")
	if err == nil {
		t.Fatal("expected error for existing .foreman/")
	}
}
