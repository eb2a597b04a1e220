package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTrainConfigMissingFile(t *testing.T) {
	cfg, err := LoadTrainConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadTrainConfig failed: %v", err)
	}

	def := DefaultTrainConfig()
	if cfg.Diffusion.Kind != def.Diffusion.Kind {
		t.Errorf("expected default diffusion kind %q, got %q", def.Diffusion.Kind, cfg.Diffusion.Kind)
	}
	if cfg.Training.BatchSize != def.Training.BatchSize {
		t.Errorf("expected default batch size %d, got %d", def.Training.BatchSize, cfg.Training.BatchSize)
	}
}

func TestTrainConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "train.yaml")

	cfg := DefaultTrainConfig()
	cfg.Data.Path = "somewhere/else"
	cfg.Model.Features = 96
	cfg.Diffusion.Levels = 12
	cfg.Training.Seed = 7

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadTrainConfig(path)
	if err != nil {
		t.Fatalf("LoadTrainConfig failed: %v", err)
	}

	if loaded.Data.Path != "somewhere/else" {
		t.Errorf("Data.Path = %q, want %q", loaded.Data.Path, "somewhere/else")
	}
	if loaded.Model.Features != 96 {
		t.Errorf("Model.Features = %d, want 96", loaded.Model.Features)
	}
	if loaded.Diffusion.Levels != 12 {
		t.Errorf("Diffusion.Levels = %d, want 12", loaded.Diffusion.Levels)
	}
	if loaded.Training.Seed != 7 {
		t.Errorf("Training.Seed = %d, want 7", loaded.Training.Seed)
	}
}

func TestTrainConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	content := "training:\n  batchSize: 4\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadTrainConfig(path)
	if err != nil {
		t.Fatalf("LoadTrainConfig failed: %v", err)
	}

	if cfg.Training.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4 from file", cfg.Training.BatchSize)
	}
	// Untouched fields keep their defaults.
	if cfg.Model.Features != DefaultTrainConfig().Model.Features {
		t.Errorf("Features = %d, want default %d", cfg.Model.Features, DefaultTrainConfig().Model.Features)
	}
}

func TestTrainConfigValidate(t *testing.T) {
	cfg := DefaultTrainConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	cfg.Data.Channels = 3
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for 3 channels")
	}

	cfg = DefaultTrainConfig()
	cfg.Diffusion.Kind = "unknown"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown diffusion kind")
	}

	cfg = DefaultTrainConfig()
	cfg.Model.EmbeddingSize = 7
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for odd embedding size")
	}

	cfg = DefaultTrainConfig()
	cfg.Training.EMARate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for EMA rate above 1")
	}
}

func TestReconConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.yaml")

	cfg := DefaultReconConfig()
	cfg.Pattern.Kind = "equispaced"
	cfg.Sampler.Chains = 16
	cfg.Sampler.SampleCounts = []int{1, 4, 16}
	cfg.Baseline.Pics = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadReconConfig(path)
	if err != nil {
		t.Fatalf("LoadReconConfig failed: %v", err)
	}

	if loaded.Pattern.Kind != "equispaced" {
		t.Errorf("Pattern.Kind = %q, want %q", loaded.Pattern.Kind, "equispaced")
	}
	if loaded.Sampler.Chains != 16 {
		t.Errorf("Sampler.Chains = %d, want 16", loaded.Sampler.Chains)
	}
	if len(loaded.Sampler.SampleCounts) != 3 || loaded.Sampler.SampleCounts[2] != 16 {
		t.Errorf("SampleCounts = %v, want [1 4 16]", loaded.Sampler.SampleCounts)
	}
	if !loaded.Baseline.Pics {
		t.Error("Baseline.Pics not preserved")
	}
}

func TestReconConfigValidate(t *testing.T) {
	cfg := DefaultReconConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	cfg.Pattern.Kind = "radial"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported pattern kind")
	}

	cfg = DefaultReconConfig()
	cfg.Sampler.SampleCounts = []int{1, 64}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sample count above chain count")
	}

	cfg = DefaultReconConfig()
	cfg.Checkpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty checkpoint path")
	}
}

func TestCreateDefaultConfigFiles(t *testing.T) {
	dir := t.TempDir()

	trainPath := filepath.Join(dir, "train.yaml")
	if err := CreateDefaultTrainConfigFile(trainPath); err != nil {
		t.Fatalf("CreateDefaultTrainConfigFile failed: %v", err)
	}
	if _, err := os.Stat(trainPath); err != nil {
		t.Errorf("train config file missing: %v", err)
	}

	reconPath := filepath.Join(dir, "recon.yaml")
	if err := CreateDefaultReconConfigFile(reconPath); err != nil {
		t.Fatalf("CreateDefaultReconConfigFile failed: %v", err)
	}
	if _, err := os.Stat(reconPath); err != nil {
		t.Errorf("recon config file missing: %v", err)
	}
}
