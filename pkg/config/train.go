// Package config provides configuration loading and management for the
// training and reconstruction pipelines. Settings are read from YAML
// files and every field has a sensible default, so partial files work.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// TrainConfig holds every setting of the prior training pipeline.
type TrainConfig struct {
	// Data parameters
	Data struct {
		// Path is the directory holding the .npz image volumes
		Path string `yaml:"path"`

		// URL optionally points at a dataset archive to download when
		// Path does not exist yet
		URL string `yaml:"url"`

		// SHA256 optionally pins the expected digest of the downloaded
		// archive
		SHA256 string `yaml:"sha256"`

		// ValFraction is the fraction of slices held out for validation
		ValFraction float64 `yaml:"valFraction"`

		// Channels selects the image representation: 1 trains on
		// magnitude data, 2 on real and imaginary parts
		Channels int `yaml:"channels"`

		// Normalize rescales each volume to unit peak magnitude
		Normalize bool `yaml:"normalize"`
	} `yaml:"data"`

	// Model parameters
	Model struct {
		// Features is the channel width of the convolutional trunk
		Features int `yaml:"features"`

		// ResidualBlocks is the number of conditioned residual blocks
		ResidualBlocks int `yaml:"residualBlocks"`

		// EmbeddingSize is the dimension of the noise-level embedding
		EmbeddingSize int `yaml:"embeddingSize"`
	} `yaml:"model"`

	// Diffusion parameters
	Diffusion struct {
		// Kind selects the noise schedule family: "ve" or "vp"
		Kind string `yaml:"kind"`

		// SigmaMin is the smallest noise level (ve), or betaMin (vp)
		SigmaMin float64 `yaml:"sigmaMin"`

		// SigmaMax is the largest noise level (ve), or betaMax (vp)
		SigmaMax float64 `yaml:"sigmaMax"`

		// Levels is the number of discrete noise levels
		Levels int `yaml:"levels"`
	} `yaml:"diffusion"`

	// Training parameters
	Training struct {
		// Epochs is the number of passes over the training slices
		Epochs int `yaml:"epochs"`

		// BatchSize is the number of slices per optimizer step
		BatchSize int `yaml:"batchSize"`

		// LearningRate is the Adam step size after warmup
		LearningRate float64 `yaml:"learningRate"`

		// WarmupSteps linearly ramps the learning rate from zero
		WarmupSteps int `yaml:"warmupSteps"`

		// EMARate is the decay of the exponential moving average kept
		// over the network weights
		EMARate float64 `yaml:"emaRate"`

		// CheckpointEvery is the number of epochs between checkpoints
		CheckpointEvery int `yaml:"checkpointEvery"`

		// Seed makes shuffling and noise draws reproducible
		Seed int64 `yaml:"seed"`

		// NumCores specifies how many CPU cores to use for parallel
		// gradient computation
		NumCores int `yaml:"numCores"`
	} `yaml:"training"`

	// Workspace is the directory receiving logs and checkpoints
	Workspace string `yaml:"workspace"`
}

// DefaultTrainConfig returns a training configuration with default values.
func DefaultTrainConfig() *TrainConfig {
	cfg := &TrainConfig{}

	// Set default data parameters
	cfg.Data.Path = "data/train"
	cfg.Data.ValFraction = 0.05
	cfg.Data.Channels = 1
	cfg.Data.Normalize = true

	// Set default model parameters
	cfg.Model.Features = 48
	cfg.Model.ResidualBlocks = 6
	cfg.Model.EmbeddingSize = 64

	// Set default diffusion parameters
	cfg.Diffusion.Kind = "ve"
	cfg.Diffusion.SigmaMin = 0.01
	cfg.Diffusion.SigmaMax = 10.0
	cfg.Diffusion.Levels = 30

	// Set default training parameters
	cfg.Training.Epochs = 50
	cfg.Training.BatchSize = 8
	cfg.Training.LearningRate = 1e-4
	cfg.Training.WarmupSteps = 500
	cfg.Training.EMARate = 0.999
	cfg.Training.CheckpointEvery = 5
	cfg.Training.Seed = 42
	cfg.Training.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Workspace = "workspace"

	return cfg
}

// Validate checks the configuration for values that cannot work.
func (cfg *TrainConfig) Validate() error {
	if cfg.Data.Channels != 1 && cfg.Data.Channels != 2 {
		return fmt.Errorf("data.channels must be 1 or 2, got %d", cfg.Data.Channels)
	}
	if cfg.Data.ValFraction < 0 || cfg.Data.ValFraction >= 1 {
		return fmt.Errorf("data.valFraction must be in [0, 1), got %g", cfg.Data.ValFraction)
	}
	if cfg.Model.Features < 1 || cfg.Model.ResidualBlocks < 1 {
		return fmt.Errorf("model must have at least 1 feature and 1 residual block")
	}
	if cfg.Model.EmbeddingSize < 2 || cfg.Model.EmbeddingSize%2 != 0 {
		return fmt.Errorf("model.embeddingSize must be even and at least 2, got %d", cfg.Model.EmbeddingSize)
	}
	if cfg.Diffusion.Kind != "ve" && cfg.Diffusion.Kind != "vp" {
		return fmt.Errorf("diffusion.kind must be \"ve\" or \"vp\", got %q", cfg.Diffusion.Kind)
	}
	if cfg.Diffusion.Levels < 2 {
		return fmt.Errorf("diffusion.levels must be at least 2, got %d", cfg.Diffusion.Levels)
	}
	if cfg.Training.Epochs < 1 || cfg.Training.BatchSize < 1 {
		return fmt.Errorf("training.epochs and training.batchSize must be positive")
	}
	if cfg.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learningRate must be positive, got %g", cfg.Training.LearningRate)
	}
	if cfg.Training.EMARate < 0 || cfg.Training.EMARate >= 1 {
		return fmt.Errorf("training.emaRate must be in [0, 1), got %g", cfg.Training.EMARate)
	}
	return nil
}

// LoadTrainConfig loads a training configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadTrainConfig(configPath string) (*TrainConfig, error) {
	cfg := DefaultTrainConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (cfg *TrainConfig) Save(configPath string) error {
	return saveYAML(cfg, configPath)
}

// saveYAML marshals any configuration value to a YAML file, creating
// the parent directory when needed.
func saveYAML(cfg interface{}, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultTrainConfigFile creates a default training configuration
// file at the specified path.
func CreateDefaultTrainConfigFile(configPath string) error {
	return DefaultTrainConfig().Save(configPath)
}
