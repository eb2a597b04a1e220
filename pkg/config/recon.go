package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ReconConfig holds every setting of the posterior reconstruction
// pipeline.
type ReconConfig struct {
	// Checkpoint is the trained prior to reconstruct with
	Checkpoint string `yaml:"checkpoint"`

	// CheckpointURL optionally points at a weights archive to download
	// when Checkpoint does not exist yet
	CheckpointURL string `yaml:"checkpointURL"`

	// Kspace is the .npz file holding the fully sampled multi-coil
	// measurement
	Kspace string `yaml:"kspace"`

	// KspaceURL optionally points at a k-space archive to download when
	// Kspace does not exist yet
	KspaceURL string `yaml:"kspaceURL"`

	// Pattern parameters
	Pattern struct {
		// Kind selects the undersampling family: "poisson" or
		// "equispaced"
		Kind string `yaml:"kind"`

		// AccelX and AccelY are the acceleration factors along the two
		// phase-encode directions; equispaced patterns use AccelY only
		AccelX float64 `yaml:"accelX"`
		AccelY float64 `yaml:"accelY"`

		// Calib is the side length of the fully sampled central block
		Calib int `yaml:"calib"`

		// Seed makes pattern generation reproducible
		Seed int64 `yaml:"seed"`

		// NoiseStd adds complex Gaussian noise of this standard
		// deviation to the simulated measurement
		NoiseStd float64 `yaml:"noiseStd"`

		// UseToolbox generates the pattern with the external toolbox
		// instead of the native generator
		UseToolbox bool `yaml:"useToolbox"`
	} `yaml:"pattern"`

	// Sensitivity estimation parameters
	Sensitivities struct {
		// Method selects the estimator: "native" for the low-resolution
		// calibration estimate, "ecalib" for the external toolbox
		Method string `yaml:"method"`

		// Calib overrides the calibration size; 0 inherits the pattern
		// calibration block
		Calib int `yaml:"calib"`
	} `yaml:"sensitivities"`

	// Sampler parameters
	Sampler struct {
		// Chains is the number of independent posterior samples drawn
		Chains int `yaml:"chains"`

		// StepsPerLevel is the number of Langevin corrections per noise
		// level
		StepsPerLevel int `yaml:"stepsPerLevel"`

		// BurnInLevels runs the first levels unconditionally so chains
		// spread out before the measurement pulls them together
		BurnInLevels int `yaml:"burnInLevels"`

		// StepScale is the base step size eps of the annealed updates
		StepScale float64 `yaml:"stepScale"`

		// NoiseScale damps the injected noise; 1 is the exact sampler,
		// smaller values trade diversity for smoothness
		NoiseScale float64 `yaml:"noiseScale"`

		// DataWeight is the noise floor tau^2 added to sigma^2 in the
		// data-consistency denominator
		DataWeight float64 `yaml:"dataWeight"`

		// SampleCounts lists the sample counts at which expectations
		// are reported; empty means powers of two up to Chains
		SampleCounts []int `yaml:"sampleCounts"`

		// Seed makes the sampler reproducible
		Seed int64 `yaml:"seed"`
	} `yaml:"sampler"`

	// Baseline parameters
	Baseline struct {
		// ZeroFilled additionally scores the plain adjoint
		// reconstruction
		ZeroFilled bool `yaml:"zeroFilled"`

		// Pics additionally runs the toolbox compressed-sensing solver
		Pics bool `yaml:"pics"`

		// PicsRegularization is the l1-wavelet weight passed to the
		// solver
		PicsRegularization float64 `yaml:"picsRegularization"`
	} `yaml:"baseline"`

	// Toolbox parameters
	Toolbox struct {
		// Path is the toolbox executable; empty searches TOOLBOX_PATH
		// and PATH
		Path string `yaml:"path"`

		// UseGPU asks the toolbox to run its solvers on the GPU
		UseGPU bool `yaml:"useGPU"`
	} `yaml:"toolbox"`

	// Output is the directory receiving images, plots and metrics
	Output string `yaml:"output"`

	// NumCores specifies how many CPU cores to use for parallel chains
	NumCores int `yaml:"numCores"`
}

// DefaultReconConfig returns a reconstruction configuration with
// default values.
func DefaultReconConfig() *ReconConfig {
	cfg := &ReconConfig{}

	cfg.Checkpoint = "workspace/checkpoints/final"
	cfg.Kspace = "data/kspace.npz"

	// Set default pattern parameters
	cfg.Pattern.Kind = "poisson"
	cfg.Pattern.AccelX = 2.0
	cfg.Pattern.AccelY = 2.0
	cfg.Pattern.Calib = 20
	cfg.Pattern.Seed = 42

	// Set default sensitivity parameters
	cfg.Sensitivities.Method = "native"

	// Set default sampler parameters
	cfg.Sampler.Chains = 8
	cfg.Sampler.StepsPerLevel = 3
	cfg.Sampler.BurnInLevels = 4
	cfg.Sampler.StepScale = 2e-5
	cfg.Sampler.NoiseScale = 1.0
	cfg.Sampler.DataWeight = 0.01
	cfg.Sampler.Seed = 42

	// Set default baseline parameters
	cfg.Baseline.ZeroFilled = true
	cfg.Baseline.Pics = false
	cfg.Baseline.PicsRegularization = 0.01

	cfg.Output = "recon_out"
	cfg.NumCores = runtime.NumCPU() // Use all available cores by default

	return cfg
}

// Validate checks the configuration for values that cannot work.
func (cfg *ReconConfig) Validate() error {
	if cfg.Checkpoint == "" {
		return fmt.Errorf("checkpoint path must be set")
	}
	if cfg.Kspace == "" {
		return fmt.Errorf("kspace path must be set")
	}
	switch cfg.Pattern.Kind {
	case "poisson", "equispaced":
	default:
		return fmt.Errorf("pattern.kind must be \"poisson\" or \"equispaced\", got %q", cfg.Pattern.Kind)
	}
	if cfg.Pattern.AccelX < 1 || cfg.Pattern.AccelY < 1 {
		return fmt.Errorf("pattern acceleration factors must be at least 1")
	}
	switch cfg.Sensitivities.Method {
	case "native", "ecalib":
	default:
		return fmt.Errorf("sensitivities.method must be \"native\" or \"ecalib\", got %q", cfg.Sensitivities.Method)
	}
	if cfg.Sampler.Chains < 1 {
		return fmt.Errorf("sampler.chains must be at least 1, got %d", cfg.Sampler.Chains)
	}
	if cfg.Sampler.StepsPerLevel < 1 {
		return fmt.Errorf("sampler.stepsPerLevel must be at least 1, got %d", cfg.Sampler.StepsPerLevel)
	}
	if cfg.Sampler.StepScale <= 0 {
		return fmt.Errorf("sampler.stepScale must be positive, got %g", cfg.Sampler.StepScale)
	}
	for _, n := range cfg.Sampler.SampleCounts {
		if n < 1 || n > cfg.Sampler.Chains {
			return fmt.Errorf("sample count %d outside 1..%d", n, cfg.Sampler.Chains)
		}
	}
	return nil
}

// LoadReconConfig loads a reconstruction configuration from a YAML
// file. If the file doesn't exist, it returns the default
// configuration.
func LoadReconConfig(configPath string) (*ReconConfig, error) {
	cfg := DefaultReconConfig()

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
func (cfg *ReconConfig) Save(configPath string) error {
	return saveYAML(cfg, configPath)
}

// CreateDefaultReconConfigFile creates a default reconstruction
// configuration file at the specified path.
func CreateDefaultReconConfigFile(configPath string) error {
	return DefaultReconConfig().Save(configPath)
}
