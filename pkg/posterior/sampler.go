// Package posterior draws reconstruction samples from the learned score
// prior conditioned on undersampled k-space measurements. Each sample
// is produced by an annealed Langevin chain whose drift combines the
// prior score with a data-consistency gradient through the measurement
// operator; independent chains run concurrently and are aggregated into
// expectation estimates at increasing sample counts.
package posterior

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"mriprior/pkg/kspace"
	"mriprior/pkg/score"
	"mriprior/pkg/sde"
)

// ProgressCallback receives progress updates as chains finish.
type ProgressCallback func(completed, total int, message string)

// Params configures the posterior sampler.
type Params struct {
	// Network is the trained score model, typically the averaged weights
	Network *score.Network

	// Schedule is the noise ladder, walked from the top down
	Schedule *sde.Schedule

	// Operator is the measurement model linking images to k-space
	Operator *kspace.Operator

	// Measured is the undersampled multi-coil measurement
	Measured *kspace.CoilImages

	// Chains is the number of independent posterior samples to draw
	Chains int

	// StepsPerLevel is the number of Langevin steps at each noise level
	StepsPerLevel int

	// BurnInLevels runs the first levels on the prior alone, without
	// the data-consistency term
	BurnInLevels int

	// StepScale is the eps in the annealed step size eps*(sigma/sigmaMin)^2
	StepScale float64

	// NoiseScale scales the injected Langevin noise; zero turns the
	// chain into a deterministic gradient flow
	NoiseScale float64

	// DataWeight is the assumed measurement noise level tau; the
	// data-consistency gradient is divided by sigma^2 + tau^2
	DataWeight float64

	// Seed makes chains reproducible; chain c draws from Seed+c
	Seed int64

	// Workers bounds how many chains run concurrently
	Workers int

	// Progress, when set, is called as chains complete
	Progress ProgressCallback
}

// Sample is one posterior draw.
type Sample struct {
	Chain int
	Image *kspace.ComplexImage
}

// Sampler runs conditional annealed Langevin chains.
type Sampler struct {
	params *Params
}

// New validates the parameters and returns a sampler.
func New(params *Params) (*Sampler, error) {
	if params.Network == nil || params.Schedule == nil || params.Operator == nil || params.Measured == nil {
		return nil, fmt.Errorf("network, schedule, operator and measurement are all required")
	}
	mask := params.Operator.Mask
	if params.Measured.Width != mask.Width || params.Measured.Height != mask.Height {
		return nil, fmt.Errorf("measurement is %dx%d but the operator expects %dx%d",
			params.Measured.Width, params.Measured.Height, mask.Width, mask.Height)
	}
	if params.Measured.Coils != params.Operator.Sens.Coils {
		return nil, fmt.Errorf("measurement has %d coils but the operator expects %d",
			params.Measured.Coils, params.Operator.Sens.Coils)
	}
	if params.Chains < 1 {
		return nil, fmt.Errorf("chain count must be positive, got %d", params.Chains)
	}
	if params.StepsPerLevel < 1 {
		return nil, fmt.Errorf("steps per level must be positive, got %d", params.StepsPerLevel)
	}
	if params.StepScale <= 0 {
		return nil, fmt.Errorf("step scale must be positive, got %g", params.StepScale)
	}
	if params.NoiseScale < 0 || params.DataWeight < 0 {
		return nil, fmt.Errorf("noise scale and data weight must not be negative")
	}
	if params.BurnInLevels < 0 {
		return nil, fmt.Errorf("burn-in level count must not be negative, got %d", params.BurnInLevels)
	}
	return &Sampler{params: params}, nil
}

// Run draws all chains, bounded by the worker limit. Every chain owns
// its random source, so results do not depend on scheduling order.
func (s *Sampler) Run(ctx context.Context) ([]*Sample, error) {
	chains := s.params.Chains
	workers := s.params.Workers
	if workers < 1 {
		workers = 1
	}

	type chainResult struct {
		idx int
		img *kspace.ComplexImage
		err error
	}
	results := make(chan chainResult, chains)
	sem := make(chan struct{}, workers)
	for c := 0; c < chains; c++ {
		go func(idx int) {
			sem <- struct{}{}
			defer func() { <-sem }()
			img, err := s.runChain(ctx, idx)
			results <- chainResult{idx: idx, img: img, err: err}
		}(c)
	}

	samples := make([]*Sample, chains)
	for done := 0; done < chains; done++ {
		res := <-results
		if res.err != nil {
			return nil, fmt.Errorf("chain %d: %w", res.idx, res.err)
		}
		samples[res.idx] = &Sample{Chain: res.idx, Image: res.img}
		if s.params.Progress != nil {
			s.params.Progress(done+1, chains, fmt.Sprintf("chain %d finished", res.idx))
		}
	}
	return samples, nil
}

// runChain anneals one chain down the noise ladder and returns the
// final denoised image.
func (s *Sampler) runChain(ctx context.Context, chain int) (*kspace.ComplexImage, error) {
	rng := rand.New(rand.NewSource(s.params.Seed + int64(chain)))
	op := s.params.Operator
	net := s.params.Network
	sched := s.params.Schedule
	channels := net.Config().Channels
	width, height := op.Mask.Width, op.Mask.Height

	// Start from the zero-filled reconstruction perturbed to the top
	// noise level.
	x, err := op.Adjoint(s.params.Measured).Channels(channels)
	if err != nil {
		return nil, err
	}
	sigmaMax := sched.SigmaMax()
	for i := range x {
		x[i] += sigmaMax * rng.NormFloat64()
	}

	tau := s.params.DataWeight
	for level := 0; level < sched.Levels(); level++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sigma := sched.Sigma(level)
		alpha := sched.StepSize(level, s.params.StepScale)
		noise := s.params.NoiseScale * math.Sqrt(2*alpha)
		for step := 0; step < s.params.StepsPerLevel; step++ {
			drift, err := net.Score(x, width, height, sigma)
			if err != nil {
				return nil, err
			}
			if level >= s.params.BurnInLevels {
				im, err := kspace.FromChannels(x, channels, width, height)
				if err != nil {
					return nil, err
				}
				res := op.Residual(im, s.params.Measured)
				addResidual(drift, res, channels, 1/(sigma*sigma+tau*tau))
			}
			for i := range x {
				x[i] += alpha*drift[i] + noise*rng.NormFloat64()
			}
		}
	}

	// Expected denoised image at the final level.
	sigmaMin := sched.SigmaMin()
	drift, err := net.Score(x, width, height, sigmaMin)
	if err != nil {
		return nil, err
	}
	for i := range x {
		x[i] += sigmaMin * sigmaMin * drift[i]
	}
	return kspace.FromChannels(x, channels, width, height)
}

// addResidual folds the complex data-consistency gradient into the
// drift, projected onto the network's image representation: real and
// imaginary planes for two-channel models, the real part alone for
// magnitude models.
func addResidual(drift []float64, res *kspace.ComplexImage, channels int, weight float64) {
	n := res.Width * res.Height
	for i, v := range res.Data {
		drift[i] += weight * real(v)
		if channels == 2 {
			drift[n+i] += weight * imag(v)
		}
	}
}
