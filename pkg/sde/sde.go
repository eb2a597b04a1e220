// Package sde defines the discretized noise schedules used to train the
// score network and to anneal the posterior sampler.
package sde

import (
	"fmt"
	"math"
)

// Kind selects the forward diffusion family.
type Kind string

const (
	// VarianceExploding is the geometric sigma ladder of noise
	// conditional score networks. Signal magnitude is preserved while
	// the noise level grows from SigmaMin to SigmaMax.
	VarianceExploding Kind = "ve"

	// VariancePreserving is the linear-beta schedule in which signal is
	// progressively attenuated as noise is mixed in. It is exposed
	// through the same sigma ladder as the exploding family, using the
	// effective noise-to-signal ratio of each step.
	VariancePreserving Kind = "vp"
)

// Schedule is a finite ladder of noise levels, ordered from the largest
// sigma at index 0 down to the smallest at index Levels()-1. Training
// draws uniform random indices; sampling walks the ladder top to bottom.
type Schedule struct {
	kind   Kind
	sigmas []float64
}

// NewVE builds a variance-exploding schedule with sigmas spaced
// geometrically between sigmaMax and sigmaMin over the given number of
// levels.
func NewVE(sigmaMin, sigmaMax float64, levels int) (*Schedule, error) {
	if levels < 2 {
		return nil, fmt.Errorf("schedule needs at least 2 levels, got %d", levels)
	}
	if sigmaMin <= 0 || sigmaMax <= sigmaMin {
		return nil, fmt.Errorf("sigma range [%g, %g] is not increasing and positive", sigmaMin, sigmaMax)
	}

	sigmas := make([]float64, levels)
	ratio := math.Log(sigmaMin / sigmaMax)
	for i := range sigmas {
		t := float64(i) / float64(levels-1)
		sigmas[i] = sigmaMax * math.Exp(ratio*t)
	}
	return &Schedule{kind: VarianceExploding, sigmas: sigmas}, nil
}

// NewVP builds a variance-preserving schedule with beta growing linearly
// from betaMin to betaMax. Each level exposes the effective
// noise-to-signal sigma sqrt((1-a)/a) where a is the cumulative product
// of (1-beta), so samplers can treat both families uniformly.
func NewVP(betaMin, betaMax float64, levels int) (*Schedule, error) {
	if levels < 2 {
		return nil, fmt.Errorf("schedule needs at least 2 levels, got %d", levels)
	}
	if betaMin <= 0 || betaMax <= betaMin || betaMax >= 1 {
		return nil, fmt.Errorf("beta range [%g, %g] must be increasing within (0, 1)", betaMin, betaMax)
	}

	sigmas := make([]float64, levels)
	alphaBar := 1.0
	for i := 0; i < levels; i++ {
		t := float64(i) / float64(levels-1)
		beta := betaMin + (betaMax-betaMin)*t
		alphaBar *= 1 - beta
		sigmas[i] = math.Sqrt((1 - alphaBar) / alphaBar)
	}
	// Present the ladder in descending order like the exploding family.
	for i, j := 0, len(sigmas)-1; i < j; i, j = i+1, j-1 {
		sigmas[i], sigmas[j] = sigmas[j], sigmas[i]
	}
	return &Schedule{kind: VariancePreserving, sigmas: sigmas}, nil
}

// New builds a schedule of the given kind. For the exploding family a
// and b are sigmaMin and sigmaMax; for the preserving family they are
// betaMin and betaMax.
func New(kind Kind, a, b float64, levels int) (*Schedule, error) {
	switch kind {
	case VarianceExploding:
		return NewVE(a, b, levels)
	case VariancePreserving:
		return NewVP(a, b, levels)
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Kind returns the diffusion family of the schedule.
func (s *Schedule) Kind() Kind {
	return s.kind
}

// Levels returns the number of discrete noise levels.
func (s *Schedule) Levels() int {
	return len(s.sigmas)
}

// Sigma returns the noise level at index i.
func (s *Schedule) Sigma(i int) float64 {
	return s.sigmas[i]
}

// Sigmas returns a copy of the full descending ladder.
func (s *Schedule) Sigmas() []float64 {
	out := make([]float64, len(s.sigmas))
	copy(out, s.sigmas)
	return out
}

// SigmaMin returns the smallest noise level.
func (s *Schedule) SigmaMin() float64 {
	return s.sigmas[len(s.sigmas)-1]
}

// SigmaMax returns the largest noise level.
func (s *Schedule) SigmaMax() float64 {
	return s.sigmas[0]
}

// StepSize returns the annealed Langevin step size for level i,
// eps * (sigma_i / sigma_min)^2. The quadratic scaling keeps the
// signal-to-noise ratio of the updates roughly constant across levels.
func (s *Schedule) StepSize(i int, eps float64) float64 {
	r := s.sigmas[i] / s.SigmaMin()
	return eps * r * r
}

// FromSigmas restores a schedule from a stored ladder, validating that
// it is positive and strictly decreasing.
func FromSigmas(kind Kind, sigmas []float64) (*Schedule, error) {
	if len(sigmas) < 2 {
		return nil, fmt.Errorf("schedule needs at least 2 levels, got %d", len(sigmas))
	}
	for i, v := range sigmas {
		if v <= 0 {
			return nil, fmt.Errorf("sigma %d is not positive: %g", i, v)
		}
		if i > 0 && sigmas[i-1] <= v {
			return nil, fmt.Errorf("sigmas must decrease, but sigma %d (%g) >= sigma %d (%g)",
				i, v, i-1, sigmas[i-1])
		}
	}
	out := make([]float64, len(sigmas))
	copy(out, sigmas)
	return &Schedule{kind: kind, sigmas: out}, nil
}
