package score

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the serialized training state: architecture, noise
// schedule, parameters, their moving average and the optimizer moments.
// Tensors are stored by name so the layout survives reordering.
type Checkpoint struct {
	Config       Config
	Frequencies  []float64
	ScheduleKind string
	Sigmas       []float64
	Step         int

	Params map[string][]float64
	EMA    map[string][]float64
	AdamM  map[string][]float64
	AdamV  map[string][]float64
}

// BuildCheckpoint captures the full state of a training run. The
// optimizer and average may be nil, for example when re-saving an
// inference-only checkpoint.
func BuildCheckpoint(n *Network, opt *Adam, ema *EMA, scheduleKind string, sigmas []float64) *Checkpoint {
	names := n.ParameterNames()
	ck := &Checkpoint{
		Config:       n.cfg,
		Frequencies:  n.Frequencies(),
		ScheduleKind: scheduleKind,
		Sigmas:       append([]float64(nil), sigmas...),
		Params:       tensorMap(names, n.Parameters()),
	}
	if ema != nil {
		ck.EMA = tensorMap(names, ema.Parameters())
	}
	if opt != nil {
		ck.Step = opt.step
		ck.AdamM = tensorMap(names, opt.m)
		ck.AdamV = tensorMap(names, opt.v)
	}
	return ck
}

func tensorMap(names []string, tensors [][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(names))
	for i, name := range names {
		t := make([]float64, len(tensors[i]))
		copy(t, tensors[i])
		out[name] = t
	}
	return out
}

// Save writes the checkpoint to path, creating parent directories as
// needed.
func (c *Checkpoint) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating checkpoint directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating checkpoint file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by Save.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint file: %w", err)
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint: %w", err)
	}
	return &ck, nil
}

// Restore rebuilds the network with the raw training parameters.
func (c *Checkpoint) Restore() (*Network, error) {
	return c.restore(c.Params)
}

// RestoreEMA rebuilds the network with the averaged parameters, falling
// back to the raw ones when no average was saved.
func (c *Checkpoint) RestoreEMA() (*Network, error) {
	if c.EMA == nil {
		return c.restore(c.Params)
	}
	return c.restore(c.EMA)
}

func (c *Checkpoint) restore(tensors map[string][]float64) (*Network, error) {
	n, err := NewNetwork(c.Config, 0)
	if err != nil {
		return nil, err
	}
	if len(c.Frequencies) != len(n.freqs) {
		return nil, fmt.Errorf("checkpoint has %d embedding frequencies, want %d", len(c.Frequencies), len(n.freqs))
	}
	copy(n.freqs, c.Frequencies)

	names := n.ParameterNames()
	params := n.Parameters()
	for i, name := range names {
		t, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint is missing tensor %q", name)
		}
		if len(t) != len(params[i]) {
			return nil, fmt.Errorf("tensor %q has %d values, want %d", name, len(t), len(params[i]))
		}
		copy(params[i], t)
	}
	return n, nil
}

// RestoreOptimizer loads the saved Adam moments and step count into an
// optimizer built for the restored network.
func (c *Checkpoint) RestoreOptimizer(n *Network, opt *Adam) error {
	if c.AdamM == nil || c.AdamV == nil {
		return fmt.Errorf("checkpoint carries no optimizer state")
	}
	names := n.ParameterNames()
	for i, name := range names {
		m, okM := c.AdamM[name]
		v, okV := c.AdamV[name]
		if !okM || !okV {
			return fmt.Errorf("checkpoint is missing optimizer moments for %q", name)
		}
		if len(m) != len(opt.m[i]) || len(v) != len(opt.v[i]) {
			return fmt.Errorf("optimizer moments for %q have the wrong size", name)
		}
		copy(opt.m[i], m)
		copy(opt.v[i], v)
	}
	opt.step = c.Step
	return nil
}
