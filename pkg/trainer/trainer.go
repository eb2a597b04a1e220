// Package trainer drives the denoising score-matching training loop:
// shuffled batches paired with random noise levels, gradient fan-out
// over a worker pool, Adam with warmup, an exponential moving average
// of the weights and periodic checkpoints in the workspace.
package trainer

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mriprior/pkg/config"
	"mriprior/pkg/dataset"
	"mriprior/pkg/score"
	"mriprior/pkg/sde"
)

// ProgressCallback receives progress updates during training.
type ProgressCallback func(completed, total int, message string)

// Params holds everything a training run needs.
type Params struct {
	// Config carries the training hyperparameters and workspace path
	Config *config.TrainConfig

	// Schedule is the noise ladder the examples are drawn against
	Schedule *sde.Schedule

	// Network is the score model being trained, updated in place
	Network *score.Network

	// Train is the training split
	Train *dataset.Dataset

	// Val is the held-out split; may be nil or empty
	Val *dataset.Dataset

	// Progress, when set, is called after every optimizer step
	Progress ProgressCallback
}

// EpochStats records the losses of one epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64 // NaN when no validation slices exist
}

// Result summarizes a completed training run.
type Result struct {
	History        []EpochStats
	CheckpointPath string
	FinalLoss      float64
}

// Trainer runs the training loop described by its parameters.
type Trainer struct {
	params *Params
	rng    *rand.Rand
	opt    *score.Adam
	ema    *score.EMA
	grads  *score.Grads
	valSet []score.Example
}

// New validates the parameters and prepares the optimizer state.
func New(params *Params) (*Trainer, error) {
	if params.Config == nil || params.Schedule == nil || params.Network == nil {
		return nil, fmt.Errorf("config, schedule and network are all required")
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	if params.Train == nil || params.Train.Len() == 0 {
		return nil, fmt.Errorf("training dataset is empty")
	}

	tc := params.Config.Training
	t := &Trainer{
		params: params,
		rng:    rand.New(rand.NewSource(tc.Seed)),
		opt:    score.NewAdam(params.Network, tc.LearningRate, tc.WarmupSteps),
		ema:    score.NewEMA(params.Network, tc.EMARate),
		grads:  params.Network.NewGrads(),
	}

	// Validation noise is drawn once so the validation loss stays
	// comparable across epochs.
	if params.Val != nil && params.Val.Len() > 0 {
		valRng := rand.New(rand.NewSource(tc.Seed + 1))
		t.valSet = t.makeExamples(params.Val.Slices, indices(params.Val.Len()), valRng)
	}
	return t, nil
}

// Run executes the training loop. The context is checked between
// batches, so cancellation loses at most one optimizer step.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	cfg := t.params.Config
	net := t.params.Network
	sigmas := t.params.Schedule.Sigmas()

	ckptDir := filepath.Join(cfg.Workspace, "checkpoints")
	if err := os.MkdirAll(ckptDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating workspace: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.Workspace, "train.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening training log: %w", err)
	}
	defer logFile.Close()

	epochs := cfg.Training.Epochs
	batchesPerEpoch := (t.params.Train.Len() + cfg.Training.BatchSize - 1) / cfg.Training.BatchSize
	totalBatches := epochs * batchesPerEpoch

	fmt.Fprintf(logFile, "==== TRAINING BEGIN %s: %d slices, %d epochs, %d noise levels ====\n",
		time.Now().Format(time.RFC3339), t.params.Train.Len(), epochs, len(sigmas))

	result := &Result{}
	done := 0
	for epoch := 1; epoch <= epochs; epoch++ {
		epochLoss := 0.0
		batches := t.params.Train.Batches(cfg.Training.BatchSize, t.rng)
		for _, batch := range batches {
			select {
			case <-ctx.Done():
				fmt.Fprintf(logFile, "==== TRAINING ABORTED %s: %v ====\n",
					time.Now().Format(time.RFC3339), ctx.Err())
				return nil, ctx.Err()
			default:
			}

			examples := t.makeExamples(t.params.Train.Slices, batch, t.rng)
			loss, err := net.LossAndGrad(examples, sigmas, cfg.Training.NumCores, t.grads)
			if err != nil {
				return nil, fmt.Errorf("error computing batch gradient: %w", err)
			}
			t.opt.Step(net, t.grads)
			t.ema.Update(net)

			epochLoss += loss
			done++
			t.progress(done, totalBatches, fmt.Sprintf("epoch %d/%d", epoch, epochs))
		}
		epochLoss /= float64(len(batches))

		valLoss := math.NaN()
		if len(t.valSet) > 0 {
			valLoss, err = net.Loss(t.valSet, sigmas, cfg.Training.NumCores)
			if err != nil {
				return nil, fmt.Errorf("error computing validation loss: %w", err)
			}
		}

		result.History = append(result.History, EpochStats{Epoch: epoch, TrainLoss: epochLoss, ValLoss: valLoss})
		result.FinalLoss = epochLoss
		if math.IsNaN(valLoss) {
			fmt.Fprintf(logFile, "epoch %d/%d loss %.6f\n", epoch, epochs, epochLoss)
		} else {
			fmt.Fprintf(logFile, "epoch %d/%d loss %.6f val %.6f\n", epoch, epochs, epochLoss, valLoss)
		}

		if cfg.Training.CheckpointEvery > 0 && epoch%cfg.Training.CheckpointEvery == 0 && epoch < epochs {
			path := filepath.Join(ckptDir, fmt.Sprintf("epoch_%03d", epoch))
			if err := t.saveCheckpoint(path); err != nil {
				return nil, err
			}
		}
	}

	final := filepath.Join(ckptDir, "final")
	if err := t.saveCheckpoint(final); err != nil {
		return nil, err
	}

	// The effective config travels with the weights so reconstruction
	// can recover the training-time settings later.
	if err := cfg.Save(filepath.Join(ckptDir, "train.yaml")); err != nil {
		return nil, err
	}
	if err := writeHistory(filepath.Join(cfg.Workspace, "history.csv"), result.History); err != nil {
		return nil, err
	}

	result.CheckpointPath = final
	fmt.Fprintf(logFile, "==== TRAINING END %s: %d epochs, final loss %.6f ====\n",
		time.Now().Format(time.RFC3339), epochs, result.FinalLoss)
	return result, nil
}

// makeExamples pairs the batch slices with uniform random noise-level
// indices and fresh unit noise. All randomness is drawn here, before
// the gradient fan-out, to keep runs reproducible.
func (t *Trainer) makeExamples(slices []*dataset.Slice, batch []int, rng *rand.Rand) []score.Example {
	levels := dataset.NoiseLevelIndices(len(batch), t.params.Schedule.Levels(), rng)
	out := make([]score.Example, len(batch))
	for i, idx := range batch {
		s := slices[idx]
		noise := make([]float64, len(s.Data))
		for j := range noise {
			noise[j] = rng.NormFloat64()
		}
		out[i] = score.Example{
			X:      s.Data,
			Width:  s.Width,
			Height: s.Height,
			Level:  levels[i],
			Noise:  noise,
		}
	}
	return out
}

func (t *Trainer) saveCheckpoint(path string) error {
	ck := score.BuildCheckpoint(t.params.Network, t.opt, t.ema,
		string(t.params.Schedule.Kind()), t.params.Schedule.Sigmas())
	if err := ck.Save(path); err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}
	return nil
}

func (t *Trainer) progress(done, total int, message string) {
	if t.params.Progress != nil {
		t.params.Progress(done, total, message)
	}
}

// writeHistory exports the per-epoch losses as CSV.
func writeHistory(path string, history []EpochStats) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating history file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "loss", "valLoss"}); err != nil {
		return fmt.Errorf("error writing history header: %w", err)
	}
	for _, h := range history {
		val := ""
		if !math.IsNaN(h.ValLoss) {
			val = strconv.FormatFloat(h.ValLoss, 'g', -1, 64)
		}
		row := []string{strconv.Itoa(h.Epoch), strconv.FormatFloat(h.TrainLoss, 'g', -1, 64), val}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("error writing history row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
