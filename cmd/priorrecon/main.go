package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mriprior/internal/fetch"
	"mriprior/pkg/bart"
	"mriprior/pkg/config"
	"mriprior/pkg/kspace"
	"mriprior/pkg/metrics"
	"mriprior/pkg/posterior"
	"mriprior/pkg/report"
	"mriprior/pkg/sampling"
	"mriprior/pkg/score"
	"mriprior/pkg/sde"
)

// scored is one reconstruction with its quality metrics against the
// fully sampled reference.
type scored struct {
	name  string
	count int // averaged posterior samples, 0 for baselines
	image []float64
	psnr  float64
	ssim  float64
	nrmse float64
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "recon.yaml", "Reconstruction configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultReconConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadReconConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("POSTERIOR-SAMPLING MRI RECONSTRUCTION WITH A TRAINED SCORE PRIOR")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Fetch weights and measurement when they are not on disk yet
	if err := fetch.EnsureFile(ctx, cfg.CheckpointURL, "", cfg.Checkpoint); err != nil {
		log.Fatalf("Failed to prepare checkpoint: %v", err)
	}
	if err := fetch.EnsureFile(ctx, cfg.KspaceURL, "", cfg.Kspace); err != nil {
		log.Fatalf("Failed to prepare k-space data: %v", err)
	}

	// Restore the trained prior with its noise schedule
	ck, err := score.LoadCheckpoint(cfg.Checkpoint)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	net, err := ck.RestoreEMA()
	if err != nil {
		log.Fatalf("Failed to restore network: %v", err)
	}
	sched, err := sde.FromSigmas(sde.Kind(ck.ScheduleKind), ck.Sigmas)
	if err != nil {
		log.Fatalf("Failed to restore noise schedule: %v", err)
	}
	fmt.Printf("Prior: %d tensors trained for %d steps, %s schedule with %d levels\n",
		len(net.Parameters()), ck.Step, ck.ScheduleKind, sched.Levels())

	// The trainer leaves its effective configuration next to the
	// weights. The checkpoint stays authoritative, since weights fetched
	// over HTTP arrive without it.
	trainYAML := filepath.Join(filepath.Dir(cfg.Checkpoint), "train.yaml")
	if _, err := os.Stat(trainYAML); err == nil {
		trainCfg, err := config.LoadTrainConfig(trainYAML)
		if err != nil {
			log.Fatalf("Failed to load training configuration: %v", err)
		}
		fmt.Printf("Training provenance: %d epochs of batch %d on %s\n",
			trainCfg.Training.Epochs, trainCfg.Training.BatchSize, trainCfg.Data.Path)
		if trainCfg.Diffusion.Kind != ck.ScheduleKind || trainCfg.Diffusion.Levels != len(ck.Sigmas) {
			log.Printf("Warning: training configuration disagrees with the checkpoint schedule (%s with %d levels vs %s with %d)",
				trainCfg.Diffusion.Kind, trainCfg.Diffusion.Levels, ck.ScheduleKind, len(ck.Sigmas))
		}
	}

	full, err := kspace.ReadNPZ(cfg.Kspace)
	if err != nil {
		log.Fatalf("Failed to load k-space data: %v", err)
	}
	fmt.Printf("K-space: %dx%d with %d coils\n", full.Width, full.Height, full.Coils)

	// The prior is trained on unit-peak magnitudes, so the measurement
	// is rescaled until the fully sampled reference peaks at one.
	ref := kspace.ReferenceImage(full)
	peak := 0.0
	for _, v := range ref {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		log.Fatalf("Reference image is identically zero")
	}
	full.Scale(1 / peak)
	for i := range ref {
		ref[i] /= peak
	}

	// The toolbox is only located when the configuration asks for it
	var tb *bart.Toolbox
	needToolbox := (cfg.Pattern.UseToolbox && cfg.Pattern.Kind == "poisson") ||
		cfg.Sensitivities.Method == "ecalib" || cfg.Baseline.Pics
	if needToolbox {
		tb, err = bart.Find(cfg.Toolbox.Path)
		if err != nil {
			log.Fatalf("Toolbox required by configuration: %v", err)
		}
		tb.UseGPU = cfg.Toolbox.UseGPU
		if version, err := tb.Version(ctx); err == nil {
			fmt.Printf("Toolbox: %s (%s)\n", tb.Path, version)
		}
	}

	mask, err := buildMask(ctx, cfg, tb, full.Width, full.Height)
	if err != nil {
		log.Fatalf("Failed to generate sampling pattern: %v", err)
	}
	fmt.Printf("Sampling pattern: %s, %d of %d points (%.1fx acceleration)\n",
		cfg.Pattern.Kind, mask.SampledPoints(), full.Width*full.Height, mask.Acceleration())

	sens, err := buildSensitivities(ctx, cfg, tb, full)
	if err != nil {
		log.Fatalf("Failed to estimate coil sensitivities: %v", err)
	}

	op, err := kspace.NewOperator(mask, sens)
	if err != nil {
		log.Fatalf("Failed to build measurement operator: %v", err)
	}
	measured := op.Undersample(full)
	if cfg.Pattern.NoiseStd > 0 {
		addMeasurementNoise(measured, mask, cfg.Pattern.NoiseStd, cfg.Pattern.Seed)
	}

	// Draw the posterior chains
	sampler, err := posterior.New(&posterior.Params{
		Network:       net,
		Schedule:      sched,
		Operator:      op,
		Measured:      measured,
		Chains:        cfg.Sampler.Chains,
		StepsPerLevel: cfg.Sampler.StepsPerLevel,
		BurnInLevels:  cfg.Sampler.BurnInLevels,
		StepScale:     cfg.Sampler.StepScale,
		NoiseScale:    cfg.Sampler.NoiseScale,
		DataWeight:    cfg.Sampler.DataWeight,
		Seed:          cfg.Sampler.Seed,
		Workers:       cfg.NumCores,
		Progress:      printProgress,
	})
	if err != nil {
		log.Fatalf("Failed to set up posterior sampler: %v", err)
	}

	fmt.Printf("Sampling %d posterior chains (%d levels, %d steps per level) on %d cores...\n",
		cfg.Sampler.Chains, sched.Levels(), cfg.Sampler.StepsPerLevel, cfg.NumCores)
	startTime := time.Now()
	samples, err := sampler.Run(ctx)
	if err != nil {
		log.Fatalf("Posterior sampling failed: %v", err)
	}
	samplingTime := time.Since(startTime)
	fmt.Printf("Sampling completed in %.2f seconds\n", samplingTime.Seconds())

	estimates, err := posterior.Aggregate(samples, cfg.Sampler.SampleCounts)
	if err != nil {
		log.Fatalf("Failed to aggregate samples: %v", err)
	}

	// Score the baselines first, then each expectation snapshot
	var baselines []scored
	if cfg.Baseline.ZeroFilled {
		row, err := scoreImage("zero-filled", 0, op.Adjoint(measured).Magnitude(), ref, full.Width, full.Height)
		if err != nil {
			log.Fatalf("Failed to score zero-filled baseline: %v", err)
		}
		baselines = append(baselines, row)
	}
	if cfg.Baseline.Pics {
		im, err := tb.Pics(ctx, measured, sens, cfg.Baseline.PicsRegularization)
		if err != nil {
			log.Fatalf("Toolbox reconstruction failed: %v", err)
		}
		row, err := scoreImage("cs baseline", 0, im.Magnitude(), ref, full.Width, full.Height)
		if err != nil {
			log.Fatalf("Failed to score toolbox baseline: %v", err)
		}
		baselines = append(baselines, row)
	}

	rows := make([]scored, 0, len(estimates))
	for _, est := range estimates {
		row, err := scoreImage(fmt.Sprintf("mean of %d", est.Count), est.Count, est.Image, ref, est.Width, est.Height)
		if err != nil {
			log.Fatalf("Failed to score posterior mean: %v", err)
		}
		rows = append(rows, row)
	}

	fmt.Println("\nReconstruction quality versus fully sampled reference:")
	fmt.Println("======================================================")
	fmt.Printf("%-14s %8s %8s %8s\n", "method", "PSNR", "SSIM", "NRMSE")
	for _, row := range append(append([]scored{}, baselines...), rows...) {
		fmt.Printf("%-14s %8.2f %8.4f %8.4f\n", row.name, row.psnr, row.ssim, row.nrmse)
	}

	// Spread of the individual chains around the reference
	chainPSNR := make([]float64, 0, len(samples))
	for _, s := range samples {
		if p, err := metrics.PSNR(ref, s.Image.Magnitude(), 1.0); err == nil {
			chainPSNR = append(chainPSNR, p)
		}
	}
	if summary, err := metrics.Summarize(chainPSNR); err == nil {
		fmt.Printf("\nSingle-chain PSNR: %.2f +/- %.2f dB (min %.2f, max %.2f)\n",
			summary.Mean, summary.Std, summary.Min, summary.Max)
	}

	if err := writeOutputs(cfg, ref, full.Width, full.Height, mask, samples, estimates, rows, baselines); err != nil {
		log.Fatalf("Failed to write outputs: %v", err)
	}
	fmt.Printf("\nImages, charts and metrics saved to: %s\n", cfg.Output)
}

// buildMask generates the undersampling pattern, either natively or with
// the external toolbox.
func buildMask(ctx context.Context, cfg *config.ReconConfig, tb *bart.Toolbox, width, height int) (*sampling.Mask, error) {
	if cfg.Pattern.Kind == "equispaced" {
		return sampling.Equispaced(width, height, int(cfg.Pattern.AccelY+0.5), cfg.Pattern.Calib)
	}
	if cfg.Pattern.UseToolbox {
		return tb.Poisson(ctx, width, height, cfg.Pattern.AccelX, cfg.Pattern.AccelY, cfg.Pattern.Calib, cfg.Pattern.Seed)
	}
	return sampling.PoissonDisc(width, height, cfg.Pattern.AccelX, cfg.Pattern.AccelY, cfg.Pattern.Calib, cfg.Pattern.Seed)
}

// buildSensitivities estimates coil maps from the fully sampled center,
// either natively or with the toolbox calibration.
func buildSensitivities(ctx context.Context, cfg *config.ReconConfig, tb *bart.Toolbox, full *kspace.CoilImages) (*kspace.CoilImages, error) {
	calib := cfg.Sensitivities.Calib
	if calib == 0 {
		calib = cfg.Pattern.Calib
	}
	if cfg.Sensitivities.Method == "ecalib" {
		return tb.Ecalib(ctx, full, calib)
	}
	return kspace.EstimateSensitivities(full, calib)
}

// addMeasurementNoise adds complex Gaussian noise to the sampled k-space
// locations, simulating acquisition noise.
func addMeasurementNoise(meas *kspace.CoilImages, mask *sampling.Mask, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	n := meas.Width * meas.Height
	for c := 0; c < meas.Coils; c++ {
		plane := meas.Coil(c)
		for i := 0; i < n; i++ {
			if mask.Data[i] == 0 {
				continue
			}
			plane[i] += complex(rng.NormFloat64()*std, rng.NormFloat64()*std)
		}
	}
}

func scoreImage(name string, count int, img, ref []float64, width, height int) (scored, error) {
	psnr, err := metrics.PSNR(ref, img, 1.0)
	if err != nil {
		return scored{}, err
	}
	ssim, err := metrics.SSIM(ref, img, width, height)
	if err != nil {
		return scored{}, err
	}
	nrmse, err := metrics.NRMSE(ref, img)
	if err != nil {
		return scored{}, err
	}
	return scored{name: name, count: count, image: img, psnr: psnr, ssim: ssim, nrmse: nrmse}, nil
}

// writeOutputs renders every image, chart and metric file of the run.
func writeOutputs(cfg *config.ReconConfig, ref []float64, width, height int, mask *sampling.Mask,
	samples []*posterior.Sample, estimates []*posterior.Estimate, rows, baselines []scored) error {

	if err := os.MkdirAll(cfg.Output, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	if err := report.SaveGray(filepath.Join(cfg.Output, "reference.png"), ref, width, height); err != nil {
		return err
	}
	if err := report.SaveGray(filepath.Join(cfg.Output, "mask.png"), mask.Data, width, height); err != nil {
		return err
	}
	for _, row := range baselines {
		name := strings.ReplaceAll(row.name, " ", "_") + ".png"
		if err := report.SaveGray(filepath.Join(cfg.Output, name), row.image, width, height); err != nil {
			return err
		}
	}
	for _, est := range estimates {
		name := fmt.Sprintf("mean_%03d.png", est.Count)
		if err := report.SaveGray(filepath.Join(cfg.Output, name), est.Image, width, height); err != nil {
			return err
		}
	}

	// Grid of the individual posterior samples
	mags := make([][]float64, len(samples))
	for i, s := range samples {
		mags[i] = s.Image.Magnitude()
	}
	if err := report.SampleGrid(filepath.Join(cfg.Output, "samples.png"), mags, width, height, 0, 0); err != nil {
		return err
	}

	// Side-by-side comparison: reference, baselines, final posterior mean
	panels := []report.Panel{{Label: "reference", Image: ref, Width: width, Height: height}}
	for _, row := range baselines {
		panels = append(panels, report.Panel{Label: row.name, Image: row.image, Width: width, Height: height})
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		panels = append(panels, report.Panel{Label: last.name, Image: last.image, Width: width, Height: height})
	}
	if err := report.ComparisonPanel(filepath.Join(cfg.Output, "comparison.png"), panels, 256); err != nil {
		return err
	}

	// Metric-versus-count charts with baseline reference lines
	counts := make([]int, len(rows))
	psnrs := make([]float64, len(rows))
	ssims := make([]float64, len(rows))
	basePSNR := make(map[string]float64, len(baselines))
	baseSSIM := make(map[string]float64, len(baselines))
	for i, row := range rows {
		counts[i] = row.count
		psnrs[i] = row.psnr
		ssims[i] = row.ssim
	}
	for _, row := range baselines {
		basePSNR[row.name] = row.psnr
		baseSSIM[row.name] = row.ssim
	}
	if err := report.MetricChart(filepath.Join(cfg.Output, "psnr.png"), "PSNR", counts, psnrs, basePSNR); err != nil {
		return err
	}
	if err := report.MetricChart(filepath.Join(cfg.Output, "ssim.png"), "SSIM", counts, ssims, baseSSIM); err != nil {
		return err
	}

	return writeMetricsCSV(filepath.Join(cfg.Output, "metrics.csv"), rows, baselines)
}

func writeMetricsCSV(path string, rows, baselines []scored) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"method", "samples", "psnr", "ssim", "nrmse"}); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	for _, row := range append(append([]scored{}, baselines...), rows...) {
		record := []string{
			row.name,
			strconv.Itoa(row.count),
			strconv.FormatFloat(row.psnr, 'f', 4, 64),
			strconv.FormatFloat(row.ssim, 'f', 6, 64),
			strconv.FormatFloat(row.nrmse, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("error writing metrics: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func printProgress(done, total int, message string) {
	fmt.Printf("\r%s (%d/%d)", message, done, total)
	if done == total {
		fmt.Println()
	}
}
