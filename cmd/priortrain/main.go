package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"mriprior/internal/fetch"
	"mriprior/pkg/config"
	"mriprior/pkg/dataset"
	"mriprior/pkg/report"
	"mriprior/pkg/score"
	"mriprior/pkg/sde"
	"mriprior/pkg/trainer"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "train.yaml", "Training configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultTrainConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadTrainConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("NOISE-CONDITIONAL SCORE PRIOR TRAINING ON MRI MAGNITUDE IMAGES")
	fmt.Println("================================")

	// Interrupts abort cleanly between batches, leaving a marker in the
	// training log.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Fetch the dataset when it is not on disk yet
	if err := fetch.EnsureDir(ctx, cfg.Data.URL, cfg.Data.SHA256, cfg.Data.Path); err != nil {
		log.Fatalf("Failed to prepare dataset: %v", err)
	}

	data, err := dataset.LoadDir(cfg.Data.Path, cfg.Data.Channels, cfg.Data.Normalize)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	train, val := data.Split(cfg.Data.ValFraction, cfg.Training.Seed)
	fmt.Printf("Loaded %d slices: %d training, %d validation\n", data.Len(), train.Len(), val.Len())

	sched, err := sde.New(sde.Kind(cfg.Diffusion.Kind), cfg.Diffusion.SigmaMin, cfg.Diffusion.SigmaMax, cfg.Diffusion.Levels)
	if err != nil {
		log.Fatalf("Failed to build noise schedule: %v", err)
	}

	net, err := score.NewNetwork(score.Config{
		Channels:      cfg.Data.Channels,
		Features:      cfg.Model.Features,
		Blocks:        cfg.Model.ResidualBlocks,
		EmbeddingSize: cfg.Model.EmbeddingSize,
	}, cfg.Training.Seed)
	if err != nil {
		log.Fatalf("Failed to build score network: %v", err)
	}
	fmt.Printf("Network: %d features, %d residual blocks, %s schedule with %d levels\n",
		cfg.Model.Features, cfg.Model.ResidualBlocks, cfg.Diffusion.Kind, sched.Levels())

	tr, err := trainer.New(&trainer.Params{
		Config:   cfg,
		Schedule: sched,
		Network:  net,
		Train:    train,
		Val:      val,
		Progress: printProgress,
	})
	if err != nil {
		log.Fatalf("Failed to set up trainer: %v", err)
	}

	fmt.Printf("Starting training for %d epochs on %d cores...\n", cfg.Training.Epochs, cfg.Training.NumCores)
	startTime := time.Now()
	result, err := tr.Run(ctx)
	if err != nil {
		log.Fatalf("Training failed: %v", err)
	}
	trainingTime := time.Since(startTime)

	fmt.Printf("\nTraining completed in %.2f seconds\n", trainingTime.Seconds())
	fmt.Printf("Final training loss: %.6f\n", result.FinalLoss)
	fmt.Printf("Checkpoint saved to: %s\n", result.CheckpointPath)
	fmt.Printf("Training log: %s\n", filepath.Join(cfg.Workspace, "train.log"))

	// Render the loss curve across epochs
	trainLoss := make([]float64, len(result.History))
	valLoss := make([]float64, len(result.History))
	for i, epoch := range result.History {
		trainLoss[i] = epoch.TrainLoss
		valLoss[i] = epoch.ValLoss
	}
	lossPath := filepath.Join(cfg.Workspace, "loss.png")
	if err := report.LossChart(lossPath, trainLoss, valLoss); err != nil {
		log.Printf("Warning: Failed to render loss chart: %v", err)
	} else {
		fmt.Printf("Loss chart saved to: %s\n", lossPath)
	}
}

func printProgress(done, total int, message string) {
	fmt.Printf("\r%s: %d/%d batches", message, done, total)
	if done == total {
		fmt.Println()
	}
}
