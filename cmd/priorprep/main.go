package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"mriprior/internal/models"
	"mriprior/pkg/dataset"
)

// manifestRow describes one converted volume in the output manifest.
type manifestRow struct {
	name   string
	file   string
	width  int
	height int
	slices int
	voxel  models.VoxelSize
	split  string
}

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing DICOM series (one per subdirectory) or NIfTI volumes")
	outputDir := flag.String("output", "data/train", "Directory receiving the .npz training volumes")
	width := flag.Int("width", 0, "Resample slices to this width (0 keeps the source geometry)")
	height := flag.Int("height", 0, "Resample slices to this height (0 matches -width)")
	valFraction := flag.Float64("val-fraction", 0, "Fraction of volumes marked for validation in the manifest")
	seed := flag.Int64("seed", 42, "Seed for the validation hold-out draw")
	cores := flag.Int("cores", runtime.NumCPU(), "Number of volumes to convert concurrently")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *height == 0 {
		*height = *width
	}
	if *valFraction < 0 || *valFraction >= 1 {
		log.Fatalf("Validation fraction must be in [0, 1), got %g", *valFraction)
	}
	if *cores < 1 {
		*cores = 1
	}

	fmt.Println("================================")
	fmt.Println("TRAINING DATA PREPARATION FOR THE MRI SCORE PRIOR")
	fmt.Println("================================")

	entries, err := os.ReadDir(*inputDir)
	if err != nil {
		log.Fatalf("Failed to read input directory: %v", err)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	type result struct {
		row *manifestRow
		err error
	}
	results := make(chan result, len(entries))
	sem := make(chan struct{}, *cores)
	launched := 0
	for _, entry := range entries {
		path := filepath.Join(*inputDir, entry.Name())

		var name string
		switch {
		case entry.IsDir():
			name = entry.Name()
		case dataset.IsNIfTI(entry.Name()):
			name = strings.TrimSuffix(entry.Name(), ".nii.gz")
			name = strings.TrimSuffix(name, ".nii")
		default:
			continue
		}

		launched++
		go func(path, name string, isDir bool) {
			sem <- struct{}{}
			defer func() { <-sem }()
			row, err := convert(path, name, isDir, *outputDir, *width, *height)
			results <- result{row: row, err: err}
		}(path, name, entry.IsDir())
	}

	rows := make([]manifestRow, 0, launched)
	for i := 0; i < launched; i++ {
		res := <-results
		if res.err != nil {
			log.Fatalf("Conversion failed: %v", res.err)
		}
		if res.row == nil {
			continue
		}
		fmt.Printf("%s: %dx%d, %d slices, voxel %.2fx%.2fx%.2f mm -> %s\n",
			res.row.name, res.row.width, res.row.height, res.row.slices,
			res.row.voxel.X, res.row.voxel.Y, res.row.voxel.Z,
			filepath.Join(*outputDir, res.row.file))
		rows = append(rows, *res.row)
	}

	if len(rows) == 0 {
		log.Fatalf("No DICOM series or NIfTI volumes found in %s", *inputDir)
	}

	valCount := assignSplits(rows, *valFraction, *seed)
	manifestPath := filepath.Join(*outputDir, "manifest.csv")
	if err := writeManifest(manifestPath, rows); err != nil {
		log.Fatalf("Failed to write manifest: %v", err)
	}

	fmt.Printf("\nConverted %d volumes to %s\n", len(rows), *outputDir)
	if valCount > 0 {
		fmt.Printf("Held out %d of %d volumes for validation in %s\n", valCount, len(rows), manifestPath)
	}
	fmt.Println("Point data.path of the training configuration at this directory.")
}

// convert reads one DICOM series or NIfTI volume, optionally resamples
// it and writes the normalized .npz volume. Unreadable inputs are
// skipped with a log line rather than failing the run.
func convert(path, name string, isDir bool, outputDir string, width, height int) (*manifestRow, error) {
	var vol *models.Volume
	var err error
	if isDir {
		vol, err = dataset.ReadDICOMSeries(path)
	} else {
		vol, err = dataset.ReadNIfTIVolume(path)
	}
	if err != nil {
		log.Printf("Skipping %s: %v", filepath.Base(path), err)
		return nil, nil
	}

	if width > 0 {
		vol, err = dataset.ResizeVolume(vol, width, height)
		if err != nil {
			return nil, fmt.Errorf("error resizing %s: %w", name, err)
		}
	}

	file := name + ".npz"
	if err := dataset.SaveVolume(filepath.Join(outputDir, file), vol); err != nil {
		return nil, fmt.Errorf("error writing %s: %w", file, err)
	}
	return &manifestRow{
		name:   name,
		file:   file,
		width:  vol.Width,
		height: vol.Height,
		slices: vol.Depth,
		voxel:  vol.Voxel,
	}, nil
}

// assignSplits marks a random fraction of the volumes as validation
// data and the rest as training data. The split is drawn per volume,
// not per slice, so no subject contributes to both sides. Returns the
// number of validation volumes.
func assignSplits(rows []manifestRow, valFraction float64, seed int64) int {
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	for i := range rows {
		rows[i].split = "train"
	}
	valCount := int(valFraction*float64(len(rows)) + 0.5)
	if valCount > 0 {
		rng := rand.New(rand.NewSource(seed))
		for _, idx := range rng.Perm(len(rows))[:valCount] {
			rows[idx].split = "val"
		}
	}
	return valCount
}

// writeManifest records every converted volume and its split assignment.
func writeManifest(path string, rows []manifestRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating manifest: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"name", "file", "width", "height", "slices", "split"}); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.name, r.file,
			strconv.Itoa(r.width), strconv.Itoa(r.height), strconv.Itoa(r.slices),
			r.split,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("error writing manifest: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
