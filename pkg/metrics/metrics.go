// Package metrics implements the image quality measures used to score
// reconstructions against the fully sampled reference.
package metrics

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// SSIM window parameters following the standard formulation with a
// dynamic range of 1 for normalized magnitude images.
const (
	windowSize   = 8
	windowStride = 4
	ssimK1       = 0.01
	ssimK2       = 0.03
)

// PSNR returns the peak signal-to-noise ratio in decibels between a
// reference image and a reconstruction, using the given peak value.
// Identical images yield +Inf.
func PSNR(ref, img []float64, peak float64) (float64, error) {
	if len(ref) != len(img) {
		return 0, fmt.Errorf("image sizes differ: %d vs %d", len(ref), len(img))
	}
	if len(ref) == 0 {
		return 0, fmt.Errorf("images are empty")
	}
	if peak <= 0 {
		return 0, fmt.Errorf("peak value must be positive, got %g", peak)
	}

	mse := 0.0
	for i := range ref {
		d := ref[i] - img[i]
		mse += d * d
	}
	mse /= float64(len(ref))
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(peak*peak/mse), nil
}

// SSIM returns the mean structural similarity between a reference image
// and a reconstruction. The index is computed over sliding windows and
// averaged; images smaller than one window fall back to a single global
// comparison.
func SSIM(ref, img []float64, width, height int) (float64, error) {
	if len(ref) != len(img) {
		return 0, fmt.Errorf("image sizes differ: %d vs %d", len(ref), len(img))
	}
	if width*height != len(ref) {
		return 0, fmt.Errorf("dimensions %dx%d do not match %d pixels", width, height, len(ref))
	}

	if width < windowSize || height < windowSize {
		return ssimPatch(ref, img), nil
	}

	wr := make([]float64, windowSize*windowSize)
	wi := make([]float64, windowSize*windowSize)
	sum := 0.0
	count := 0
	for y := 0; y+windowSize <= height; y += windowStride {
		for x := 0; x+windowSize <= width; x += windowStride {
			k := 0
			for wy := 0; wy < windowSize; wy++ {
				row := (y + wy) * width
				for wx := 0; wx < windowSize; wx++ {
					wr[k] = ref[row+x+wx]
					wi[k] = img[row+x+wx]
					k++
				}
			}
			sum += ssimPatch(wr, wi)
			count++
		}
	}
	return sum / float64(count), nil
}

// ssimPatch evaluates the SSIM formula on one pair of patches.
func ssimPatch(ref, img []float64) float64 {
	c1 := ssimK1 * ssimK1
	c2 := ssimK2 * ssimK2

	muR := stat.Mean(ref, nil)
	muI := stat.Mean(img, nil)
	varR := stat.Variance(ref, nil)
	varI := stat.Variance(img, nil)
	cov := stat.Covariance(ref, img, nil)

	num := (2*muR*muI + c1) * (2*cov + c2)
	den := (muR*muR + muI*muI + c1) * (varR + varI + c2)
	return num / den
}

// NRMSE returns the normalized root-mean-square error, the l2 distance
// between the images divided by the l2 norm of the reference.
func NRMSE(ref, img []float64) (float64, error) {
	if len(ref) != len(img) {
		return 0, fmt.Errorf("image sizes differ: %d vs %d", len(ref), len(img))
	}
	if len(ref) == 0 {
		return 0, fmt.Errorf("images are empty")
	}

	num := 0.0
	den := 0.0
	for i := range ref {
		d := ref[i] - img[i]
		num += d * d
		den += ref[i] * ref[i]
	}
	if den == 0 {
		return 0, fmt.Errorf("reference image is identically zero")
	}
	return math.Sqrt(num / den), nil
}

// Summary describes the spread of a per-sample metric across
// reconstructions.
type Summary struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Summarize aggregates metric values over a set of samples.
func Summarize(values []float64) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, fmt.Errorf("no values to summarize")
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return Summary{}, fmt.Errorf("error computing mean: %w", err)
	}
	std, err := stats.StandardDeviation(values)
	if err != nil {
		return Summary{}, fmt.Errorf("error computing standard deviation: %w", err)
	}
	min, err := stats.Min(values)
	if err != nil {
		return Summary{}, fmt.Errorf("error computing minimum: %w", err)
	}
	max, err := stats.Max(values)
	if err != nil {
		return Summary{}, fmt.Errorf("error computing maximum: %w", err)
	}
	return Summary{Mean: mean, Std: std, Min: min, Max: max}, nil
}
