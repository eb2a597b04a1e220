package posterior

import (
	"fmt"
	"sort"
)

// Estimate is the expectation over the first Count posterior samples,
// stored as a magnitude image.
type Estimate struct {
	Count  int
	Width  int
	Height int
	Image  []float64
}

// DefaultCounts returns the doubling ladder 1, 2, 4, ... ending at n.
func DefaultCounts(n int) []int {
	var out []int
	for c := 1; c < n; c *= 2 {
		out = append(out, c)
	}
	return append(out, n)
}

// Aggregate averages sample magnitudes into expectation estimates at
// the requested counts. With counts empty the doubling ladder up to the
// sample count is used. Counts must lie in [1, len(samples)]; they are
// evaluated in ascending order and duplicates collapse into one
// estimate.
func Aggregate(samples []*Sample, counts []int) ([]*Estimate, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to aggregate")
	}
	if len(counts) == 0 {
		counts = DefaultCounts(len(samples))
	}
	want := append([]int(nil), counts...)
	sort.Ints(want)
	for _, c := range want {
		if c < 1 || c > len(samples) {
			return nil, fmt.Errorf("sample count %d outside [1, %d]", c, len(samples))
		}
	}

	width, height := samples[0].Image.Width, samples[0].Image.Height
	sum := make([]float64, width*height)
	var out []*Estimate
	k := 0
	for i, s := range samples {
		if s.Image.Width != width || s.Image.Height != height {
			return nil, fmt.Errorf("sample %d is %dx%d, want %dx%d",
				i, s.Image.Width, s.Image.Height, width, height)
		}
		for j, v := range s.Image.Magnitude() {
			sum[j] += v
		}
		emitted := false
		for k < len(want) && want[k] == i+1 {
			if !emitted {
				est := &Estimate{Count: i + 1, Width: width, Height: height, Image: make([]float64, len(sum))}
				for j := range sum {
					est.Image[j] = sum[j] / float64(i+1)
				}
				out = append(out, est)
				emitted = true
			}
			k++
		}
	}
	return out, nil
}
