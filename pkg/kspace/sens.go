package kspace

import (
	"fmt"
	"math"
)

// EstimateSensitivities derives coil sensitivity maps from the fully
// sampled calibration region at the center of k-space. Each coil is
// restricted to the central calib x calib block, apodized with a Hann
// window to suppress ringing, and inverse-transformed; the smooth coil
// images are then normalized by their root-sum-of-squares so the maps
// describe only the relative spatial weighting of each coil.
//
// This is the classical low-resolution estimate. When the external
// toolbox is available, its ESPIRiT calibration can be used instead for
// higher quality maps.
func EstimateSensitivities(ksp *CoilImages, calib int) (*CoilImages, error) {
	if calib < 2 {
		return nil, fmt.Errorf("calibration size must be at least 2, got %d", calib)
	}
	if calib > ksp.Width || calib > ksp.Height {
		return nil, fmt.Errorf("calibration size %d exceeds k-space extent %dx%d",
			calib, ksp.Width, ksp.Height)
	}

	w, h := ksp.Width, ksp.Height
	n := w * h
	x0 := (w - calib) / 2
	y0 := (h - calib) / 2

	window := hann(calib)
	low := NewCoilImages(w, h, ksp.Coils)
	for c := 0; c < ksp.Coils; c++ {
		src := ksp.Coil(c)
		dst := low.Coil(c)
		for v := 0; v < calib; v++ {
			for u := 0; u < calib; u++ {
				idx := (y0+v)*w + x0 + u
				dst[idx] = src[idx] * complex(window[v]*window[u], 0)
			}
		}
		fft2raw(dst, w, h, true)
	}

	rss := RSS(low)
	maxRSS := 0.0
	for _, v := range rss {
		if v > maxRSS {
			maxRSS = v
		}
	}
	if maxRSS == 0 {
		return nil, fmt.Errorf("calibration region is empty")
	}

	// Zero the maps where the combined signal is negligible so the
	// normalization does not amplify noise outside the object.
	thr := 1e-3 * maxRSS
	sens := NewCoilImages(w, h, ksp.Coils)
	for c := 0; c < ksp.Coils; c++ {
		src := low.Coil(c)
		dst := sens.Coil(c)
		for i := 0; i < n; i++ {
			if rss[i] > thr {
				dst[i] = src[i] / complex(rss[i], 0)
			}
		}
	}
	return sens, nil
}

// hann returns a Hann window of the given length.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*(float64(i)+0.5)/float64(n)))
	}
	return w
}
