// Package report renders the output figures of both pipelines: loss
// curves, metric-versus-sample-count charts, posterior sample grids and
// labeled side-by-side comparison panels.
package report

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
)

// GrayImage converts a float image to 16-bit grayscale, mapping
// [0, peak] onto the full intensity range. A non-positive peak
// autoscales to the data maximum.
func GrayImage(data []float64, width, height int, peak float64) (*image.Gray16, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("image has %d values, want %d", len(data), width*height)
	}
	if peak <= 0 {
		for _, v := range data {
			if v > peak {
				peak = v
			}
		}
		if peak <= 0 {
			peak = 1
		}
	}

	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := data[y*width+x] / peak
			value := uint16(math.Max(0, math.Min(65535, v*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// SaveGray writes a float image as a PNG file, autoscaled to its peak.
func SaveGray(path string, data []float64, width, height int) error {
	img, err := GrayImage(data, width, height, 0)
	if err != nil {
		return err
	}
	return savePNG(path, img)
}

// SampleGrid tiles posterior samples into one image, columns across.
// All tiles share one intensity window so differences between samples
// stay visible. With cell > 0 every tile is resized to cell x cell
// pixels; columns < 1 picks a near-square layout.
func SampleGrid(path string, samples [][]float64, width, height, columns, cell int) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to render")
	}
	if columns < 1 {
		columns = int(math.Ceil(math.Sqrt(float64(len(samples)))))
	}

	peak := 0.0
	for i, s := range samples {
		if len(s) != width*height {
			return fmt.Errorf("sample %d has %d values, want %d", i, len(s), width*height)
		}
		for _, v := range s {
			if v > peak {
				peak = v
			}
		}
	}

	tileW, tileH := width, height
	if cell > 0 {
		tileW, tileH = cell, cell
	}
	rows := (len(samples) + columns - 1) / columns
	const gap = 2
	canvas := image.NewGray16(image.Rect(0, 0, columns*tileW+(columns+1)*gap, rows*tileH+(rows+1)*gap))

	for i, s := range samples {
		tile, err := GrayImage(s, width, height, peak)
		if err != nil {
			return err
		}
		var resized image.Image = tile
		if cell > 0 && (width != cell || height != cell) {
			resized = imaging.Resize(tile, cell, cell, imaging.Lanczos)
		}
		col := i % columns
		row := i / columns
		x0 := gap + col*(tileW+gap)
		y0 := gap + row*(tileH+gap)
		draw.Draw(canvas, image.Rect(x0, y0, x0+tileW, y0+tileH), resized, image.Point{}, draw.Src)
	}
	return savePNG(path, canvas)
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("error encoding png: %w", err)
	}
	return nil
}
