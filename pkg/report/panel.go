package report

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// Panel is one labeled tile of a comparison figure.
type Panel struct {
	Label  string
	Image  []float64
	Width  int
	Height int
}

// ComparisonPanel renders the panels side by side on a dark canvas,
// each with its label underneath, all sharing one intensity window.
// cell is the tile edge in pixels; values below 16 fall back to 256.
func ComparisonPanel(path string, panels []Panel, cell int) error {
	if len(panels) == 0 {
		return fmt.Errorf("no panels to render")
	}
	if cell < 16 {
		cell = 256
	}

	peak := 0.0
	for i, p := range panels {
		if len(p.Image) != p.Width*p.Height {
			return fmt.Errorf("panel %d has %d values, want %d", i, len(p.Image), p.Width*p.Height)
		}
		for _, v := range p.Image {
			if v > peak {
				peak = v
			}
		}
	}
	if peak <= 0 {
		peak = 1
	}

	const gap = 4
	const labelBand = 20
	canvasW := len(panels)*cell + (len(panels)+1)*gap
	canvasH := cell + labelBand + 2*gap
	dc := gg.NewContextForImage(image.NewRGBA(image.Rect(0, 0, canvasW, canvasH)))
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	for i, p := range panels {
		tile, err := GrayImage(p.Image, p.Width, p.Height, peak)
		if err != nil {
			return err
		}
		var resized image.Image = tile
		if p.Width != cell || p.Height != cell {
			resized = imaging.Resize(tile, cell, cell, imaging.Lanczos)
		}

		x0 := gap + i*(cell+gap)
		dc.DrawImage(resized, x0, gap)
		dc.SetRGB(1, 1, 1)
		dc.DrawString(p.Label, float64(x0)+2, float64(gap+cell+14))
	}
	return savePNG(path, dc.Image())
}
