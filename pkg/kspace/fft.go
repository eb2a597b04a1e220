package kspace

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT2 computes the centered orthonormal 2D Fourier transform, taking a
// centered image to centered k-space. The transform is unitary, so
// applying IFFT2 afterwards recovers the input exactly.
func FFT2(im *ComplexImage) *ComplexImage {
	out := im.Clone()
	fft2raw(out.Data, out.Width, out.Height, false)
	return out
}

// IFFT2 computes the centered orthonormal inverse 2D Fourier transform,
// taking centered k-space back to a centered image.
func IFFT2(im *ComplexImage) *ComplexImage {
	out := im.Clone()
	fft2raw(out.Data, out.Width, out.Height, true)
	return out
}

// fft2raw transforms data in place. The centering shifts wrap the
// standard DFT so both domains keep their origin in the middle of the
// array, and the 1/sqrt(N) scaling makes forward and inverse unitary.
func fft2raw(data []complex128, width, height int, inverse bool) {
	shift2(data, width, height, (width+1)/2, (height+1)/2)

	rowT := fourier.NewCmplxFFT(width)
	colT := fourier.NewCmplxFFT(height)

	// Transform rows.
	rowIn := make([]complex128, width)
	rowOut := make([]complex128, width)
	for y := 0; y < height; y++ {
		row := data[y*width : (y+1)*width]
		copy(rowIn, row)
		if inverse {
			rowT.Sequence(rowOut, rowIn)
		} else {
			rowT.Coefficients(rowOut, rowIn)
		}
		copy(row, rowOut)
	}

	// Transform columns.
	colIn := make([]complex128, height)
	colOut := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			colIn[y] = data[y*width+x]
		}
		if inverse {
			colT.Sequence(colOut, colIn)
		} else {
			colT.Coefficients(colOut, colIn)
		}
		for y := 0; y < height; y++ {
			data[y*width+x] = colOut[y]
		}
	}

	shift2(data, width, height, width/2, height/2)

	scale := complex(1/math.Sqrt(float64(width*height)), 0)
	for i := range data {
		data[i] *= scale
	}
}

// shift2 circularly shifts a 2D array by (sx, sy) in place.
func shift2(data []complex128, width, height, sx, sy int) {
	tmp := make([]complex128, len(data))
	copy(tmp, data)
	for y := 0; y < height; y++ {
		ny := (y + sy) % height
		for x := 0; x < width; x++ {
			nx := (x + sx) % width
			data[ny*width+nx] = tmp[y*width+x]
		}
	}
}
