// Package kspace implements the Fourier-domain machinery of MRI
// reconstruction: centered orthonormal FFTs, the coil-weighted
// undersampled forward operator and its adjoint, and coil sensitivity
// estimation from calibration data.
//
// All arrays follow the centered k-space convention: the DC component
// sits at (Width/2, Height/2) in both image and frequency domain, and
// the transforms are unitary so energy is preserved in either direction.
package kspace

import (
	"fmt"
	"math"
	"math/cmplx"
)

// ComplexImage is a single-channel complex-valued image in row-major
// order.
type ComplexImage struct {
	Data   []complex128 // Pixel values, index = y*Width + x
	Width  int
	Height int
}

// NewComplexImage creates a zero-filled complex image.
func NewComplexImage(width, height int) *ComplexImage {
	return &ComplexImage{
		Data:   make([]complex128, width*height),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the image.
func (im *ComplexImage) Clone() *ComplexImage {
	out := NewComplexImage(im.Width, im.Height)
	copy(out.Data, im.Data)
	return out
}

// Magnitude returns the per-pixel absolute values as a fresh slice.
func (im *ComplexImage) Magnitude() []float64 {
	out := make([]float64, len(im.Data))
	for i, v := range im.Data {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// MaxMagnitude returns the largest absolute pixel value.
func (im *ComplexImage) MaxMagnitude() float64 {
	max := 0.0
	for _, v := range im.Data {
		if a := cmplx.Abs(v); a > max {
			max = a
		}
	}
	return max
}

// Scale multiplies every pixel by the given real factor.
func (im *ComplexImage) Scale(s float64) {
	for i := range im.Data {
		im.Data[i] *= complex(s, 0)
	}
}

// Channels flattens the image into the plane-major layout the score
// network consumes. With channels=2 the result holds the full real plane
// followed by the full imaginary plane; with channels=1 it holds the
// magnitude.
func (im *ComplexImage) Channels(channels int) ([]float64, error) {
	n := im.Width * im.Height
	switch channels {
	case 1:
		return im.Magnitude(), nil
	case 2:
		out := make([]float64, 2*n)
		for i, v := range im.Data {
			out[i] = real(v)
			out[n+i] = imag(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
}

// FromChannels rebuilds a complex image from plane-major channel data.
// Single-channel input is interpreted as a real-valued image.
func FromChannels(x []float64, channels, width, height int) (*ComplexImage, error) {
	n := width * height
	if len(x) != channels*n {
		return nil, fmt.Errorf("channel data has %d values, want %d", len(x), channels*n)
	}
	im := NewComplexImage(width, height)
	switch channels {
	case 1:
		for i := 0; i < n; i++ {
			im.Data[i] = complex(x[i], 0)
		}
	case 2:
		for i := 0; i < n; i++ {
			im.Data[i] = complex(x[i], x[n+i])
		}
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	return im, nil
}

// CoilImages is a stack of complex images sharing one geometry, used for
// multi-coil k-space data, coil-space images and sensitivity maps alike.
type CoilImages struct {
	Data   []complex128 // Coil-major values, index = c*Width*Height + y*Width + x
	Width  int
	Height int
	Coils  int
}

// NewCoilImages creates a zero-filled coil stack.
func NewCoilImages(width, height, coils int) *CoilImages {
	return &CoilImages{
		Data:   make([]complex128, width*height*coils),
		Width:  width,
		Height: height,
		Coils:  coils,
	}
}

// Coil returns the c-th plane as a view into the underlying data.
func (ci *CoilImages) Coil(c int) []complex128 {
	n := ci.Width * ci.Height
	return ci.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy of the stack.
func (ci *CoilImages) Clone() *CoilImages {
	out := NewCoilImages(ci.Width, ci.Height, ci.Coils)
	copy(out.Data, ci.Data)
	return out
}

// Scale multiplies every value by the given real factor.
func (ci *CoilImages) Scale(s float64) {
	for i := range ci.Data {
		ci.Data[i] *= complex(s, 0)
	}
}

// RSS combines a stack of coil images into a real image by
// root-sum-of-squares.
func RSS(ci *CoilImages) []float64 {
	n := ci.Width * ci.Height
	out := make([]float64, n)
	for c := 0; c < ci.Coils; c++ {
		plane := ci.Coil(c)
		for i, v := range plane {
			r := real(v)
			im := imag(v)
			out[i] += r*r + im*im
		}
	}
	for i := range out {
		out[i] = math.Sqrt(out[i])
	}
	return out
}
