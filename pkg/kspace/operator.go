package kspace

import (
	"fmt"

	"mriprior/pkg/sampling"
)

// Operator is the undersampled multi-coil measurement model. Forward
// weights an image by the coil sensitivity profiles, transforms each
// coil to k-space and discards the locations the mask excludes; Adjoint
// is the exact conjugate transpose of that chain. The pair satisfies
// <Forward(x), y> == <x, Adjoint(y)> for any image x and measurement y,
// which the posterior sampler relies on for its data-consistency
// gradient.
type Operator struct {
	Mask *sampling.Mask
	Sens *CoilImages
}

// NewOperator validates that mask and sensitivity geometry agree and
// returns the measurement operator.
func NewOperator(mask *sampling.Mask, sens *CoilImages) (*Operator, error) {
	if mask == nil || sens == nil {
		return nil, fmt.Errorf("operator requires both a mask and sensitivity maps")
	}
	if mask.Width != sens.Width || mask.Height != sens.Height {
		return nil, fmt.Errorf("mask is %dx%d but sensitivities are %dx%d",
			mask.Width, mask.Height, sens.Width, sens.Height)
	}
	if sens.Coils < 1 {
		return nil, fmt.Errorf("sensitivity maps contain no coils")
	}
	return &Operator{Mask: mask, Sens: sens}, nil
}

// Forward maps an image to the undersampled multi-coil measurement.
func (op *Operator) Forward(im *ComplexImage) *CoilImages {
	w, h := im.Width, im.Height
	out := NewCoilImages(w, h, op.Sens.Coils)
	n := w * h
	tmp := make([]complex128, n)
	for c := 0; c < op.Sens.Coils; c++ {
		sens := op.Sens.Coil(c)
		for i := 0; i < n; i++ {
			tmp[i] = sens[i] * im.Data[i]
		}
		fft2raw(tmp, w, h, false)
		dst := out.Coil(c)
		for i := 0; i < n; i++ {
			dst[i] = tmp[i] * complex(op.Mask.Data[i], 0)
		}
	}
	return out
}

// Adjoint maps a measurement back to image space, summing the
// conjugate-weighted coil contributions. Applied to raw undersampled
// data this is the zero-filled reconstruction.
func (op *Operator) Adjoint(meas *CoilImages) *ComplexImage {
	w, h := meas.Width, meas.Height
	out := NewComplexImage(w, h)
	n := w * h
	tmp := make([]complex128, n)
	for c := 0; c < meas.Coils; c++ {
		src := meas.Coil(c)
		for i := 0; i < n; i++ {
			tmp[i] = src[i] * complex(op.Mask.Data[i], 0)
		}
		fft2raw(tmp, w, h, true)
		sens := op.Sens.Coil(c)
		for i := 0; i < n; i++ {
			// conj(sens) * coil image
			s := sens[i]
			out.Data[i] += complex(real(s), -imag(s)) * tmp[i]
		}
	}
	return out
}

// Residual computes Adjoint(meas - Forward(im)), the data-consistency
// gradient direction used during posterior sampling.
func (op *Operator) Residual(im *ComplexImage, meas *CoilImages) *ComplexImage {
	pred := op.Forward(im)
	for i := range pred.Data {
		pred.Data[i] = meas.Data[i] - pred.Data[i]
	}
	return op.Adjoint(pred)
}

// Undersample applies the mask to fully sampled multi-coil k-space,
// simulating the accelerated acquisition.
func (op *Operator) Undersample(full *CoilImages) *CoilImages {
	out := full.Clone()
	n := full.Width * full.Height
	for c := 0; c < full.Coils; c++ {
		plane := out.Coil(c)
		for i := 0; i < n; i++ {
			plane[i] *= complex(op.Mask.Data[i], 0)
		}
	}
	return out
}

// CoilImagesFromKspace inverse-transforms every coil of a k-space stack
// to image space.
func CoilImagesFromKspace(ksp *CoilImages) *CoilImages {
	out := ksp.Clone()
	for c := 0; c < out.Coils; c++ {
		fft2raw(out.Coil(c), out.Width, out.Height, true)
	}
	return out
}

// ReferenceImage reconstructs the root-sum-of-squares magnitude image
// from fully sampled multi-coil k-space. It serves as the ground truth
// when scoring undersampled reconstructions.
func ReferenceImage(full *CoilImages) []float64 {
	return RSS(CoilImagesFromKspace(full))
}
