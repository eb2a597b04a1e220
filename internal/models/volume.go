// Package models contains the shared data structures used by the
// training and reconstruction pipelines.
package models

// VoxelSize represents the physical dimensions of a voxel in millimeters.
type VoxelSize struct {
	X float64 // Size in x-direction (mm)
	Y float64 // Size in y-direction (mm)
	Z float64 // Size in z-direction (mm)
}

// Volume represents a stack of 2D images as a single complex-valued
// array. Magnitude-only data is stored with zero imaginary parts and
// the Magnitude flag set so downstream code can skip phase handling.
type Volume struct {
	Data      []complex128 // Voxel values, index = z*Width*Height + y*Width + x
	Width     int          // Size in x-direction (voxels)
	Height    int          // Size in y-direction (voxels)
	Depth     int          // Number of slices in z-direction
	Voxel     VoxelSize    // Physical voxel dimensions
	Magnitude bool         // True when the volume carries no phase information
}

// NewVolume creates a zero-filled volume with the given dimensions.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]complex128, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Voxel:  VoxelSize{X: 1, Y: 1, Z: 1},
	}
}

// At returns the voxel value at the given coordinates.
func (v *Volume) At(x, y, z int) complex128 {
	return v.Data[z*v.Width*v.Height+y*v.Width+x]
}

// Set stores a voxel value at the given coordinates.
func (v *Volume) Set(x, y, z int, val complex128) {
	v.Data[z*v.Width*v.Height+y*v.Width+x] = val
}

// Slice returns the z-th slice as a freshly allocated complex array in
// row-major order.
func (v *Volume) Slice(z int) []complex128 {
	n := v.Width * v.Height
	out := make([]complex128, n)
	copy(out, v.Data[z*n:(z+1)*n])
	return out
}

// SetSlice overwrites the z-th slice with the given row-major data.
func (v *Volume) SetSlice(z int, data []complex128) {
	n := v.Width * v.Height
	copy(v.Data[z*n:(z+1)*n], data[:n])
}
