package dataset

import (
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"

	"mriprior/internal/models"
)

func TestReadDICOMSeriesEmptyDir(t *testing.T) {
	if _, err := ReadDICOMSeries(t.TempDir()); err == nil {
		t.Error("Expected error for directory without DICOM files")
	}
	if _, err := ReadDICOMSeries(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestReadDICOMSeriesRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.dcm")
	if err := os.WriteFile(path, []byte("not a dicom file"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := ReadDICOMSeries(dir); err == nil {
		t.Error("Expected error for malformed DICOM file")
	}
}

func TestReadNIfTIVolumeMissing(t *testing.T) {
	if _, err := ReadNIfTIVolume(filepath.Join(t.TempDir(), "missing.nii")); err == nil {
		t.Error("Expected error for missing NIfTI file")
	}
}

func TestIsNIfTI(t *testing.T) {
	cases := map[string]bool{
		"brain.nii":    true,
		"brain.nii.gz": true,
		"brain.npz":    false,
		"brain.dcm":    false,
	}
	for name, want := range cases {
		if got := IsNIfTI(name); got != want {
			t.Errorf("IsNIfTI(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestResizeVolume(t *testing.T) {
	vol := models.NewVolume(8, 8, 2)
	vol.Magnitude = true
	vol.Voxel = models.VoxelSize{X: 1, Y: 1, Z: 3}
	for i := range vol.Data {
		vol.Data[i] = complex(0.7, 0)
	}

	out, err := ResizeVolume(vol, 4, 4)
	if err != nil {
		t.Fatalf("ResizeVolume failed: %v", err)
	}
	if out.Width != 4 || out.Height != 4 || out.Depth != 2 {
		t.Fatalf("Resized volume is %dx%dx%d, want 4x4x2", out.Width, out.Height, out.Depth)
	}

	// A constant volume must stay constant up to the 16-bit intensity
	// quantization of the resampler.
	for i, v := range out.Data {
		if diff := cmplx.Abs(v) - 0.7; diff > 0.01 || diff < -0.01 {
			t.Fatalf("Voxel %d = %v after resize, want 0.7", i, v)
		}
	}

	// Halving the in-plane resolution doubles the in-plane voxel size
	// and leaves the slice spacing alone.
	if out.Voxel.X != 2 || out.Voxel.Y != 2 || out.Voxel.Z != 3 {
		t.Errorf("Voxel size is %+v, want {2 2 3}", out.Voxel)
	}
}

func TestResizeVolumeNoop(t *testing.T) {
	vol := models.NewVolume(8, 8, 1)
	out, err := ResizeVolume(vol, 8, 8)
	if err != nil {
		t.Fatalf("ResizeVolume failed: %v", err)
	}
	if out != vol {
		t.Error("Matching geometry should return the volume unchanged")
	}

	if _, err := ResizeVolume(vol, 0, 8); err == nil {
		t.Error("Expected error for degenerate target size")
	}
}
