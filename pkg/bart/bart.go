package bart

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mriprior/pkg/kspace"
	"mriprior/pkg/sampling"
)

// Toolbox is a handle on the external reconstruction toolbox
// executable.
type Toolbox struct {
	// Path is the resolved executable.
	Path string

	// UseGPU forwards the GPU flag to commands that support it.
	UseGPU bool
}

// Find locates the toolbox executable. An explicit path wins; otherwise
// the TOOLBOX_PATH environment variable and finally the system PATH are
// searched.
func Find(explicit string) (*Toolbox, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("toolbox executable not found at %s: %w", explicit, err)
		}
		return &Toolbox{Path: explicit}, nil
	}
	if env := os.Getenv("TOOLBOX_PATH"); env != "" {
		candidate := filepath.Join(env, "bart")
		if _, err := os.Stat(candidate); err == nil {
			return &Toolbox{Path: candidate}, nil
		}
	}
	path, err := exec.LookPath("bart")
	if err != nil {
		return nil, fmt.Errorf("toolbox executable not found; set TOOLBOX_PATH or install it on PATH: %w", err)
	}
	return &Toolbox{Path: path}, nil
}

// Run executes one toolbox command and returns its combined output.
func (t *Toolbox) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("toolbox command %q failed: %w\n%s",
			strings.Join(args, " "), err, out.String())
	}
	return out.Bytes(), nil
}

// Version returns the toolbox version string.
func (t *Toolbox) Version(ctx context.Context) (string, error) {
	out, err := t.Run(ctx, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Ecalib estimates coil sensitivity maps with the toolbox's ESPIRiT
// calibration, restricted to a single map set.
func (t *Toolbox) Ecalib(ctx context.Context, ksp *kspace.CoilImages, calib int) (*kspace.CoilImages, error) {
	dir, err := os.MkdirTemp("", "ecalib")
	if err != nil {
		return nil, fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "ksp")
	out := filepath.Join(dir, "sens")
	dims := []int{ksp.Width, ksp.Height, 1, ksp.Coils}
	if err := WriteCFL(in, ksp.Data, dims); err != nil {
		return nil, err
	}

	args := []string{"ecalib", "-m", "1", "-r", strconv.Itoa(calib), in, out}
	if _, err := t.Run(ctx, args...); err != nil {
		return nil, err
	}

	data, outDims, err := ReadCFL(out)
	if err != nil {
		return nil, err
	}
	if dim(outDims, 0) != ksp.Width || dim(outDims, 1) != ksp.Height || dim(outDims, 3) != ksp.Coils {
		return nil, fmt.Errorf("calibration returned dimensions %v, want %dx%d with %d coils",
			outDims, ksp.Width, ksp.Height, ksp.Coils)
	}

	sens := kspace.NewCoilImages(ksp.Width, ksp.Height, ksp.Coils)
	copy(sens.Data, data)
	return sens, nil
}

// Poisson generates a variable-density Poisson-disc sampling pattern
// with the toolbox generator.
func (t *Toolbox) Poisson(ctx context.Context, width, height int, accelX, accelY float64, calib int, seed int64) (*sampling.Mask, error) {
	dir, err := os.MkdirTemp("", "poisson")
	if err != nil {
		return nil, fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "pattern")
	args := []string{
		"poisson",
		"-Y", strconv.Itoa(height),
		"-Z", strconv.Itoa(width),
		"-y", strconv.FormatFloat(accelY, 'g', -1, 64),
		"-z", strconv.FormatFloat(accelX, 'g', -1, 64),
		"-C", strconv.Itoa(calib),
		"-s", strconv.FormatInt(seed, 10),
		"-v",
		out,
	}
	if _, err := t.Run(ctx, args...); err != nil {
		return nil, err
	}

	data, dims, err := ReadCFL(out)
	if err != nil {
		return nil, err
	}
	// The generator emits its pattern on the two phase-encode
	// dimensions, so the array is 1 x height x width with the height
	// index fastest after the singleton.
	if dim(dims, 1) != height || dim(dims, 2) != width {
		return nil, fmt.Errorf("pattern has dimensions %v, want 1x%dx%d", dims, height, width)
	}

	m := sampling.NewMask(width, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			if real(data[x*height+y]) != 0 {
				m.Data[y*width+x] = 1
			}
		}
	}
	m.Calib = calib
	return m, nil
}

// Pics runs the toolbox's iterative compressed-sensing reconstruction
// on undersampled k-space with l1-wavelet regularization. It serves as
// the classical baseline the posterior samples are compared against.
func (t *Toolbox) Pics(ctx context.Context, ksp, sens *kspace.CoilImages, reg float64) (*kspace.ComplexImage, error) {
	if ksp.Width != sens.Width || ksp.Height != sens.Height || ksp.Coils != sens.Coils {
		return nil, fmt.Errorf("k-space is %dx%dx%d but sensitivities are %dx%dx%d",
			ksp.Width, ksp.Height, ksp.Coils, sens.Width, sens.Height, sens.Coils)
	}

	dir, err := os.MkdirTemp("", "pics")
	if err != nil {
		return nil, fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	kspPath := filepath.Join(dir, "ksp")
	sensPath := filepath.Join(dir, "sens")
	outPath := filepath.Join(dir, "img")
	dims := []int{ksp.Width, ksp.Height, 1, ksp.Coils}
	if err := WriteCFL(kspPath, ksp.Data, dims); err != nil {
		return nil, err
	}
	if err := WriteCFL(sensPath, sens.Data, dims); err != nil {
		return nil, err
	}

	args := []string{"pics", "-S", "-R", fmt.Sprintf("W:7:0:%g", reg)}
	if t.UseGPU {
		args = append(args, "-g")
	}
	args = append(args, kspPath, sensPath, outPath)
	if _, err := t.Run(ctx, args...); err != nil {
		return nil, err
	}

	data, outDims, err := ReadCFL(outPath)
	if err != nil {
		return nil, err
	}
	if dim(outDims, 0) != ksp.Width || dim(outDims, 1) != ksp.Height {
		return nil, fmt.Errorf("reconstruction has dimensions %v, want %dx%d",
			outDims, ksp.Width, ksp.Height)
	}

	im := kspace.NewComplexImage(ksp.Width, ksp.Height)
	copy(im.Data, data[:ksp.Width*ksp.Height])
	return im, nil
}
