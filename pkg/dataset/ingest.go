package dataset

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/henghuang/nifti"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"

	"mriprior/internal/models"
)

// dicomSlice is one parsed slice of a DICOM series.
type dicomSlice struct {
	name      string
	pixels    []float64
	width     int
	height    int
	instance  int
	spacing   [2]float64 // row spacing, column spacing (mm)
	thickness float64
}

// parseDataSet wraps the DICOM parser, which panics on malformed input,
// and converts those panics into recoverable errors.
func parseDataSet(r io.Reader, n int64) (ds *element.DataSet, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	p, err := dicom.NewParser(r, n, nil)
	if err != nil {
		return nil, err
	}
	return p.Parse(dicom.ParseOptions{DropPixelData: false})
}

// readDICOMSlice parses a single DICOM file into pixel values and the
// geometry tags the series reader needs.
func readDICOMSlice(path string) (*dicomSlice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error sizing %s: %w", path, err)
	}

	ds, err := parseDataSet(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if ds == nil {
		return nil, fmt.Errorf("error parsing %s: empty data set", path)
	}

	out := &dicomSlice{name: filepath.Base(path), instance: -1}
	for _, elem := range ds.Elements {
		switch {
		case elem.Tag == dicomtag.Rows:
			if v, ok := elem.Value[0].(uint16); ok {
				out.height = int(v)
			}
		case elem.Tag == dicomtag.Columns:
			if v, ok := elem.Value[0].(uint16); ok {
				out.width = int(v)
			}
		case elem.Tag == dicomtag.InstanceNumber:
			if s, ok := elem.Value[0].(string); ok {
				if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					out.instance = n
				}
			}
		case elem.Tag == dicomtag.PixelSpacing:
			for k, v := range elem.Value {
				if k > 1 {
					break
				}
				if s, ok := v.(string); ok {
					if mm, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
						out.spacing[k] = mm
					}
				}
			}
		case elem.Tag == dicomtag.SliceThickness:
			if s, ok := elem.Value[0].(string); ok {
				if mm, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					out.thickness = mm
				}
			}
		case elem.Tag == dicomtag.PixelData:
			data, ok := elem.Value[0].(element.PixelDataInfo)
			if !ok {
				return nil, fmt.Errorf("%s has malformed pixel data", path)
			}
			for _, fr := range data.Frames {
				if fr.IsEncapsulated() {
					img, err := fr.GetImage()
					if err != nil {
						return nil, fmt.Errorf("error decoding %s: %w", path, err)
					}
					out.pixels = append(out.pixels, grayValues(img)...)
					continue
				}
				for j := 0; j < len(fr.NativeData.Data); j++ {
					v := float64(fr.NativeData.Data[j][0])
					if v < 0 {
						v = 0
					}
					out.pixels = append(out.pixels, v)
				}
			}
		}
	}

	if out.width < 1 || out.height < 1 || len(out.pixels) != out.width*out.height {
		return nil, fmt.Errorf("%s has %d pixel values for a %dx%d image",
			path, len(out.pixels), out.width, out.height)
	}
	return out, nil
}

// grayValues flattens a decoded image to grayscale intensities.
func grayValues(img image.Image) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			out = append(out, float64(g.Y))
		}
	}
	return out
}

// dicomExtensions lists the file suffixes treated as DICOM slices.
var dicomExtensions = map[string]bool{".dcm": true, ".dicom": true, ".ima": true}

// ReadDICOMSeries loads every DICOM file in a directory and stacks the
// slices into a magnitude volume, ordered by instance number. Series
// without instance numbers fall back to filename order.
func ReadDICOMSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading series directory: %w", err)
	}

	var slices []*dicomSlice
	numbered := true
	for _, entry := range entries {
		if entry.IsDir() || !dicomExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		s, err := readDICOMSlice(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if s.instance < 0 {
			numbered = false
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM files found in %s", dir)
	}

	if numbered {
		sort.SliceStable(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })
	} else {
		sort.SliceStable(slices, func(i, j int) bool { return slices[i].name < slices[j].name })
	}

	w, h := slices[0].width, slices[0].height
	for _, s := range slices {
		if s.width != w || s.height != h {
			return nil, fmt.Errorf("slice %s is %dx%d but the series started at %dx%d",
				s.name, s.width, s.height, w, h)
		}
	}

	vol := models.NewVolume(w, h, len(slices))
	vol.Magnitude = true
	if first := slices[0]; first.spacing[0] > 0 && first.spacing[1] > 0 {
		vol.Voxel.Y = first.spacing[0]
		vol.Voxel.X = first.spacing[1]
	}
	if slices[0].thickness > 0 {
		vol.Voxel.Z = slices[0].thickness
	}

	n := w * h
	for z, s := range slices {
		for i, v := range s.pixels {
			vol.Data[z*n+i] = complex(v, 0)
		}
	}
	return vol, nil
}

// parseNIfTIImage wraps the NIfTI loader, which panics on malformed
// input, and converts those panics into recoverable errors.
func parseNIfTIImage(path string) (img nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	img.LoadImage(path, true)
	return
}

// parseNIfTIHeader wraps the NIfTI header loader the same way.
func parseNIfTIHeader(path string) (hdr nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	hdr.LoadHeader(path)
	return
}

// ReadNIfTIVolume loads a .nii or .nii.gz file as a magnitude volume.
// Multi-timepoint images contribute only their first volume. Negative
// values from signed storage clamp to zero.
func ReadNIfTIVolume(path string) (*models.Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}

	img, err := parseNIfTIImage(path)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	dims := img.GetDims()
	if len(dims) < 3 || dims[0] < 1 || dims[1] < 1 || dims[2] < 1 {
		return nil, fmt.Errorf("%s has degenerate dimensions %v", path, dims)
	}
	xm, ym, zm := dims[0], dims[1], dims[2]

	vol := models.NewVolume(xm, ym, zm)
	vol.Magnitude = true
	for z := 0; z < zm; z++ {
		for y := 0; y < ym; y++ {
			for x := 0; x < xm; x++ {
				v := float64(img.GetAt(x, y, z, 0))
				if v < 0 {
					v = 0
				}
				vol.Set(x, y, z, complex(v, 0))
			}
		}
	}

	if hdr, err := parseNIfTIHeader(path); err == nil {
		if hdr.Pixdim[1] > 0 {
			vol.Voxel.X = float64(hdr.Pixdim[1])
		}
		if hdr.Pixdim[2] > 0 {
			vol.Voxel.Y = float64(hdr.Pixdim[2])
		}
		if hdr.Pixdim[3] > 0 {
			vol.Voxel.Z = float64(hdr.Pixdim[3])
		}
	}
	return vol, nil
}

// IsNIfTI reports whether a filename looks like a NIfTI volume.
func IsNIfTI(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// ResizeVolume resamples every slice of a magnitude volume to the given
// in-plane geometry with Lanczos filtering. Voxel sizes scale to keep
// the physical extent. Phase is discarded, so complex volumes come back
// as magnitude data.
func ResizeVolume(vol *models.Volume, width, height int) (*models.Volume, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("target size %dx%d is not usable", width, height)
	}
	if width == vol.Width && height == vol.Height {
		return vol, nil
	}

	peak := 0.0
	for _, v := range vol.Data {
		if a := cmplx.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		peak = 1
	}

	out := models.NewVolume(width, height, vol.Depth)
	out.Magnitude = true
	out.Voxel = models.VoxelSize{
		X: vol.Voxel.X * float64(vol.Width) / float64(width),
		Y: vol.Voxel.Y * float64(vol.Height) / float64(height),
		Z: vol.Voxel.Z,
	}

	n := width * height
	for z := 0; z < vol.Depth; z++ {
		plane := vol.Slice(z)
		src := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for i, v := range plane {
			y := uint16(math.Max(0, math.Min(65535, cmplx.Abs(v)/peak*65535)))
			src.SetGray16(i%vol.Width, i/vol.Width, color.Gray16{Y: y})
		}

		resized := imaging.Resize(src, width, height, imaging.Lanczos)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(resized.At(x, y)).(color.Gray16)
				out.Data[z*n+y*width+x] = complex(float64(g.Y)/65535*peak, 0)
			}
		}
	}
	return out, nil
}
