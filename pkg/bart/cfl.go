// Package bart wraps the external reconstruction toolbox. The toolbox
// is invoked as a command-line tool and exchanges data through its
// cfl/hdr file pairs; this package provides the codec for those files
// and typed wrappers for the ecalib, poisson and pics commands.
package bart

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WriteCFL stores a complex array as the toolbox's cfl/hdr file pair.
// The data must be ordered with the first dimension fastest, which
// matches the row-major image layout used throughout this codebase when
// dims[0] is the width.
func WriteCFL(basename string, data []complex128, dims []int) error {
	if len(dims) == 0 {
		return fmt.Errorf("no dimensions given")
	}
	total := 1
	for _, d := range dims {
		if d < 1 {
			return fmt.Errorf("invalid dimension %d", d)
		}
		total *= d
	}
	if total != len(data) {
		return fmt.Errorf("dimensions %v describe %d values, got %d", dims, total, len(data))
	}

	// Header: a comment line followed by the dimension list.
	var hdr bytes.Buffer
	hdr.WriteString("# Dimensions\n")
	strs := make([]string, len(dims))
	for i, d := range dims {
		strs[i] = strconv.Itoa(d)
	}
	hdr.WriteString(strings.Join(strs, " "))
	hdr.WriteString("\n")
	if err := os.WriteFile(basename+".hdr", hdr.Bytes(), 0644); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	// Body: little-endian float32 pairs.
	raw := make([]float32, 2*len(data))
	for i, v := range data {
		raw[2*i] = float32(real(v))
		raw[2*i+1] = float32(imag(v))
	}
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, raw); err != nil {
		return fmt.Errorf("error encoding data: %w", err)
	}
	if err := os.WriteFile(basename+".cfl", body.Bytes(), 0644); err != nil {
		return fmt.Errorf("error writing data: %w", err)
	}
	return nil
}

// ReadCFL loads a cfl/hdr file pair, returning the complex values with
// the first dimension fastest and the dimension list from the header.
func ReadCFL(basename string) ([]complex128, []int, error) {
	hdr, err := os.ReadFile(basename + ".hdr")
	if err != nil {
		return nil, nil, fmt.Errorf("error reading header: %w", err)
	}
	dims, err := parseHeader(string(hdr))
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing header %s.hdr: %w", basename, err)
	}

	total := 1
	for _, d := range dims {
		total *= d
	}

	body, err := os.ReadFile(basename + ".cfl")
	if err != nil {
		return nil, nil, fmt.Errorf("error reading data: %w", err)
	}
	if len(body) != 8*total {
		return nil, nil, fmt.Errorf("data file holds %d bytes, want %d for dimensions %v",
			len(body), 8*total, dims)
	}

	raw := make([]float32, 2*total)
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, raw); err != nil {
		return nil, nil, fmt.Errorf("error decoding data: %w", err)
	}
	data := make([]complex128, total)
	for i := range data {
		data[i] = complex(float64(raw[2*i]), float64(raw[2*i+1]))
	}
	return data, dims, nil
}

// parseHeader extracts the dimension list that follows the
// "# Dimensions" marker line.
func parseHeader(hdr string) ([]int, error) {
	lines := strings.Split(hdr, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "# Dimensions") {
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) == 0 {
			break
		}
		dims := make([]int, len(fields))
		for j, f := range fields {
			d, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("invalid dimension %q", f)
			}
			dims[j] = d
		}
		return dims, nil
	}
	return nil, fmt.Errorf("no dimension line found")
}

// dim returns the i-th dimension, treating missing trailing dimensions
// as 1 like the toolbox does.
func dim(dims []int, i int) int {
	if i < len(dims) {
		return dims[i]
	}
	return 1
}
