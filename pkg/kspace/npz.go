package kspace

import (
	"fmt"

	"mriprior/internal/npz"
)

// kspaceKeys lists the array names tried in order when loading a
// measurement archive. If none is present the first array is used.
var kspaceKeys = []string{"kspace", "ksp", "y", "k"}

// ReadNPZ loads a multi-coil k-space measurement from an .npz archive.
// The array may be 2D (a single coil) or 3D with the coil dimension
// first, stored as complex or real values.
func ReadNPZ(path string) (*CoilImages, error) {
	f, err := npz.Read(path)
	if err != nil {
		return nil, err
	}

	key := f.Keys[0]
	for _, k := range kspaceKeys {
		if _, ok := f.Arrays[k]; ok {
			key = k
			break
		}
	}
	arr := f.Arrays[key]

	var coils, height, width int
	switch len(arr.Shape) {
	case 2:
		coils, height, width = 1, arr.Shape[0], arr.Shape[1]
	case 3:
		coils, height, width = arr.Shape[0], arr.Shape[1], arr.Shape[2]
	default:
		return nil, fmt.Errorf("k-space array %q has unsupported shape %v", key, arr.Shape)
	}

	out := NewCoilImages(width, height, coils)
	copy(out.Data, arr.Data)
	return out, nil
}
