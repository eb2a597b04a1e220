package dataset

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"mriprior/internal/models"
	"mriprior/internal/npz"
)

// writeTestVolume stores a small synthetic volume with a known peak.
func writeTestVolume(t *testing.T, path string, depth, height, width int, peak float64) {
	t.Helper()

	data := make([]float64, depth*height*width)
	for i := range data {
		data[i] = peak * float64(i%7) / 6
	}
	data[0] = peak

	entries := make([]npz.Entry, depth)
	n := height * width
	for z := 0; z < depth; z++ {
		entries[z] = npz.Entry{
			Name: "slice",
			Rows: height,
			Cols: width,
			Data: data[z*n : (z+1)*n],
		}
	}
	// A single 3D array would also work; per-slice entries mirror the
	// layout SaveVolume produces.
	for i := range entries {
		entries[i].Name = entries[i].Name + string(rune('a'+i))
	}
	if err := npz.Write(path, entries); err != nil {
		t.Fatalf("writing test volume: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTestVolume(t, filepath.Join(dir, "vol1.npz"), 3, 8, 6, 2.0)
	writeTestVolume(t, filepath.Join(dir, "vol2.npz"), 2, 8, 6, 0.5)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatalf("writing decoy file: %v", err)
	}

	d, err := LoadDir(dir, 1, true)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	if d.Len() != 5 {
		t.Fatalf("loaded %d slices, want 5", d.Len())
	}
	for _, s := range d.Slices {
		if s.Width != 6 || s.Height != 8 || s.Channels != 1 {
			t.Fatalf("slice geometry %dx%dx%d, want 6x8x1", s.Width, s.Height, s.Channels)
		}
	}

	// Normalization caps every slice at unit peak.
	for _, s := range d.Slices {
		for _, v := range s.Data {
			if v < 0 || v > 1+1e-12 {
				t.Fatalf("normalized value %g outside [0, 1]", v)
			}
		}
	}
}

func TestLoadDirEmpty(t *testing.T) {
	if _, err := LoadDir(t.TempDir(), 1, true); err == nil {
		t.Error("expected error for directory without volumes")
	}
}

func TestTwoChannelSlices(t *testing.T) {
	vol := models.NewVolume(4, 4, 1)
	for i := range vol.Data {
		vol.Data[i] = complex(float64(i), -float64(i))
	}

	slices, err := SlicesFromVolume(vol, 2, false, "test")
	if err != nil {
		t.Fatalf("SlicesFromVolume failed: %v", err)
	}
	if len(slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(slices))
	}

	s := slices[0]
	if len(s.Data) != 2*16 {
		t.Fatalf("channel data has %d values, want 32", len(s.Data))
	}
	for i := 0; i < 16; i++ {
		if s.Data[i] != float64(i) || s.Data[16+i] != -float64(i) {
			t.Fatalf("real/imaginary planes wrong at %d: %g, %g", i, s.Data[i], s.Data[16+i])
		}
	}
}

func TestZeroVolumeRejected(t *testing.T) {
	vol := models.NewVolume(4, 4, 2)
	if _, err := SlicesFromVolume(vol, 1, true, "test"); err == nil {
		t.Error("expected error for zero volume with normalization")
	}
}

func TestSplit(t *testing.T) {
	d := &Dataset{}
	for i := 0; i < 20; i++ {
		d.Slices = append(d.Slices, &Slice{Index: i})
	}

	train, val := d.Split(0.25, 1)
	if val.Len() != 5 || train.Len() != 15 {
		t.Fatalf("split sizes %d/%d, want 15/5", train.Len(), val.Len())
	}

	// The same seed reproduces the same assignment.
	train2, val2 := d.Split(0.25, 1)
	for i := range val.Slices {
		if val.Slices[i].Index != val2.Slices[i].Index {
			t.Fatal("split is not deterministic for a fixed seed")
		}
	}
	if train2.Len() != train.Len() {
		t.Fatal("split sizes differ between runs")
	}

	// No slice may appear in both subsets.
	seen := make(map[int]bool)
	for _, s := range val.Slices {
		seen[s.Index] = true
	}
	for _, s := range train.Slices {
		if seen[s.Index] {
			t.Fatalf("slice %d is in both subsets", s.Index)
		}
	}
}

func TestSplitKeepsTrainingData(t *testing.T) {
	d := &Dataset{Slices: []*Slice{{Index: 0}, {Index: 1}}}
	train, _ := d.Split(0.9, 3)
	if train.Len() < 1 {
		t.Error("split removed all training slices")
	}
}

func TestBatches(t *testing.T) {
	d := &Dataset{}
	for i := 0; i < 10; i++ {
		d.Slices = append(d.Slices, &Slice{Index: i})
	}

	rng := rand.New(rand.NewSource(2))
	batches := d.Batches(4, rng)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[2]) != 2 {
		t.Errorf("final batch has %d elements, want 2", len(batches[2]))
	}

	seen := make(map[int]bool)
	for _, b := range batches {
		for _, idx := range b {
			if seen[idx] {
				t.Fatalf("index %d appears twice", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 10 {
		t.Errorf("batches cover %d indices, want 10", len(seen))
	}
}

func TestNoiseLevelIndices(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	idx := NoiseLevelIndices(1000, 8, rng)

	counts := make([]int, 8)
	for _, i := range idx {
		if i < 0 || i >= 8 {
			t.Fatalf("index %d out of range", i)
		}
		counts[i]++
	}
	// Every level should be drawn at least once over a thousand draws.
	for level, c := range counts {
		if c == 0 {
			t.Errorf("level %d never drawn", level)
		}
	}
}

func TestSaveVolumeRoundTrip(t *testing.T) {
	vol := models.NewVolume(6, 4, 2)
	for i := range vol.Data {
		vol.Data[i] = complex(float64(i)/10, 0)
	}

	path := filepath.Join(t.TempDir(), "vol.npz")
	if err := SaveVolume(path, vol); err != nil {
		t.Fatalf("SaveVolume failed: %v", err)
	}

	slices, err := LoadFile(path, 1, false)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(slices))
	}
	for z, s := range slices {
		for i, v := range s.Data {
			want := math.Abs(float64(z*24+i) / 10)
			if math.Abs(v-want) > 1e-12 {
				t.Fatalf("slice %d value %d: got %g, want %g", z, i, v, want)
			}
		}
	}
}
