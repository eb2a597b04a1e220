package posterior

import (
	"context"
	"errors"
	"math"
	"testing"

	"mriprior/pkg/kspace"
	"mriprior/pkg/sampling"
	"mriprior/pkg/score"
	"mriprior/pkg/sde"
)

// fullOperator builds a single-coil identity measurement model: unit
// sensitivities and a fully sampled mask, so Adjoint(Forward(x)) == x.
func fullOperator(t *testing.T, width, height int) *kspace.Operator {
	t.Helper()
	mask, err := sampling.Equispaced(width, height, 1, 0)
	if err != nil {
		t.Fatalf("failed to build mask: %v", err)
	}
	sens := kspace.NewCoilImages(width, height, 1)
	for i := range sens.Data {
		sens.Data[i] = 1
	}
	op, err := kspace.NewOperator(mask, sens)
	if err != nil {
		t.Fatalf("failed to build operator: %v", err)
	}
	return op
}

func smoothTruth(width, height int) *kspace.ComplexImage {
	im := kspace.NewComplexImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := 0.5 + 0.3*math.Sin(float64(x)/3)*math.Cos(float64(y)/2)
			im.Data[y*width+x] = complex(v, 0.1*v)
		}
	}
	return im
}

// zeroNetwork returns a network whose score is identically zero, so
// chain dynamics reduce to the data-consistency term.
func zeroNetwork(t *testing.T, channels int) *score.Network {
	t.Helper()
	net, err := score.NewNetwork(score.Config{Channels: channels, Features: 2, Blocks: 1, EmbeddingSize: 4}, 1)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	for _, p := range net.Parameters() {
		for i := range p {
			p[i] = 0
		}
	}
	return net
}

func relErr(got, want []complex128) float64 {
	num, den := 0.0, 0.0
	for i := range got {
		d := got[i] - want[i]
		num += real(d)*real(d) + imag(d)*imag(d)
		den += real(want[i])*real(want[i]) + imag(want[i])*imag(want[i])
	}
	return math.Sqrt(num / den)
}

func contractionParams(t *testing.T) (*Params, *kspace.ComplexImage) {
	t.Helper()
	const width, height = 8, 8
	truth := smoothTruth(width, height)
	op := fullOperator(t, width, height)
	sched, err := sde.NewVE(0.1, 1, 5)
	if err != nil {
		t.Fatalf("failed to build schedule: %v", err)
	}
	return &Params{
		Network:       zeroNetwork(t, 2),
		Schedule:      sched,
		Operator:      op,
		Measured:      op.Forward(truth),
		Chains:        1,
		StepsPerLevel: 3,
		StepScale:     5e-3,
		NoiseScale:    0,
		DataWeight:    0.05,
		Seed:          7,
		Workers:       1,
	}, truth
}

func TestChainContractsOntoMeasurement(t *testing.T) {
	params, truth := contractionParams(t)
	s, err := New(params)
	if err != nil {
		t.Fatalf("failed to build sampler: %v", err)
	}
	samples, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("sampling failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}

	// With a zero score and no injected noise the chain is a pure
	// data-consistency flow; on a fully sampled single-coil measurement
	// it must land on the true image.
	if e := relErr(samples[0].Image.Data, truth.Data); e > 0.05 {
		t.Errorf("relative error %g after full contraction, want below 0.05", e)
	}
}

func TestBurnInDisablesDataTerm(t *testing.T) {
	params, truth := contractionParams(t)
	s, err := New(params)
	if err != nil {
		t.Fatalf("failed to build sampler: %v", err)
	}
	conditioned, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("sampling failed: %v", err)
	}

	free := *params
	free.BurnInLevels = params.Schedule.Levels()
	sFree, err := New(&free)
	if err != nil {
		t.Fatalf("failed to build burn-in sampler: %v", err)
	}
	unconditioned, err := sFree.Run(context.Background())
	if err != nil {
		t.Fatalf("burn-in sampling failed: %v", err)
	}

	eCond := relErr(conditioned[0].Image.Data, truth.Data)
	eFree := relErr(unconditioned[0].Image.Data, truth.Data)
	if eCond > 0.05 {
		t.Errorf("conditioned chain error %g, want below 0.05", eCond)
	}
	// With every level burned in, the chain never sees the measurement
	// and stays at its noisy initialization.
	if eFree < 10*eCond || eFree < 0.5 {
		t.Errorf("unconditioned chain error %g is too close to conditioned error %g", eFree, eCond)
	}
}

func TestRunIsDeterministicPerSeed(t *testing.T) {
	const width, height = 8, 8
	truth := smoothTruth(width, height)
	op := fullOperator(t, width, height)
	sched, err := sde.NewVE(0.1, 1, 4)
	if err != nil {
		t.Fatalf("failed to build schedule: %v", err)
	}
	net, err := score.NewNetwork(score.Config{Channels: 2, Features: 2, Blocks: 1, EmbeddingSize: 4}, 3)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}

	params := &Params{
		Network:       net,
		Schedule:      sched,
		Operator:      op,
		Measured:      op.Forward(truth),
		Chains:        2,
		StepsPerLevel: 2,
		StepScale:     1e-5,
		NoiseScale:    1,
		DataWeight:    0.01,
		Seed:          11,
		Workers:       2,
	}

	run := func() []*Sample {
		s, err := New(params)
		if err != nil {
			t.Fatalf("failed to build sampler: %v", err)
		}
		samples, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("sampling failed: %v", err)
		}
		return samples
	}

	first := run()
	second := run()
	for c := range first {
		for i := range first[c].Image.Data {
			if first[c].Image.Data[i] != second[c].Image.Data[i] {
				t.Fatalf("chain %d diverges between runs at pixel %d", c, i)
			}
		}
	}

	same := true
	for i := range first[0].Image.Data {
		if first[0].Image.Data[i] != first[1].Image.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("independently seeded chains produced identical samples")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	params, _ := contractionParams(t)
	s, err := New(params)
	if err != nil {
		t.Fatalf("failed to build sampler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	params, _ := contractionParams(t)

	broken := *params
	broken.Network = nil
	if _, err := New(&broken); err == nil {
		t.Error("expected error for missing network")
	}

	broken = *params
	broken.Chains = 0
	if _, err := New(&broken); err == nil {
		t.Error("expected error for zero chains")
	}

	broken = *params
	broken.Measured = kspace.NewCoilImages(4, 4, 1)
	if _, err := New(&broken); err == nil {
		t.Error("expected error for geometry mismatch")
	}

	broken = *params
	broken.Measured = kspace.NewCoilImages(8, 8, 2)
	if _, err := New(&broken); err == nil {
		t.Error("expected error for coil count mismatch")
	}
}

func constantSample(chain int, v float64, width, height int) *Sample {
	im := kspace.NewComplexImage(width, height)
	for i := range im.Data {
		im.Data[i] = complex(v, 0)
	}
	return &Sample{Chain: chain, Image: im}
}

func TestAggregate(t *testing.T) {
	samples := []*Sample{
		constantSample(0, 1, 4, 4),
		constantSample(1, 2, 4, 4),
		constantSample(2, 3, 4, 4),
		constantSample(3, 4, 4, 4),
	}

	ests, err := Aggregate(samples, nil)
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	wantCounts := []int{1, 2, 4}
	wantMeans := []float64{1, 1.5, 2.5}
	if len(ests) != len(wantCounts) {
		t.Fatalf("got %d estimates, want %d", len(ests), len(wantCounts))
	}
	for i, est := range ests {
		if est.Count != wantCounts[i] {
			t.Errorf("estimate %d has count %d, want %d", i, est.Count, wantCounts[i])
		}
		if len(est.Image) != 16 {
			t.Errorf("estimate %d has %d pixels, want 16", i, len(est.Image))
		}
		if math.Abs(est.Image[0]-wantMeans[i]) > 1e-12 {
			t.Errorf("estimate %d mean = %g, want %g", i, est.Image[0], wantMeans[i])
		}
	}

	ests, err = Aggregate(samples, []int{3})
	if err != nil {
		t.Fatalf("aggregation failed: %v", err)
	}
	if len(ests) != 1 || ests[0].Count != 3 || math.Abs(ests[0].Image[0]-2) > 1e-12 {
		t.Errorf("count-3 estimate wrong: %+v", ests[0])
	}

	if _, err := Aggregate(samples, []int{5}); err == nil {
		t.Error("expected error for count above sample total")
	}
	if _, err := Aggregate(samples, []int{0}); err == nil {
		t.Error("expected error for zero count")
	}
	if _, err := Aggregate(nil, nil); err == nil {
		t.Error("expected error for empty sample list")
	}
}

func TestDefaultCounts(t *testing.T) {
	cases := []struct {
		n    int
		want []int
	}{
		{1, []int{1}},
		{4, []int{1, 2, 4}},
		{6, []int{1, 2, 4, 6}},
		{8, []int{1, 2, 4, 8}},
	}
	for _, tc := range cases {
		got := DefaultCounts(tc.n)
		if len(got) != len(tc.want) {
			t.Errorf("DefaultCounts(%d) = %v, want %v", tc.n, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("DefaultCounts(%d) = %v, want %v", tc.n, got, tc.want)
				break
			}
		}
	}
}
