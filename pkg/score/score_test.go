package score

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

func testConfig() Config {
	return Config{Channels: 1, Features: 2, Blocks: 1, EmbeddingSize: 4}
}

func randomExample(rng *rand.Rand, channels, width, height, level int) Example {
	n := channels * width * height
	x := make([]float64, n)
	z := make([]float64, n)
	for i := range x {
		x[i] = 0.5 * math.Sin(0.7*float64(i)+rng.Float64())
		z[i] = rng.NormFloat64()
	}
	return Example{X: x, Width: width, Height: height, Level: level, Noise: z}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"badChannels", Config{Channels: 3, Features: 2, Blocks: 1, EmbeddingSize: 4}},
		{"noFeatures", Config{Channels: 1, Features: 0, Blocks: 1, EmbeddingSize: 4}},
		{"noBlocks", Config{Channels: 1, Features: 2, Blocks: 0, EmbeddingSize: 4}},
		{"oddEmbedding", Config{Channels: 1, Features: 2, Blocks: 1, EmbeddingSize: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %+v", tc.cfg)
			}
		})
	}

	if err := testConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestConvForward(t *testing.T) {
	// A kernel with only the center tap set scales the input and adds
	// the bias.
	layer := conv{w: make([]float64, 9), b: []float64{1}, inC: 1, outC: 1}
	layer.w[4] = 2

	in := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	out := make([]float64, 9)
	convForward(in, 1, 3, 3, &layer, out)
	for i, v := range in {
		want := 2*v + 1
		if math.Abs(out[i]-want) > 1e-12 {
			t.Errorf("center tap: out[%d] = %g, want %g", i, out[i], want)
		}
	}

	// A single corner tap shifts the image, with zeros entering at the
	// border.
	shift := conv{w: make([]float64, 9), b: []float64{0}, inC: 1, outC: 1}
	shift.w[0] = 1 // taps in[y-1][x-1]
	convForward(in, 1, 3, 3, &shift, out)
	want := []float64{0, 0, 0, 0, 1, 2, 0, 4, 5}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-12 {
			t.Errorf("corner tap: out[%d] = %g, want %g", i, out[i], want[i])
		}
	}
}

func TestScoreShape(t *testing.T) {
	net, err := NewNetwork(Config{Channels: 2, Features: 3, Blocks: 2, EmbeddingSize: 4}, 1)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}

	x := make([]float64, 2*5*4)
	for i := range x {
		x[i] = float64(i) / 10
	}
	s, err := net.Score(x, 5, 4, 0.7)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if len(s) != len(x) {
		t.Errorf("score has %d values, want %d", len(s), len(x))
	}

	if _, err := net.Score(x[:10], 5, 4, 0.7); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, err := net.Score(x, 5, 4, 0); err == nil {
		t.Error("expected error for non-positive sigma")
	}
}

func TestScoreIsRawOverSigma(t *testing.T) {
	net, err := NewNetwork(testConfig(), 2)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}

	x := make([]float64, 6*6)
	for i := range x {
		x[i] = math.Cos(float64(i) / 3)
	}
	sigma := 1.8
	acts := net.forward(x, 6, 6, sigma)
	s, err := net.Score(x, 6, 6, sigma)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	for i := range s {
		if math.Abs(s[i]*sigma-acts.raw[i]) > 1e-12 {
			t.Fatalf("score[%d]*sigma = %g, want raw %g", i, s[i]*sigma, acts.raw[i])
		}
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	net, err := NewNetwork(testConfig(), 7)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	sigmas := []float64{2, 0.5}
	rng := rand.New(rand.NewSource(3))
	batch := []Example{randomExample(rng, 1, 4, 4, 1)}

	g := net.NewGrads()
	loss, err := net.LossAndGrad(batch, sigmas, 1, g)
	if err != nil {
		t.Fatalf("loss and grad failed: %v", err)
	}
	if loss <= 0 {
		t.Fatalf("expected positive loss, got %g", loss)
	}

	names := net.ParameterNames()
	params := net.Parameters()
	const h = 1e-6
	for ti, p := range params {
		probes := []int{0, len(p) / 2, len(p) - 1}
		for _, i := range probes {
			orig := p[i]
			p[i] = orig + h
			plus, err := net.Loss(batch, sigmas, 1)
			if err != nil {
				t.Fatalf("loss failed: %v", err)
			}
			p[i] = orig - h
			minus, err := net.Loss(batch, sigmas, 1)
			if err != nil {
				t.Fatalf("loss failed: %v", err)
			}
			p[i] = orig

			fd := (plus - minus) / (2 * h)
			an := g.Buffers()[ti][i]
			tol := 1e-7 + 1e-3*math.Max(math.Abs(fd), math.Abs(an))
			if math.Abs(fd-an) > tol {
				t.Errorf("%s[%d]: analytic %.8g, finite difference %.8g", names[ti], i, an, fd)
			}
		}
	}
}

func TestLossDecreasesUnderTraining(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training loop in short mode")
	}

	net, err := NewNetwork(Config{Channels: 1, Features: 4, Blocks: 1, EmbeddingSize: 8}, 11)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	sigmas := []float64{1.5, 0.6, 0.1}
	rng := rand.New(rand.NewSource(5))
	batch := make([]Example, 4)
	for i := range batch {
		batch[i] = randomExample(rng, 1, 8, 8, i%len(sigmas))
	}

	opt := NewAdam(net, 1e-3, 0)
	g := net.NewGrads()

	first, err := net.LossAndGrad(batch, sigmas, 2, g)
	if err != nil {
		t.Fatalf("loss and grad failed: %v", err)
	}
	opt.Step(net, g)
	last := first
	for step := 1; step < 50; step++ {
		last, err = net.LossAndGrad(batch, sigmas, 2, g)
		if err != nil {
			t.Fatalf("loss and grad failed at step %d: %v", step, err)
		}
		opt.Step(net, g)
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %g, last %g", first, last)
	}
}

func TestRunBatchRejectsBadExamples(t *testing.T) {
	net, err := NewNetwork(testConfig(), 1)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	sigmas := []float64{1}
	rng := rand.New(rand.NewSource(1))

	if _, err := net.Loss(nil, sigmas, 1); err == nil {
		t.Error("expected error for empty batch")
	}

	short := randomExample(rng, 1, 4, 4, 0)
	short.X = short.X[:5]
	if _, err := net.Loss([]Example{short}, sigmas, 1); err == nil {
		t.Error("expected error for truncated example")
	}

	badLevel := randomExample(rng, 1, 4, 4, 0)
	badLevel.Level = 3
	if _, err := net.Loss([]Example{badLevel}, sigmas, 1); err == nil {
		t.Error("expected error for out-of-range noise level")
	}
}

func TestAdamFirstStepAndWarmup(t *testing.T) {
	// With constant gradients the bias-corrected first step moves every
	// parameter by almost exactly the learning rate.
	netA, err := NewNetwork(testConfig(), 4)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	netB, err := NewNetwork(testConfig(), 4)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}

	fill := func(g *Grads) {
		for _, b := range g.Buffers() {
			for i := range b {
				b[i] = 0.5
			}
		}
	}
	gA := netA.NewGrads()
	gB := netB.NewGrads()
	fill(gA)
	fill(gB)

	before := netA.Parameters()[0][0]
	optA := NewAdam(netA, 1e-2, 0)
	optA.Step(netA, gA)
	deltaA := before - netA.Parameters()[0][0]
	if math.Abs(deltaA-1e-2) > 1e-6 {
		t.Errorf("first step moved by %g, want about 1e-2", deltaA)
	}

	optB := NewAdam(netB, 1e-2, 10)
	optB.Step(netB, gB)
	deltaB := before - netB.Parameters()[0][0]
	if math.Abs(deltaB-1e-3) > 1e-7 {
		t.Errorf("warmup step moved by %g, want about 1e-3", deltaB)
	}
	if optB.StepCount() != 1 {
		t.Errorf("step count = %d, want 1", optB.StepCount())
	}
}

func TestEMA(t *testing.T) {
	net, err := NewNetwork(testConfig(), 9)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	params := net.Parameters()
	orig := params[0][0]

	ema := NewEMA(net, 0.9)
	params[0][0] = orig + 10
	ema.Update(net)

	want := 0.9*orig + 0.1*(orig+10)
	if got := ema.Parameters()[0][0]; math.Abs(got-want) > 1e-12 {
		t.Errorf("averaged value = %g, want %g", got, want)
	}

	if err := ema.CopyTo(net); err != nil {
		t.Fatalf("failed to copy average back: %v", err)
	}
	if got := params[0][0]; math.Abs(got-want) > 1e-12 {
		t.Errorf("restored value = %g, want %g", got, want)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := Config{Channels: 2, Features: 3, Blocks: 2, EmbeddingSize: 4}
	net, err := NewNetwork(cfg, 21)
	if err != nil {
		t.Fatalf("failed to build network: %v", err)
	}
	sigmas := []float64{3, 1, 0.3}
	rng := rand.New(rand.NewSource(2))
	batch := []Example{randomExample(rng, 2, 4, 4, 0)}

	opt := NewAdam(net, 1e-3, 5)
	ema := NewEMA(net, 0.99)
	g := net.NewGrads()
	for step := 0; step < 3; step++ {
		if _, err := net.LossAndGrad(batch, sigmas, 1, g); err != nil {
			t.Fatalf("loss and grad failed: %v", err)
		}
		opt.Step(net, g)
		ema.Update(net)
	}

	path := filepath.Join(t.TempDir(), "ckpt", "final")
	ck := BuildCheckpoint(net, opt, ema, "ve", sigmas)
	if err := ck.Save(path); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if loaded.ScheduleKind != "ve" || len(loaded.Sigmas) != len(sigmas) {
		t.Errorf("schedule not preserved: kind %q, %d sigmas", loaded.ScheduleKind, len(loaded.Sigmas))
	}
	if loaded.Step != 3 {
		t.Errorf("step = %d, want 3", loaded.Step)
	}

	restored, err := loaded.Restore()
	if err != nil {
		t.Fatalf("failed to restore network: %v", err)
	}
	origParams := net.Parameters()
	for i, p := range restored.Parameters() {
		for j, v := range p {
			if v != origParams[i][j] {
				t.Fatalf("tensor %d differs after round trip", i)
			}
		}
	}

	averaged, err := loaded.RestoreEMA()
	if err != nil {
		t.Fatalf("failed to restore averaged network: %v", err)
	}
	emaParams := ema.Parameters()
	for i, p := range averaged.Parameters() {
		for j, v := range p {
			if v != emaParams[i][j] {
				t.Fatalf("averaged tensor %d differs after round trip", i)
			}
		}
	}

	opt2 := NewAdam(restored, 1e-3, 5)
	if err := loaded.RestoreOptimizer(restored, opt2); err != nil {
		t.Fatalf("failed to restore optimizer: %v", err)
	}
	if opt2.StepCount() != opt.StepCount() {
		t.Errorf("restored step count = %d, want %d", opt2.StepCount(), opt.StepCount())
	}

	// The two networks must agree bit for bit on fresh input.
	x := make([]float64, 2*4*4)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	s1, err := net.Score(x, 4, 4, 0.5)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	s2, err := restored.Score(x, 4, 4, 0.5)
	if err != nil {
		t.Fatalf("score failed on restored network: %v", err)
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("restored network diverges at %d: %g vs %g", i, s1[i], s2[i])
		}
	}
}
