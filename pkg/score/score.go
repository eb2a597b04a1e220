// Package score implements the noise-conditional score network, the
// learned prior at the heart of both pipelines. The network is a small
// fully convolutional residual net whose feature maps are modulated by
// a Gaussian-Fourier embedding of the noise level, trained with
// denoising score matching and evaluated pixelwise as s(x, sigma).
//
// Everything runs on the CPU: forward, hand-derived backward, Adam and
// the exponential moving average. Batch gradients fan out over a worker
// pool, one example per goroutine slot.
package score

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Config fixes the network architecture.
type Config struct {
	// Channels is the number of image channels (1 magnitude, 2
	// real/imaginary).
	Channels int

	// Features is the width of the convolutional trunk.
	Features int

	// Blocks is the number of conditioned residual blocks.
	Blocks int

	// EmbeddingSize is the dimension of the noise-level embedding; must
	// be even.
	EmbeddingSize int
}

// Validate checks the architecture parameters.
func (c Config) Validate() error {
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.Features < 1 {
		return fmt.Errorf("features must be positive, got %d", c.Features)
	}
	if c.Blocks < 1 {
		return fmt.Errorf("blocks must be positive, got %d", c.Blocks)
	}
	if c.EmbeddingSize < 2 || c.EmbeddingSize%2 != 0 {
		return fmt.Errorf("embedding size must be even and at least 2, got %d", c.EmbeddingSize)
	}
	return nil
}

// conv is one 3x3 same-padding convolution layer.
type conv struct {
	w    []float64 // Weights, index = ((o*inC)+i)*9 + dy*3 + dx
	b    []float64 // Per-output-channel bias
	inC  int
	outC int
}

// resBlock is one residual block: conv, feature-wise modulation by the
// noise embedding, conv, skip connection.
type resBlock struct {
	conv1 conv
	conv2 conv
}

// Network is the score model. All parameters live in flat float64
// slices; the embedding matrices are additionally wrapped as gonum
// views onto the same backing arrays.
type Network struct {
	cfg   Config
	freqs []float64 // Fixed Gaussian frequencies of the sigma embedding

	// Noise-level embedding MLP.
	w1, w2 *mat.Dense
	b1, b2 []float64

	// Per-block modulation heads mapping the embedding to gamma/beta.
	gammaW, betaW []*mat.Dense
	gammaB, betaB [][]float64

	convIn  conv
	blocks  []resBlock
	convOut conv
}

// NewNetwork builds a randomly initialized network. Convolutions use
// He initialization, the modulation heads start at zero so every block
// begins as a plain residual block, and the embedding frequencies are
// drawn once and kept fixed.
func NewNetwork(cfg Config, seed int64) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	e := cfg.EmbeddingSize
	f := cfg.Features
	n := &Network{cfg: cfg}

	n.freqs = make([]float64, e/2)
	for i := range n.freqs {
		n.freqs[i] = rng.NormFloat64()
	}

	n.w1 = mat.NewDense(e, e, gaussianSlice(rng, e*e, math.Sqrt(2/float64(e))))
	n.w2 = mat.NewDense(e, e, gaussianSlice(rng, e*e, math.Sqrt(2/float64(e))))
	n.b1 = make([]float64, e)
	n.b2 = make([]float64, e)

	n.gammaW = make([]*mat.Dense, cfg.Blocks)
	n.betaW = make([]*mat.Dense, cfg.Blocks)
	n.gammaB = make([][]float64, cfg.Blocks)
	n.betaB = make([][]float64, cfg.Blocks)
	for b := 0; b < cfg.Blocks; b++ {
		n.gammaW[b] = mat.NewDense(f, e, make([]float64, f*e))
		n.betaW[b] = mat.NewDense(f, e, make([]float64, f*e))
		n.gammaB[b] = make([]float64, f)
		n.betaB[b] = make([]float64, f)
	}

	n.convIn = newConv(rng, cfg.Channels, f)
	n.blocks = make([]resBlock, cfg.Blocks)
	for b := range n.blocks {
		n.blocks[b] = resBlock{
			conv1: newConv(rng, f, f),
			conv2: newConv(rng, f, f),
		}
	}
	n.convOut = newConv(rng, f, cfg.Channels)

	return n, nil
}

// newConv allocates a He-initialized convolution layer.
func newConv(rng *rand.Rand, inC, outC int) conv {
	std := math.Sqrt(2 / float64(inC*9))
	return conv{
		w:    gaussianSlice(rng, outC*inC*9, std),
		b:    make([]float64, outC),
		inC:  inC,
		outC: outC,
	}
}

func gaussianSlice(rng *rand.Rand, n int, std float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() * std
	}
	return out
}

// Config returns the architecture of the network.
func (n *Network) Config() Config {
	return n.cfg
}

// Frequencies returns the fixed embedding frequencies.
func (n *Network) Frequencies() []float64 {
	out := make([]float64, len(n.freqs))
	copy(out, n.freqs)
	return out
}

// ParameterNames lists the learnable tensors in their canonical order.
func (n *Network) ParameterNames() []string {
	names := []string{"mlp.w1", "mlp.b1", "mlp.w2", "mlp.b2"}
	for b := range n.blocks {
		names = append(names,
			fmt.Sprintf("block%d.gamma.w", b),
			fmt.Sprintf("block%d.gamma.b", b),
			fmt.Sprintf("block%d.beta.w", b),
			fmt.Sprintf("block%d.beta.b", b),
		)
	}
	names = append(names, "conv_in.w", "conv_in.b")
	for b := range n.blocks {
		names = append(names,
			fmt.Sprintf("block%d.conv1.w", b),
			fmt.Sprintf("block%d.conv1.b", b),
			fmt.Sprintf("block%d.conv2.w", b),
			fmt.Sprintf("block%d.conv2.b", b),
		)
	}
	return append(names, "conv_out.w", "conv_out.b")
}

// Parameters returns the learnable tensors as views in canonical order.
// Mutating the returned slices updates the network.
func (n *Network) Parameters() [][]float64 {
	out := [][]float64{n.w1.RawMatrix().Data, n.b1, n.w2.RawMatrix().Data, n.b2}
	for b := range n.blocks {
		out = append(out,
			n.gammaW[b].RawMatrix().Data, n.gammaB[b],
			n.betaW[b].RawMatrix().Data, n.betaB[b],
		)
	}
	out = append(out, n.convIn.w, n.convIn.b)
	for b := range n.blocks {
		blk := &n.blocks[b]
		out = append(out, blk.conv1.w, blk.conv1.b, blk.conv2.w, blk.conv2.b)
	}
	return append(out, n.convOut.w, n.convOut.b)
}

// SetParameters copies the given tensors into the network. The order
// must match Parameters.
func (n *Network) SetParameters(params [][]float64) error {
	own := n.Parameters()
	if len(params) != len(own) {
		return fmt.Errorf("got %d tensors, want %d", len(params), len(own))
	}
	for i := range own {
		if len(params[i]) != len(own[i]) {
			return fmt.Errorf("tensor %d has %d values, want %d", i, len(params[i]), len(own[i]))
		}
		copy(own[i], params[i])
	}
	return nil
}

// fourierFeatures embeds log(sigma) with the fixed random frequencies.
func (n *Network) fourierFeatures(sigma float64) []float64 {
	e := n.cfg.EmbeddingSize
	out := make([]float64, e)
	z := math.Log(sigma)
	for i, f := range n.freqs {
		out[i] = math.Sin(2 * math.Pi * f * z)
		out[e/2+i] = math.Cos(2 * math.Pi * f * z)
	}
	return out
}

// activations caches one forward pass for the backward pass.
type activations struct {
	width, height int
	sigma         float64

	e0   []float64
	pre1 []float64
	h1   []float64
	pre2 []float64
	emb  []float64

	gamma [][]float64
	beta  [][]float64

	x    []float64
	a    [][]float64 // a[0] after convIn, a[b+1] after block b
	r1   [][]float64
	c1   [][]float64
	film [][]float64
	r2   [][]float64
	rOut []float64
	raw  []float64
}

// forward runs the network on one image, keeping every intermediate.
// The returned raw output is the unscaled head; the score is raw/sigma.
func (n *Network) forward(x []float64, width, height int, sigma float64) *activations {
	f := n.cfg.Features
	plane := width * height

	acts := &activations{width: width, height: height, sigma: sigma, x: x}

	// Noise-level embedding.
	acts.e0 = n.fourierFeatures(sigma)
	acts.pre1 = matVec(n.w1, acts.e0, n.b1)
	acts.h1 = reluSlice(acts.pre1)
	acts.pre2 = matVec(n.w2, acts.h1, n.b2)
	acts.emb = reluSlice(acts.pre2)

	// Per-block modulation parameters.
	acts.gamma = make([][]float64, len(n.blocks))
	acts.beta = make([][]float64, len(n.blocks))
	for b := range n.blocks {
		acts.gamma[b] = matVec(n.gammaW[b], acts.emb, n.gammaB[b])
		acts.beta[b] = matVec(n.betaW[b], acts.emb, n.betaB[b])
	}

	// Trunk.
	acts.a = make([][]float64, len(n.blocks)+1)
	acts.r1 = make([][]float64, len(n.blocks))
	acts.c1 = make([][]float64, len(n.blocks))
	acts.film = make([][]float64, len(n.blocks))
	acts.r2 = make([][]float64, len(n.blocks))

	acts.a[0] = make([]float64, f*plane)
	convForward(x, n.cfg.Channels, height, width, &n.convIn, acts.a[0])

	for b := range n.blocks {
		blk := &n.blocks[b]
		acts.r1[b] = reluSlice(acts.a[b])
		acts.c1[b] = make([]float64, f*plane)
		convForward(acts.r1[b], f, height, width, &blk.conv1, acts.c1[b])

		acts.film[b] = make([]float64, f*plane)
		for c := 0; c < f; c++ {
			g := 1 + acts.gamma[b][c]
			bt := acts.beta[b][c]
			src := acts.c1[b][c*plane : (c+1)*plane]
			dst := acts.film[b][c*plane : (c+1)*plane]
			for i, v := range src {
				dst[i] = g*v + bt
			}
		}

		acts.r2[b] = reluSlice(acts.film[b])
		c2 := make([]float64, f*plane)
		convForward(acts.r2[b], f, height, width, &blk.conv2, c2)

		acts.a[b+1] = make([]float64, f*plane)
		for i := range c2 {
			acts.a[b+1][i] = acts.a[b][i] + c2[i]
		}
	}

	acts.rOut = reluSlice(acts.a[len(n.blocks)])
	acts.raw = make([]float64, n.cfg.Channels*plane)
	convForward(acts.rOut, f, height, width, &n.convOut, acts.raw)

	return acts
}

// Score evaluates the noise-conditional score for one image in
// plane-major channel layout. It is safe for concurrent use; parameters
// are only read.
func (n *Network) Score(x []float64, width, height int, sigma float64) ([]float64, error) {
	if len(x) != n.cfg.Channels*width*height {
		return nil, fmt.Errorf("input has %d values, want %d", len(x), n.cfg.Channels*width*height)
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("sigma must be positive, got %g", sigma)
	}

	acts := n.forward(x, width, height, sigma)
	out := acts.raw
	inv := 1 / sigma
	for i := range out {
		out[i] *= inv
	}
	return out, nil
}

// matVec computes w*x + b as a fresh slice.
func matVec(w *mat.Dense, x, b []float64) []float64 {
	r, _ := w.Dims()
	out := make([]float64, r)
	v := mat.NewVecDense(r, out)
	v.MulVec(w, mat.NewVecDense(len(x), x))
	for i := range out {
		out[i] += b[i]
	}
	return out
}

func reluSlice(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}
