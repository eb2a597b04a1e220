package score

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Grads holds gradient buffers matching Network.Parameters in order and
// shape.
type Grads struct {
	bufs [][]float64
}

// NewGrads allocates zeroed gradient buffers for the network.
func (n *Network) NewGrads() *Grads {
	params := n.Parameters()
	bufs := make([][]float64, len(params))
	for i, p := range params {
		bufs[i] = make([]float64, len(p))
	}
	return &Grads{bufs: bufs}
}

// Buffers returns the gradient tensors in canonical order.
func (g *Grads) Buffers() [][]float64 {
	return g.bufs
}

// Zero clears all gradient buffers.
func (g *Grads) Zero() {
	for _, b := range g.bufs {
		for i := range b {
			b[i] = 0
		}
	}
}

func (g *Grads) add(other *Grads) {
	for i, b := range other.bufs {
		dst := g.bufs[i]
		for j, v := range b {
			dst[j] += v
		}
	}
}

func (g *Grads) scale(s float64) {
	for _, b := range g.bufs {
		for i := range b {
			b[i] *= s
		}
	}
}

// layout maps tensor names to their index in the canonical order.
type layout struct {
	blocks int
}

func (l layout) gammaW(b int) int { return 4 + 4*b }
func (l layout) gammaB(b int) int { return 4 + 4*b + 1 }
func (l layout) betaW(b int) int  { return 4 + 4*b + 2 }
func (l layout) betaB(b int) int  { return 4 + 4*b + 3 }
func (l layout) convInW() int     { return 4 + 4*l.blocks }
func (l layout) convInB() int     { return 4 + 4*l.blocks + 1 }
func (l layout) conv1W(b int) int { return 6 + 4*l.blocks + 4*b }
func (l layout) conv1B(b int) int { return 6 + 4*l.blocks + 4*b + 1 }
func (l layout) conv2W(b int) int { return 6 + 4*l.blocks + 4*b + 2 }
func (l layout) conv2B(b int) int { return 6 + 4*l.blocks + 4*b + 3 }
func (l layout) convOutW() int    { return 6 + 8*l.blocks }
func (l layout) convOutB() int    { return 7 + 8*l.blocks }

// backward accumulates the gradients of one forward pass into g, given
// the loss gradient with respect to the raw network output.
func (n *Network) backward(acts *activations, dRaw []float64, g *Grads) {
	f := n.cfg.Features
	h, w := acts.height, acts.width
	plane := h * w
	nb := len(n.blocks)
	l := layout{blocks: nb}

	// Output head, then the final activation.
	dA := make([]float64, f*plane)
	convBackward(dRaw, acts.rOut, f, h, w, &n.convOut, dA, g.bufs[l.convOutW()], g.bufs[l.convOutB()])
	last := acts.a[nb]
	for i := range dA {
		if last[i] <= 0 {
			dA[i] = 0
		}
	}

	dEmb := make([]float64, n.cfg.EmbeddingSize)

	for b := nb - 1; b >= 0; b-- {
		blk := &n.blocks[b]

		// Second convolution of the block; dA doubles as the gradient
		// of the residual branch output.
		dR2 := make([]float64, f*plane)
		convBackward(dA, acts.r2[b], f, h, w, &blk.conv2, dR2, g.bufs[l.conv2W(b)], g.bufs[l.conv2B(b)])

		film := acts.film[b]
		for i := range dR2 {
			if film[i] <= 0 {
				dR2[i] = 0
			}
		}

		// Modulation: film = (1+gamma_c)*c1 + beta_c per channel.
		dC1 := make([]float64, f*plane)
		dGamma := make([]float64, f)
		dBeta := make([]float64, f)
		for c := 0; c < f; c++ {
			gain := 1 + acts.gamma[b][c]
			src := acts.c1[b][c*plane : (c+1)*plane]
			dFilm := dR2[c*plane : (c+1)*plane]
			dst := dC1[c*plane : (c+1)*plane]
			sg, sb := 0.0, 0.0
			for i, dv := range dFilm {
				dst[i] = gain * dv
				sg += dv * src[i]
				sb += dv
			}
			dGamma[c] = sg
			dBeta[c] = sb
		}
		addOuter(g.bufs[l.gammaW(b)], dGamma, acts.emb)
		addVec(g.bufs[l.gammaB(b)], dGamma)
		addOuter(g.bufs[l.betaW(b)], dBeta, acts.emb)
		addVec(g.bufs[l.betaB(b)], dBeta)
		addMatTVec(dEmb, n.gammaW[b], dGamma)
		addMatTVec(dEmb, n.betaW[b], dBeta)

		// First convolution, then the relu feeding it.
		dR1 := make([]float64, f*plane)
		convBackward(dC1, acts.r1[b], f, h, w, &blk.conv1, dR1, g.bufs[l.conv1W(b)], g.bufs[l.conv1B(b)])
		prev := acts.a[b]
		for i := range dR1 {
			if prev[i] <= 0 {
				dR1[i] = 0
			}
		}

		// Skip connection: the identity path keeps dA alive.
		for i := range dA {
			dA[i] += dR1[i]
		}
	}

	// Input convolution; the image gradient itself is discarded.
	dX := make([]float64, n.cfg.Channels*plane)
	convBackward(dA, acts.x, n.cfg.Channels, h, w, &n.convIn, dX, g.bufs[l.convInW()], g.bufs[l.convInB()])

	// Embedding MLP.
	for i := range dEmb {
		if acts.pre2[i] <= 0 {
			dEmb[i] = 0
		}
	}
	addOuter(g.bufs[2], dEmb, acts.h1)
	addVec(g.bufs[3], dEmb)

	dH1 := make([]float64, n.cfg.EmbeddingSize)
	addMatTVec(dH1, n.w2, dEmb)
	for i := range dH1 {
		if acts.pre1[i] <= 0 {
			dH1[i] = 0
		}
	}
	addOuter(g.bufs[0], dH1, acts.e0)
	addVec(g.bufs[1], dH1)
}

// addOuter accumulates the outer product x*y' into a row-major matrix
// buffer.
func addOuter(dst, x, y []float64) {
	for i, xv := range x {
		if xv == 0 {
			continue
		}
		row := dst[i*len(y) : (i+1)*len(y)]
		for j, yv := range y {
			row[j] += xv * yv
		}
	}
}

func addVec(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

// addMatTVec accumulates w'*g into dst.
func addMatTVec(dst []float64, w *mat.Dense, g []float64) {
	wm := w.RawMatrix()
	for i := 0; i < wm.Rows; i++ {
		gv := g[i]
		if gv == 0 {
			continue
		}
		row := wm.Data[i*wm.Stride : i*wm.Stride+wm.Cols]
		for j, wv := range row {
			dst[j] += gv * wv
		}
	}
}

// Example is one training element: an image slice paired with a drawn
// noise-level index and the unit-variance noise that perturbs it.
type Example struct {
	X      []float64 // Clean image, plane-major channel layout
	Width  int
	Height int
	Level  int       // Index into the sigma ladder
	Noise  []float64 // Standard normal draw, same layout as X
}

func (n *Network) checkExample(ex Example, sigmas []float64) error {
	want := n.cfg.Channels * ex.Width * ex.Height
	if len(ex.X) != want {
		return fmt.Errorf("example has %d values, want %d", len(ex.X), want)
	}
	if len(ex.Noise) != want {
		return fmt.Errorf("example noise has %d values, want %d", len(ex.Noise), want)
	}
	if ex.Level < 0 || ex.Level >= len(sigmas) {
		return fmt.Errorf("noise level %d outside ladder of %d", ex.Level, len(sigmas))
	}
	return nil
}

// exampleLoss runs one example through the denoising score-matching
// objective. With g non-nil the parameter gradients are accumulated.
//
// For a perturbation x+sigma*z the weighted objective
// 0.5*||sigma*s + z||^2 reduces to 0.5*||raw + z||^2 because the score
// is the raw head divided by sigma, so no explicit weighting appears.
func (n *Network) exampleLoss(ex Example, sigmas []float64, g *Grads) float64 {
	sigma := sigmas[ex.Level]
	perturbed := make([]float64, len(ex.X))
	for i := range perturbed {
		perturbed[i] = ex.X[i] + sigma*ex.Noise[i]
	}

	acts := n.forward(perturbed, ex.Width, ex.Height, sigma)

	count := float64(len(ex.X))
	res := make([]float64, len(ex.X))
	loss := 0.0
	for i := range res {
		res[i] = acts.raw[i] + ex.Noise[i]
		loss += res[i] * res[i]
	}
	loss = 0.5 * loss / count

	if g != nil {
		for i := range res {
			res[i] /= count
		}
		n.backward(acts, res, g)
	}
	return loss
}

// LossAndGrad computes the mean denoising score-matching loss of a
// batch and writes the mean parameter gradients into g, replacing its
// previous content. Examples fan out over the worker pool.
func (n *Network) LossAndGrad(examples []Example, sigmas []float64, workers int, g *Grads) (float64, error) {
	return n.runBatch(examples, sigmas, workers, g)
}

// Loss computes the mean batch loss without touching any gradients,
// for validation.
func (n *Network) Loss(examples []Example, sigmas []float64, workers int) (float64, error) {
	return n.runBatch(examples, sigmas, workers, nil)
}

func (n *Network) runBatch(examples []Example, sigmas []float64, workers int, g *Grads) (float64, error) {
	if len(examples) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	for i, ex := range examples {
		if err := n.checkExample(ex, sigmas); err != nil {
			return 0, fmt.Errorf("example %d: %w", i, err)
		}
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(examples) {
		workers = len(examples)
	}

	jobs := make(chan int, len(examples))
	losses := make([]float64, workers)
	workerGrads := make([]*Grads, workers)

	var wg sync.WaitGroup
	for slot := 0; slot < workers; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			var local *Grads
			if g != nil {
				local = n.NewGrads()
				workerGrads[slot] = local
			}
			for idx := range jobs {
				losses[slot] += n.exampleLoss(examples[idx], sigmas, local)
			}
		}(slot)
	}
	for i := range examples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	total := 0.0
	for _, v := range losses {
		total += v
	}
	if g != nil {
		g.Zero()
		for _, wgr := range workerGrads {
			if wgr != nil {
				g.add(wgr)
			}
		}
		g.scale(1 / float64(len(examples)))
	}
	return total / float64(len(examples)), nil
}
