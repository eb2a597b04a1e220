package score

// convForward applies a 3x3 same-padding convolution. Input and output
// are plane-major, out must be sized outC*height*width.
func convForward(in []float64, inC, height, width int, layer *conv, out []float64) {
	plane := height * width
	for o := 0; o < layer.outC; o++ {
		dst := out[o*plane : (o+1)*plane]
		bias := layer.b[o]
		for i := range dst {
			dst[i] = bias
		}
		for i := 0; i < inC; i++ {
			src := in[i*plane : (i+1)*plane]
			w := layer.w[((o*layer.inC)+i)*9:]
			for dy := 0; dy < 3; dy++ {
				for dx := 0; dx < 3; dx++ {
					wv := w[dy*3+dx]
					if wv == 0 {
						continue
					}
					oy := dy - 1
					ox := dx - 1
					y0, y1 := clipRange(oy, height)
					x0, x1 := clipRange(ox, width)
					for y := y0; y < y1; y++ {
						srcRow := (y + oy) * width
						dstRow := y * width
						for x := x0; x < x1; x++ {
							dst[dstRow+x] += wv * src[srcRow+x+ox]
						}
					}
				}
			}
		}
	}
}

// clipRange returns the output index range for which the input index
// shifted by off stays inside [0, n).
func clipRange(off, n int) (int, int) {
	lo, hi := 0, n
	if off < 0 {
		lo = -off
	}
	if off > 0 {
		hi = n - off
	}
	return lo, hi
}

// convBackward accumulates the gradients of a 3x3 convolution. dIn must
// be zeroed by the caller; dW and dB accumulate across calls.
func convBackward(dOut, in []float64, inC, height, width int, layer *conv, dIn, dW, dB []float64) {
	plane := height * width
	for o := 0; o < layer.outC; o++ {
		g := dOut[o*plane : (o+1)*plane]

		sum := 0.0
		for _, v := range g {
			sum += v
		}
		dB[o] += sum

		for i := 0; i < inC; i++ {
			src := in[i*plane : (i+1)*plane]
			dSrc := dIn[i*plane : (i+1)*plane]
			base := ((o * layer.inC) + i) * 9
			for dy := 0; dy < 3; dy++ {
				for dx := 0; dx < 3; dx++ {
					oy := dy - 1
					ox := dx - 1
					y0, y1 := clipRange(oy, height)
					x0, x1 := clipRange(ox, width)
					wv := layer.w[base+dy*3+dx]
					acc := 0.0
					for y := y0; y < y1; y++ {
						srcRow := (y + oy) * width
						outRow := y * width
						for x := x0; x < x1; x++ {
							gv := g[outRow+x]
							acc += gv * src[srcRow+x+ox]
							dSrc[srcRow+x+ox] += wv * gv
						}
					}
					dW[base+dy*3+dx] += acc
				}
			}
		}
	}
}
