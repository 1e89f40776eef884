package model

import (
	"math"
	"math/rand"
)

// Synthetic returns reproducible random weights for cfg. Projections are
// scaled by 1/sqrt(fan-in) and norms sit near 1, so activations stay in a
// sane range through any number of layers.
func Synthetic(cfg Config, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	fill := func(n int, span float32) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32() - 0.5) * span
		}
		return out
	}
	norm := func(n int) []float32 {
		out := fill(n, 0.2)
		for i := range out {
			out[i] += 1
		}
		return out
	}
	proj := func(rows, cols int) []float32 {
		return fill(rows*cols, float32(2/math.Sqrt(float64(cols))))
	}

	dim, kvDim, hidden, hd := cfg.Dim, cfg.KVDim(), cfg.HiddenDim, cfg.HeadDim()
	w := &Weights{
		AttnNorm: make([][]float32, cfg.Layers),
		FFNNorm:  make([][]float32, cfg.Layers),
		QNorm:    make([][]float32, cfg.Layers),
		KNorm:    make([][]float32, cfg.Layers),
		Layers:   make([]LayerWeights, cfg.Layers),
	}
	for i := 0; i < cfg.Layers; i++ {
		w.AttnNorm[i] = norm(dim)
		w.FFNNorm[i] = norm(dim)
		w.QNorm[i] = norm(hd)
		w.KNorm[i] = norm(hd)
		w.Layers[i] = LayerWeights{
			WQ: proj(dim, dim),
			WK: proj(kvDim, dim),
			WV: proj(kvDim, dim),
			WO: proj(dim, dim),
			W1: proj(hidden, dim),
			W2: proj(dim, hidden),
			W3: proj(hidden, dim),
		}
	}
	w.FinalNorm = norm(dim)
	w.Embedding = fill(cfg.VocabSize*dim, 2)
	if cfg.Classifier {
		w.Classifier = proj(cfg.VocabSize, dim)
	}
	return w
}
