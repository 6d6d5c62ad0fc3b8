package recog

import "math"

// Similarity scores two embeddings in [0,1]. It blends a Euclidean
// distance score with cosine similarity, weighted toward cosine, which
// holds up better on blur-shifted embeddings from motion captures.
func Similarity(a, b Embedding) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, sumSq, normA, normB float64
	for i := range a {
		d := a[i] - b[i]
		sumSq += d * d
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	euclidean := math.Max(0, 1-math.Sqrt(sumSq))

	var cosine float64
	if normA > 0 && normB > 0 {
		cosine = dot / (math.Sqrt(normA) * math.Sqrt(normB))
	}

	score := euclidean*0.4 + cosine*0.6
	return math.Max(0, math.Min(1, score))
}

// WeightedAverage combines several embeddings of the same face into one,
// weighting each by its quality score. Used at enrollment time. Weights
// that sum to zero fall back to a plain mean.
func WeightedAverage(embs []Embedding, weights []float64) Embedding {
	if len(embs) == 0 {
		return nil
	}

	var total float64
	for _, w := range weights {
		total += w
	}

	out := make(Embedding, len(embs[0]))
	for i, emb := range embs {
		w := 1.0 / float64(len(embs))
		if total > 0 {
			w = weights[i] / total
		}
		for j, v := range emb {
			out[j] += v * w
		}
	}
	return out
}

// MotionQualityPenalty reduces a face quality score to account for
// expected blur at higher motion strengths.
func MotionQualityPenalty(quality, motionStrength float64) float64 {
	penalty := 0.0
	if motionStrength > 0.5 {
		penalty = 0.1
	} else if motionStrength > 0.3 {
		penalty = 0.05
	}
	return math.Max(0, quality-penalty)
}
