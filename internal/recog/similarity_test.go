package recog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarityIdenticalEmbeddings(t *testing.T) {
	emb := Embedding{0.3, 0.5, 0.1}
	assert.InDelta(t, 1.0, Similarity(emb, emb), 1e-9)
}

func TestSimilarityOrthogonal(t *testing.T) {
	// Distance sqrt(2) zeroes the euclidean term, cosine is zero.
	assert.InDelta(t, 0.0, Similarity(Embedding{1, 0}, Embedding{0, 1}), 1e-9)
}

func TestSimilarityMismatchedLengths(t *testing.T) {
	assert.Equal(t, 0.0, Similarity(Embedding{1, 2}, Embedding{1, 2, 3}))
	assert.Equal(t, 0.0, Similarity(nil, Embedding{1}))
	assert.Equal(t, 0.0, Similarity(Embedding{1}, nil))
}

func TestSimilarityStaysInRange(t *testing.T) {
	cases := [][2]Embedding{
		{{10, 10, 10}, {-10, -10, -10}},
		{{0.001, 0}, {0, 0.001}},
		{{5, 5}, {5, 5}},
	}
	for _, c := range cases {
		s := Similarity(c[0], c[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestWeightedAverage(t *testing.T) {
	embs := []Embedding{{1, 0}, {0, 1}}

	// Quality 3:1 pulls the average toward the first embedding.
	avg := WeightedAverage(embs, []float64{3, 1})
	assert.InDelta(t, 0.75, avg[0], 1e-9)
	assert.InDelta(t, 0.25, avg[1], 1e-9)

	// Zero-sum weights degrade to a plain mean.
	avg = WeightedAverage(embs, []float64{0, 0})
	assert.InDelta(t, 0.5, avg[0], 1e-9)
	assert.InDelta(t, 0.5, avg[1], 1e-9)

	assert.Nil(t, WeightedAverage(nil, nil))
}

func TestMotionQualityPenalty(t *testing.T) {
	assert.InDelta(t, 0.8, MotionQualityPenalty(0.9, 0.6), 1e-9)
	assert.InDelta(t, 0.85, MotionQualityPenalty(0.9, 0.4), 1e-9)
	assert.InDelta(t, 0.9, MotionQualityPenalty(0.9, 0.2), 1e-9)
	// Never negative.
	assert.Equal(t, 0.0, MotionQualityPenalty(0.05, 0.9))
}
