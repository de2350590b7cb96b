package vhred

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShareWeightsReproducesLoss(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	c := m.ShareWeights(5)
	m.Reseed(5)

	b := tinyBatch()
	want, err := m.Loss(b, 0.7)
	require.NoError(t, err)
	got, err := c.Loss(b, 0.7)
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.Nil(t, c.Optimizer)
	require.Same(t, m.Decoder, c.Decoder)
}

func TestLossAllIsDeterministic(t *testing.T) {
	cfg := tinyConfig()
	cfg.Model.SoftmaxSamples = 10
	m := newTinyModel(t, cfg)

	batches := []*Batch{tinyBatch(), padDecoder(tinyBatch(), 2), tinyBatch()}
	bad := tinyBatch()
	bad.SentenceCounts = []int{9, 1}
	batches = append(batches, bad)

	a, errsA := m.LossAll(batches, 1, 3)
	b, errsB := m.LossAll(batches, 1, 3)
	require.Equal(t, a, b)
	for i := 0; i < 3; i++ {
		require.NoError(t, errsA[i])
		require.Greater(t, a[i].Total, 0.0)
	}
	require.Error(t, errsA[3])
	require.Error(t, errsB[3])
}
