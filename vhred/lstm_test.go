package vhred

import (
	"math/rand/v2"
	"testing"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/utils"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomSeq(rng *rand.Rand, T, batch, in int) []*graph.Node {
	xs := make([]*graph.Node, T)
	for t := range xs {
		xs[t] = graph.Constant(mat.NewDense(batch, in, utils.RandomArray(rng, batch*in, in, 1)))
	}
	return xs
}

func TestForgetBiasStartsAtOne(t *testing.T) {
	c := NewLSTMCell(rand.New(rand.NewPCG(1, 1)), 3, 2, 0)
	require.Equal(t, []float64{0, 0, 0, 0, 1, 1, 0, 0}, c.B.Value.RawRowView(0))
}

func TestBiLSTMPaddingDoesNotLeak(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	rnn := NewBiLSTM(rng, 3, 4, 0)
	xs := randomSeq(rng, 5, 1, 3)

	g := graph.New(false)
	padded, fwP, bwP := rnn.Run(g, xs, []int{2})
	short, fwS, bwS := rnn.Run(g, xs[:2], []int{2})

	require.InDeltaSlice(t, fwS.H.Value.RawRowView(0), fwP.H.Value.RawRowView(0), 1e-12)
	require.InDeltaSlice(t, fwS.C.Value.RawRowView(0), fwP.C.Value.RawRowView(0), 1e-12)
	require.InDeltaSlice(t, bwS.H.Value.RawRowView(0), bwP.H.Value.RawRowView(0), 1e-12)
	for t0 := 0; t0 < 2; t0++ {
		require.InDeltaSlice(t, short[t0].Value.RawRowView(0), padded[t0].Value.RawRowView(0), 1e-12)
	}
	for t0 := 2; t0 < 5; t0++ {
		require.Zero(t, utils.MatrixNorm(padded[t0].Value), "step %d", t0)
	}
}

func TestBiLSTMGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	rnn := NewBiLSTM(rng, 3, 2, 0.5)
	xs := randomSeq(rng, 4, 2, 3)
	lengths := []int{4, 2}

	loss := func(g *graph.Graph) *graph.Node {
		outs, fw, bw := rnn.Run(g, xs, lengths)
		sum := g.Sum(outs...)
		return g.Add(g.SumAll(g.Square(sum)), g.SumAll(g.Mul(fw.C, bw.C)))
	}
	g := graph.New(true)
	g.Backward(loss(g))

	eps := 1e-5
	for _, p := range rnn.Params() {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				w0 := p.Value.At(i, j)
				p.Value.Set(i, j, w0+eps)
				lp := loss(graph.New(false)).Scalar()
				p.Value.Set(i, j, w0-eps)
				lm := loss(graph.New(false)).Scalar()
				p.Value.Set(i, j, w0)
				require.InDelta(t, (lp-lm)/(2*eps), p.Grad.At(i, j), 1e-6)
			}
		}
	}
}

func TestAttentionMasksInvalidPositions(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	attn := NewAttention(rng, 3, 4, 5, 0.5)
	values := randomSeq(rng, 3, 2, 4)

	g := graph.New(false)
	ctx := attn.Prepare(g, values, []int{1, 3})
	h := graph.Constant(mat.NewDense(2, 3, utils.RandomArray(rng, 6, 3, 1)))
	out, alpha := attn.Apply(g, h, ctx)

	r, c := out.Dims()
	require.Equal(t, []int{2, 3}, []int{r, c})
	require.Equal(t, 1.0, alpha.Value.At(0, 0))
	require.Zero(t, alpha.Value.At(0, 2))
	require.InDelta(t, 1.0, mat.Sum(alpha.Value.RowView(1)), 1e-12)
}
