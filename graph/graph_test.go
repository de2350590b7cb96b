package graph

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randParam(rng *rand.Rand, r, c int) *Node {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.Float64()*2 - 1
	}
	return NewParam(mat.NewDense(r, c, data))
}

// gradCheck runs f once with backprop, then compares every element of every
// param's gradient against a central finite difference.
func gradCheck(t *testing.T, f func(g *Graph) *Node, ps ...*Node) {
	t.Helper()
	for _, p := range ps {
		p.ZeroGrad()
	}
	g := New(true)
	g.Backward(f(g))

	eval := func() float64 { return f(New(false)).Scalar() }
	eps := 1e-5
	for k, p := range ps {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				w0 := p.Value.At(i, j)
				p.Value.Set(i, j, w0+eps)
				lp := eval()
				p.Value.Set(i, j, w0-eps)
				lm := eval()
				p.Value.Set(i, j, w0)

				num := (lp - lm) / (2 * eps)
				ana := p.Grad.At(i, j)
				require.InDeltaf(t, num, ana, 1e-5*math.Max(1, math.Abs(num)),
					"param %d [%d,%d]: num=%.6g ana=%.6g", k, i, j, num, ana)
			}
		}
	}
}

func TestMatMulAndBiasGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := randParam(rng, 3, 4)
	w := randParam(rng, 4, 5)
	b := randParam(rng, 1, 5)
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Tanh(g.AddRowVector(g.MatMul(x, w), b)))
	}, x, w, b)
}

func TestMatMulTGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := randParam(rng, 3, 4)
	b := randParam(rng, 6, 4)
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Square(g.MatMulT(a, b)))
	}, a, b)
}

func TestElementwiseGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	a := randParam(rng, 2, 3)
	b := randParam(rng, 2, 3)
	gradCheck(t, func(g *Graph) *Node {
		s := g.Sigmoid(g.Mul(a, b))
		e := g.Exp(g.Scale(0.5, g.Sub(a, b)))
		return g.SumAll(g.Sum(s, e, g.AddScalar(1, a)))
	}, a, b)
}

func TestShapeOpsGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	a := randParam(rng, 2, 3)
	b := randParam(rng, 2, 2)
	c := randParam(rng, 1, 5)
	w := []float64{0.5, -2}
	gradCheck(t, func(g *Graph) *Node {
		cat := g.ConcatCols(a, b)     // 2 x 5
		rows := g.ConcatRows(cat, c)  // 3 x 5
		sl := g.SliceCols(rows, 1, 4) // 3 x 3
		tr := g.Transpose(sl)         // 3 x 3
		mr := g.MulRows(g.SliceCols(cat, 0, 2), w)
		return g.Add(g.SumAll(g.Square(tr)), g.SumAll(g.Tanh(mr)))
	}, a, b, c)
}

func TestGatherScatterAddsRepeatedIDs(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	table := randParam(rng, 5, 3)
	ids := []int{1, 3, 1}
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Square(g.Gather(table, ids)))
	}, table)

	// Untouched rows get no gradient.
	for j := 0; j < 3; j++ {
		require.Zero(t, table.Grad.At(0, j))
		require.Zero(t, table.Grad.At(4, j))
	}
}

func TestSelectRowsRoutesGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	a := randParam(rng, 3, 2)
	b := randParam(rng, 3, 2)
	pick := []bool{true, false, true}
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Square(g.SelectRows(pick, a, b)))
	}, a, b)
	require.Zero(t, a.Grad.At(1, 0))
	require.Zero(t, b.Grad.At(0, 1))
}

func TestMulColumnAndRowSumGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	a := randParam(rng, 3, 4)
	s := randParam(rng, 3, 1)
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Square(g.RowSum(g.MulColumn(a, s))))
	}, a, s)
}

func TestRowSoftmaxMaskedGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	a := randParam(rng, 2, 4)
	wts := randParam(rng, 2, 4)
	valid := [][]bool{{true, true, false, false}, {true, true, true, true}}
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.Mul(g.RowSoftmaxMasked(a, valid), wts))
	}, a, wts)
}

func TestRowSoftmaxMaskedZeroesInvalid(t *testing.T) {
	g := New(false)
	a := Constant(mat.NewDense(1, 3, []float64{5, 1, 2}))
	p := g.RowSoftmaxMasked(a, [][]bool{{false, true, true}})
	require.Zero(t, p.Value.At(0, 0))
	require.InDelta(t, 1.0, p.Value.At(0, 1)+p.Value.At(0, 2), 1e-12)
}

func TestSoftmaxCrossEntropyGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 20))
	logits := randParam(rng, 3, 5)
	gradCheck(t, func(g *Graph) *Node {
		return g.SumAll(g.SoftmaxCrossEntropy(logits, []int{0, 4, 2}))
	}, logits)
}

func TestSoftmaxCrossEntropyValue(t *testing.T) {
	g := New(false)
	logits := Constant(mat.NewDense(1, 2, []float64{0, 0}))
	xent := g.SoftmaxCrossEntropy(logits, []int{1})
	require.InDelta(t, math.Log(2), xent.Value.At(0, 0), 1e-12)
}

func TestInferenceGraphRecordsNothing(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	w := randParam(rng, 2, 2)
	g := New(false)
	out := g.SumAll(g.MatMul(w, w))
	require.Empty(t, g.backprop)
	require.False(t, out.RequiresGrad())
	require.Panics(t, func() { g.Backward(out) })
}

func TestVariadicOpsKeepTheirInputs(t *testing.T) {
	rng := rand.New(rand.NewPCG(25, 26))
	a := randParam(rng, 2, 3)
	b := randParam(rng, 2, 3)
	other := randParam(rng, 2, 3)

	g := New(true)
	in := []*Node{a, b}
	sum := g.Sum(in...)
	cols := g.ConcatCols(in...)
	rows := g.ConcatRows(in...)
	in[0], in[1] = other, other
	g.Backward(g.Add(g.Add(g.SumAll(sum), g.SumAll(cols)), g.SumAll(rows)))

	require.Zero(t, mat.Norm(other.Grad, 1))
	for _, p := range []*Node{a, b} {
		require.Equal(t, []float64{3, 3, 3, 3, 3, 3}, p.Grad.RawMatrix().Data)
	}
}

func TestConstantsReceiveNoGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 24))
	w := randParam(rng, 2, 2)
	c := Constant(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	g := New(true)
	g.Backward(g.SumAll(g.Mul(w, c)))
	require.Nil(t, c.Grad)
	require.Equal(t, 3.0, w.Grad.At(1, 0))
}

func TestGradsAccumulateAcrossGraphs(t *testing.T) {
	w := NewParam(mat.NewDense(1, 1, []float64{2}))
	for i := 0; i < 2; i++ {
		g := New(true)
		g.Backward(g.SumAll(g.Scale(3, w)))
	}
	require.Equal(t, 6.0, w.Grad.At(0, 0))
	w.ZeroGrad()
	require.Zero(t, w.Grad.At(0, 0))
}

func TestShapeMismatchPanics(t *testing.T) {
	g := New(false)
	a := Zeros(2, 3)
	b := Zeros(3, 2)
	require.PanicsWithValue(t, "graph.Add: shape mismatch (2 x 3) vs (3 x 2)", func() { g.Add(a, b) })
	require.Panics(t, func() { g.MatMul(a, a) })
}
